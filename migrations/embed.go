// Package migrations embeds the SQL schema of the CandyConnect state
// database into the binary.
package migrations

import "embed"

// FS holds every migration file at its root.
//
//go:embed *.sql
var FS embed.FS
