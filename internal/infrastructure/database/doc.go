// Package database provides SQLite connectivity for CandyConnect Core.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Versioned schema migrations loaded from an fs.FS
//   - Connection pooling and lifecycle management
//
// All queries use parameterised statements and the database file is
// created with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Migrations are additive: new columns must be
// nullable or carry a default.
package database
