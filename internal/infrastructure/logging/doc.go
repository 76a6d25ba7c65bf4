// Package logging builds the service logger of CandyConnect Core.
//
// The logger is a log/slog handler chain that stamps every record with
// service=candyconnect-core and the build version. Records go to stdout or
// stderr as JSON or text, and optionally to a size-rotated file as well:
//
//	logging:
//	  level: info        # debug, info, warn, error
//	  format: json       # json, text
//	  output: stdout     # stdout, stderr
//	  file:
//	    path: /var/log/candyconnect/core.log
//	    max_size: 50     # megabytes per file
//	    max_backups: 5
//	    max_age: 30      # days
//
// Components receive a child logger tagged with what they serve:
//
//	log := logging.New(cfg.Logging, version)
//	wg := log.With("protocol", "wireguard")
//	wg.Warn("wg show failed, keeping last traffic sample", "error", err)
//
// The CLI subcommands log to stderr so that their table and JSON output on
// stdout stays parseable.
//
// Client passwords, private keys and pre-shared keys must never be logged.
package logging
