// Package logging provides structured logging for ragents runs.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation so that every line emitted while a run executes can be
// attributed to its run, graph node and agent role.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/path/to/data/logs", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	runLogger := logger.WithRun("0b5c...").WithNode("researcher").WithRole("researcher")
//	runLogger.Info("node completed", "revision", 7)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"node completed","run_id":"0b5c...","node":"researcher","role":"researcher","revision":7}
//
// # Files
//
// [NewRotatingLogger] rotates ragents.log by size, keeping numbered and
// optionally gzipped backups. [ReadLogs] reads the live file and its
// backups back for the logs command, and [FilterLogs] narrows them to one
// run or node.
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewWriterLogger] with a buffer to
// assert on emitted records.
package logging
