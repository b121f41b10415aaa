// Package checkpoint persists snapshots of workflow state so runs survive
// process restarts.
//
// A [Checkpoint] is a self-describing JSON envelope carrying the schema
// identifier, run ID, revision and a full state snapshot. Every [Store]
// keeps at least the latest revision per run, rejects saves that do not
// advance the revision with [errors.ErrStaleCheckpoint], and writes
// atomically. Operations on the same run are serialized; different runs
// proceed in parallel.
//
// Backends:
//   - [MemoryStore] for tests and ephemeral runs
//   - [FileStore] writing <dir>/<run_id>/checkpoint.json via temp file and
//     rename under an flock(2) held per run directory
//   - [SQLiteStore] keeping the last N revisions of each run in SQLite
package checkpoint
