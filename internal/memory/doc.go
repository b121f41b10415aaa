// Package memory is the retrieval memory shared by research runs.
//
// Entries are keyed by a fingerprint of the normalized query and carry an
// embedding used for similarity lookups. A [Store] partitions entries across
// fixed shards, each guarded by its own RWMutex, so concurrent researchers
// never contend on a global lock.
//
// [Store.Fetch] is the read-through path: a cached entry is returned when
// one is similar enough, otherwise the fetch function runs at most once per
// fingerprint no matter how many callers ask concurrently, and its result is
// inserted for later lookups.
//
// Entries can be persisted across runs with [OpenSQLite].
package memory
