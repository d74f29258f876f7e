// Package inmemorystore provides an ephemeral, thread-safe, in-memory
// implementation of the resultstore.Store interface.
//
// # Purpose
//
// This store backs memory:// store URLs and the test suites of the packages
// that record results. Nothing survives the process, so dynamic repeat
// policies only see results produced by the current run.
//
// # Concurrency Model
//
// Documents are kept in a sync.Map keyed by document ID. Workers of one pool
// insert concurrently and never touch the same key twice, which is the access
// pattern sync.Map is built for. Count walks the whole map; it is linear in
// the number of stored documents, which is fine for a single run's worth of
// results.
package inmemorystore
