// Package storage persists delivery attempt records, the user directory and
// batch markers.
//
// Two backends share one contract: SQLite (modernc.org/sqlite, no cgo) for
// real deployments and an in-memory store for tests and throwaway runs.
package storage
