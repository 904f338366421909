// Package storage persists schedules, the product catalog used to render
// posts and a log of published channel messages.
//
// Backends:
//   - sqlite (default, modernc.org/sqlite, no cgo)
//   - postgres (github.com/lib/pq)
//   - memory (process-local, development and tests)
//
// Every failure of a backend is marked with ErrStoreUnavailable so callers can
// treat it as transient with errors.Is.
package storage
