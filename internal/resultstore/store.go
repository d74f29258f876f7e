// Package resultstore defines the interface to the document store holding
// benchmark results.
//
// # Why the Result Store Exists
//
// Every completed execution unit produces one or more result documents. Each
// document carries an index map, the key/value attributes that identify what
// was measured (stage, commit, variable values). Before scheduling a stage
// with a dynamic repeat policy the engine asks the store how many documents
// already match an index map, and only runs the difference. This lets later
// runs top up earlier ones instead of repeating them.
//
// # Consistency Model
//
// The engine reads the count once and then runs. Two independent processes
// evaluating the same index concurrently may both decide more runs are needed
// and both insert. Documents are only ever added, never overwritten, so the
// failure mode is over-counting and never under-counting. Insert is
// idempotent per document ID so a retried insert does not double count.
//
// # Implementations
//
//   - internal/inmemorystore: process-local, used by tests and memory:// URLs
//   - internal/pgstore: PostgreSQL, index stored as JSONB
package resultstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the boundary between the engine and wherever results live.
//
// Implementations MUST be safe for concurrent use; workers of one pool insert
// in parallel.
type Store interface {
	// Count returns the number of documents whose index contains every
	// key/value pair of filter. An empty filter counts every document.
	Count(ctx context.Context, filter map[string]string) (int, error)

	// Insert stores docs. Inserting a document whose ID already exists is a
	// no-op.
	Insert(ctx context.Context, docs ...Document) error

	// Close releases the underlying connection, if any.
	Close() error
}

// Document is one stored result.
type Document struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	Project    string            `json:"project"`
	Stage      string            `json:"stage"`
	Unit       string            `json:"unit"`
	Index      map[string]string `json:"index"`
	ReturnCode int               `json:"return_code"`
	Duration   time.Duration     `json:"duration"`
	StartedAt  time.Time         `json:"started_at"`
	Data       map[string]any    `json:"data,omitempty"`
}

// NewDocument returns a document with a fresh ID.
func NewDocument() Document {
	return Document{ID: uuid.NewString()}
}

// Matches reports whether index contains every pair in filter.
func Matches(index, filter map[string]string) bool {
	for k, v := range filter {
		if got, ok := index[k]; !ok || got != v {
			return false
		}
	}
	return true
}
