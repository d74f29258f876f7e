package inmemorystore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/specialistvlad/gridbench/internal/resultstore"
)

// Store is an in-memory implementation of resultstore.Store.
type Store struct {
	docs   sync.Map // Key: document ID, Value: resultstore.Document
	seq    atomic.Int64
	order  sync.Map // Key: document ID, Value: insertion sequence
	closed atomic.Bool
}

// New creates a new, empty store.
func New() *Store {
	return &Store{}
}

var _ resultstore.Store = (*Store)(nil)

// Count returns the number of stored documents whose index contains filter.
func (s *Store) Count(ctx context.Context, filter map[string]string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	s.docs.Range(func(_, v any) bool {
		if resultstore.Matches(v.(resultstore.Document).Index, filter) {
			n++
		}
		return true
	})
	return n, nil
}

// Insert stores docs, ignoring IDs that are already present.
func (s *Store) Insert(ctx context.Context, docs ...resultstore.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, d := range docs {
		if d.ID == "" {
			d.ID = resultstore.NewDocument().ID
		}
		if _, loaded := s.docs.LoadOrStore(d.ID, cloneDoc(d)); !loaded {
			s.order.Store(d.ID, s.seq.Add(1))
		}
	}
	return nil
}

// Documents returns a copy of every stored document in insertion order.
func (s *Store) Documents() []resultstore.Document {
	type entry struct {
		seq int64
		doc resultstore.Document
	}
	var entries []entry
	s.docs.Range(func(k, v any) bool {
		seq, _ := s.order.Load(k)
		n, _ := seq.(int64)
		entries = append(entries, entry{seq: n, doc: cloneDoc(v.(resultstore.Document))})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]resultstore.Document, len(entries))
	for i, e := range entries {
		out[i] = e.doc
	}
	return out
}

// Close marks the store closed. Stored documents stay readable.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool { return s.closed.Load() }

// cloneDoc copies the index map so callers cannot mutate stored documents.
func cloneDoc(d resultstore.Document) resultstore.Document {
	idx := make(map[string]string, len(d.Index))
	for k, v := range d.Index {
		idx[k] = v
	}
	d.Index = idx
	return d
}
