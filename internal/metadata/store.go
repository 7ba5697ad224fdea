package metadata

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrSyncFailed   = errors.New("metadata sync failed")
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the relational projection. Apply replaces title, tags and links of
// a document in one transaction and reports what changed.
type Store interface {
	Apply(ctx context.Context, docID string, p Projection) (Change, error)
	Get(ctx context.Context, docID string) (Projection, bool, error)
	Close() error
}

type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Projection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]Projection{}}
}

func (s *MemoryStore) Apply(ctx context.Context, docID string, p Projection) (Change, error) {
	if docID == "" {
		return Change{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.rows[docID]
	change := Compare(prev, exists, p)
	if change.Changed() {
		s.rows[docID] = cloneProjection(p)
	}
	return change, nil
}

func (s *MemoryStore) Get(ctx context.Context, docID string) (Projection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[docID]
	return cloneProjection(p), ok, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneProjection(p Projection) Projection {
	return Projection{
		Title: p.Title,
		Tags:  append([]string(nil), p.Tags...),
		Links: append([]string(nil), p.Links...),
	}
}
