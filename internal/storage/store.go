// Package storage persists document snapshots and the update log written
// since the last snapshot.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("store closed")
)

// Snapshot is what Load returns for a document. State is nil for a document
// that was never saved. Updates are the logged updates not yet folded into
// State, oldest first, and UpdateSeq is the sequence of the last of them.
type Snapshot struct {
	State     []byte
	Updates   [][]byte
	UpdateSeq uint64
}

func (s Snapshot) Empty() bool {
	return len(s.State) == 0 && len(s.Updates) == 0
}

type Store interface {
	Load(ctx context.Context, docID string) (Snapshot, error)
	// Save replaces the snapshot and drops logged updates with a sequence at
	// or below compactThrough, atomically.
	Save(ctx context.Context, docID string, state []byte, compactThrough uint64) error
	AppendUpdate(ctx context.Context, docID string, update []byte) (uint64, error)
	Close() error
}

func validDocID(docID string) bool {
	return strings.TrimSpace(docID) != ""
}

type loggedUpdate struct {
	Seq  uint64 `json:"seq"`
	Data []byte `json:"data"`
}

type memoryDocument struct {
	state   []byte
	nextSeq uint64
	updates []loggedUpdate
}

type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]*memoryDocument
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]*memoryDocument{}}
}

func (s *MemoryStore) Load(ctx context.Context, docID string) (Snapshot, error) {
	if !validDocID(docID) {
		return Snapshot{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, ErrClosed
	}
	doc := s.docs[docID]
	if doc == nil {
		return Snapshot{}, nil
	}
	return snapshotOf(doc.state, doc.updates), nil
}

func (s *MemoryStore) Save(ctx context.Context, docID string, state []byte, compactThrough uint64) error {
	if !validDocID(docID) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	doc := s.document(docID)
	doc.state = append([]byte(nil), state...)
	doc.updates = compact(doc.updates, compactThrough)
	return nil
}

func (s *MemoryStore) AppendUpdate(ctx context.Context, docID string, update []byte) (uint64, error) {
	if !validDocID(docID) || len(update) == 0 {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	doc := s.document(docID)
	doc.nextSeq++
	doc.updates = append(doc.updates, loggedUpdate{Seq: doc.nextSeq, Data: append([]byte(nil), update...)})
	return doc.nextSeq, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) document(docID string) *memoryDocument {
	doc := s.docs[docID]
	if doc == nil {
		doc = &memoryDocument{}
		s.docs[docID] = doc
	}
	return doc
}

func snapshotOf(state []byte, updates []loggedUpdate) Snapshot {
	sorted := append([]loggedUpdate(nil), updates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	snap := Snapshot{}
	if state != nil {
		snap.State = append([]byte(nil), state...)
	}
	for _, u := range sorted {
		snap.Updates = append(snap.Updates, append([]byte(nil), u.Data...))
		snap.UpdateSeq = u.Seq
	}
	return snap
}

func compact(updates []loggedUpdate, through uint64) []loggedUpdate {
	kept := updates[:0]
	for _, u := range updates {
		if u.Seq > through {
			kept = append(kept, u)
		}
	}
	return kept
}
