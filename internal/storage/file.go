package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileDocument struct {
	State   []byte         `json:"state,omitempty"`
	NextSeq uint64         `json:"nextSeq"`
	Updates []loggedUpdate `json:"updates,omitempty"`
}

// FileStore keeps one JSON file per document under Dir. Writes go to a
// temporary file that is renamed into place.
type FileStore struct {
	Dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: strings.TrimSpace(dir)}
}

func (s *FileStore) path(docID string) string {
	return filepath.Join(s.Dir, url.PathEscape(docID)+".json")
}

func (s *FileStore) read(docID string) (*fileDocument, error) {
	data, err := os.ReadFile(s.path(docID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &fileDocument{}, nil
		}
		return nil, err
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *FileStore) write(docID string, doc *fileDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	path := s.path(docID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Load(ctx context.Context, docID string) (Snapshot, error) {
	if !validDocID(docID) || s.Dir == "" {
		return Snapshot{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(docID)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(doc.State, doc.Updates), nil
}

func (s *FileStore) Save(ctx context.Context, docID string, state []byte, compactThrough uint64) error {
	if !validDocID(docID) || s.Dir == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(docID)
	if err != nil {
		return err
	}
	doc.State = state
	doc.Updates = compact(doc.Updates, compactThrough)
	return s.write(docID, doc)
}

func (s *FileStore) AppendUpdate(ctx context.Context, docID string, update []byte) (uint64, error) {
	if !validDocID(docID) || s.Dir == "" || len(update) == 0 {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(docID)
	if err != nil {
		return 0, err
	}
	doc.NextSeq++
	doc.Updates = append(doc.Updates, loggedUpdate{Seq: doc.NextSeq, Data: update})
	if err := s.write(docID, doc); err != nil {
		return 0, err
	}
	return doc.NextSeq, nil
}

func (s *FileStore) Close() error {
	return nil
}
