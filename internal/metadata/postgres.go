package metadata

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresOperationTimeout = 5 * time.Second

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS note_metadata (
		document_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS note_tags (
		document_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (document_id, tag)
	)`,
	`CREATE TABLE IF NOT EXISTS note_links (
		document_id TEXT NOT NULL,
		target TEXT NOT NULL,
		PRIMARY KEY (document_id, target)
	)`,
}

// PostgresStore keeps projections in note_metadata, note_tags and
// note_links. The schema is created on first use; a failed attempt is
// retried by the next call.
type PostgresStore struct {
	pool    *pgxpool.Pool
	migrate func(ctx context.Context) error

	initMu sync.Mutex
	ready  bool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	s.migrate = s.createSchema
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.ready {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := s.migrate(ctx); err != nil {
		return err
	}
	s.ready = true
	return nil
}

func (s *PostgresStore) Apply(ctx context.Context, docID string, p Projection) (Change, error) {
	if docID == "" {
		return Change{}, ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return Change{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Change{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, exists, err := readProjection(ctx, tx, docID, true)
	if err != nil {
		return Change{}, err
	}
	change := Compare(prev, exists, p)
	if !change.Changed() {
		return change, tx.Commit(ctx)
	}

	tags := nonNil(p.Tags)
	links := nonNil(p.Links)
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO note_metadata (document_id, title, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (document_id)
		DO UPDATE SET title = EXCLUDED.title, updated_at = NOW()`, docID, p.Title)
	batch.Queue(`DELETE FROM note_tags WHERE document_id = $1 AND NOT (tag = ANY($2::text[]))`, docID, tags)
	batch.Queue(`INSERT INTO note_tags (document_id, tag) SELECT $1, unnest($2::text[]) ON CONFLICT DO NOTHING`, docID, tags)
	batch.Queue(`DELETE FROM note_links WHERE document_id = $1 AND NOT (target = ANY($2::text[]))`, docID, links)
	batch.Queue(`INSERT INTO note_links (document_id, target) SELECT $1, unnest($2::text[]) ON CONFLICT DO NOTHING`, docID, links)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return Change{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Change{}, err
	}
	return change, nil
}

func (s *PostgresStore) Get(ctx context.Context, docID string) (Projection, bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Projection{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Projection{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return readProjection(ctx, tx, docID, false)
}

func readProjection(ctx context.Context, tx pgx.Tx, docID string, lock bool) (Projection, bool, error) {
	query := `SELECT title FROM note_metadata WHERE document_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var p Projection
	exists := true
	if err := tx.QueryRow(ctx, query, docID).Scan(&p.Title); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Projection{}, false, err
		}
		exists = false
	}
	rows, err := tx.Query(ctx, `SELECT tag FROM note_tags WHERE document_id = $1 ORDER BY tag`, docID)
	if err != nil {
		return Projection{}, false, err
	}
	if p.Tags, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
		return Projection{}, false, err
	}
	rows, err = tx.Query(ctx, `SELECT target FROM note_links WHERE document_id = $1 ORDER BY target`, docID)
	if err != nil {
		return Projection{}, false, err
	}
	if p.Links, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
		return Projection{}, false, err
	}
	return p, exists, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
