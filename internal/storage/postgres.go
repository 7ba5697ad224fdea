package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresSnapshotTable    = "collab_snapshots"
	postgresUpdateTable      = "collab_updates"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps snapshots as BYTEA rows and the update log in a
// BIGSERIAL table. Tables are created on first use; a failed setup is
// retried by the next call.
type PostgresStore struct {
	dsn           string
	driverName    string
	snapshotTable string
	updateTable   string
	openDB        sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:           dsn,
		driverName:    "postgres",
		snapshotTable: postgresSnapshotTable,
		updateTable:   postgresUpdateTable,
		openDB:        sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() (*sql.DB, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.openDB(s.driverName, s.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				document_id TEXT PRIMARY KEY,
				state BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, pq.QuoteIdentifier(s.snapshotTable)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				document_id TEXT NOT NULL,
				payload BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, pq.QuoteIdentifier(s.updateTable)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (document_id, id)",
			pq.QuoteIdentifier(s.updateTable+"_doc_idx"), pq.QuoteIdentifier(s.updateTable)),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s.db = db
	return db, nil
}

// Load reads the snapshot and the log from one repeatable-read snapshot, so
// the log it returns has no holes below UpdateSeq.
func (s *PostgresStore) Load(ctx context.Context, docID string) (Snapshot, error) {
	if !validDocID(docID) {
		return Snapshot{}, ErrInvalidInput
	}
	db, err := s.ensureReady()
	if err != nil {
		return Snapshot{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var snap Snapshot
	query := fmt.Sprintf("SELECT state FROM %s WHERE document_id = $1", pq.QuoteIdentifier(s.snapshotTable))
	err = tx.QueryRowContext(ctx, query, docID).Scan(&snap.State)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, err
	}

	query = fmt.Sprintf("SELECT id, payload FROM %s WHERE document_id = $1 ORDER BY id ASC", pq.QuoteIdentifier(s.updateTable))
	rows, err := tx.QueryContext(ctx, query, docID)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return Snapshot{}, err
		}
		snap.Updates = append(snap.Updates, payload)
		snap.UpdateSeq = uint64(seq)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *PostgresStore) Save(ctx context.Context, docID string, state []byte, compactThrough uint64) error {
	if !validDocID(docID) {
		return ErrInvalidInput
	}
	db, err := s.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	upsert := fmt.Sprintf(`
		INSERT INTO %s (document_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (document_id)
		DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`, pq.QuoteIdentifier(s.snapshotTable))
	if _, err := tx.ExecContext(ctx, upsert, docID, state); err != nil {
		return err
	}
	if compactThrough > 0 {
		prune := fmt.Sprintf("DELETE FROM %s WHERE document_id = $1 AND id <= $2", pq.QuoteIdentifier(s.updateTable))
		if _, err := tx.ExecContext(ctx, prune, docID, int64(compactThrough)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendUpdate serializes appends per document with a transaction-scoped
// advisory lock. Ids are drawn after the lock is held, so a document's log
// commits in id order and a reader never sees id N+1 before id N.
func (s *PostgresStore) AppendUpdate(ctx context.Context, docID string, update []byte) (uint64, error) {
	if !validDocID(docID) || len(update) == 0 {
		return 0, ErrInvalidInput
	}
	db, err := s.ensureReady()
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))", s.updateTable, docID); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("INSERT INTO %s (document_id, payload, created_at) VALUES ($1, $2, NOW()) RETURNING id", pq.QuoteIdentifier(s.updateTable))
	var seq int64
	if err := tx.QueryRowContext(ctx, query, docID, update).Scan(&seq); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func (s *PostgresStore) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
