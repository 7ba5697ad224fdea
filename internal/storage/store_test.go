package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	snap, err := store.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, snap.Empty())

	seq1, err := store.AppendUpdate(ctx, "doc-1", []byte("u1"))
	require.NoError(t, err)
	seq2, err := store.AppendUpdate(ctx, "doc-1", []byte("u2"))
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	snap, err = store.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, snap.State)
	assert.Equal(t, [][]byte{[]byte("u1"), []byte("u2")}, snap.Updates)
	assert.Equal(t, seq2, snap.UpdateSeq)

	// An update appended after the load survives the save that folds the
	// loaded ones into the snapshot.
	seq3, err := store.AppendUpdate(ctx, "doc-1", []byte("u3"))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "doc-1", []byte("state-a"), snap.UpdateSeq))

	snap, err = store.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("state-a"), snap.State)
	assert.Equal(t, [][]byte{[]byte("u3")}, snap.Updates)
	assert.Equal(t, seq3, snap.UpdateSeq)

	require.NoError(t, store.Save(ctx, "doc-1", []byte("state-b"), snap.UpdateSeq))
	snap, err = store.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("state-b"), snap.State)
	assert.Empty(t, snap.Updates)

	other, err := store.Load(ctx, "doc-2")
	require.NoError(t, err)
	assert.True(t, other.Empty())

	_, err = store.Load(ctx, " ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)
	require.NoError(t, store.Close())
	_, err := store.Load(context.Background(), "doc-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	exerciseStore(t, store)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestFileStoreEscapesDocumentIDs(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	require.NoError(t, store.Save(context.Background(), "team/notes", []byte("x"), 0))
	_, err := os.Stat(filepath.Join(dir, "team%2Fnotes.json"))
	require.NoError(t, err)
}

func TestBoltStore(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "collab.db"))
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.db")
	store, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "doc", []byte("kept"), 0))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(path)
	require.NoError(t, err)
	defer store.Close()
	snap, err := store.Load(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), snap.State)
}

func TestBuildStoreFromDSN(t *testing.T) {
	store, err := BuildStoreFromDSN("")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	dir := t.TempDir()
	store, err = BuildStoreFromDSN("file://" + dir)
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, store)
	assert.Equal(t, dir, store.(*FileStore).Dir)

	store, err = BuildStoreFromDSN("bolt://" + filepath.Join(dir, "b.db"))
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, store)
	require.NoError(t, store.Close())

	store, err = BuildStoreFromDSN("postgres://user:pw@localhost:5432/collab?sslmode=disable")
	require.NoError(t, err)
	assert.IsType(t, &PostgresStore{}, store)

	_, err = BuildStoreFromDSN("s3://bucket")
	assert.Error(t, err)
}

func TestRegisterStoreFactory(t *testing.T) {
	RegisterStoreFactory("storetestcustom", func(dsn string) (Store, error) {
		return NewMemoryStore(), nil
	})
	store, err := BuildStoreFromDSN("storetestcustom://example")
	require.NoError(t, err)
	assert.NotNil(t, store)
}

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("COLLAB_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set COLLAB_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	suffix := strings.ReplaceAll(t.Name(), "/", "_")
	store.snapshotTable = "collab_snapshots_" + strings.ToLower(suffix)
	store.updateTable = "collab_updates_" + strings.ToLower(suffix)
	t.Cleanup(func() {
		if store.db != nil {
			_, _ = store.db.Exec("DROP TABLE IF EXISTS " + store.snapshotTable + ", " + store.updateTable)
		}
		_ = store.Close()
	})
	exerciseStore(t, store)
}
