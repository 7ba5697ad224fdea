package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/collabsync/internal/config"
	"github.com/agentworkforce/collabsync/internal/crdt"
	"github.com/agentworkforce/collabsync/internal/metadata"
	"github.com/agentworkforce/collabsync/internal/storage"
)

func TestSessionOptionsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.QuietPeriod = config.Duration(500 * time.Millisecond)
	cfg.MaxRetryAttempts = 3
	cfg.IdleTimeout = config.Duration(time.Minute)

	opts := sessionOptions(cfg)
	assert.Equal(t, 500*time.Millisecond, opts.Persist.QuietPeriod)
	assert.Equal(t, 30*time.Second, opts.Persist.MaxDirty)
	assert.Equal(t, 3, opts.Persist.MaxAttempts)
	assert.Equal(t, time.Minute, opts.IdleTimeout)
}

func TestAppendUpdateFromText(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	err := runAppendUpdate(context.Background(), []string{"-dsn", dir, "-doc", "notes", "-text", "imported"}, nil, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "appended update 1 to notes")

	store := storage.NewFileStore(dir)
	snap, err := store.Load(context.Background(), "notes")
	require.NoError(t, err)
	require.Len(t, snap.Updates, 1)

	doc := crdt.NewDoc(1)
	_, err = doc.Apply(snap.Updates[0])
	require.NoError(t, err)
	assert.Equal(t, "imported", doc.Text())
}

func TestAppendUpdateValidatesInput(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.bin")
	require.NoError(t, os.WriteFile(bad, []byte{0xff}, 0o644))

	var out bytes.Buffer
	err := runAppendUpdate(context.Background(), []string{"-dsn", dir, "-doc", "notes", "-file", bad}, nil, &out)
	assert.ErrorIs(t, err, crdt.ErrCorruptUpdate)

	err = runAppendUpdate(context.Background(), []string{"-dsn", dir, "-doc", "notes"}, nil, &out)
	assert.Error(t, err)

	u, err := crdt.NewDoc(7).InsertText(0, "piped")
	require.NoError(t, err)
	err = runAppendUpdate(context.Background(), []string{"-dsn", dir, "-doc", "notes", "-file", "-"}, bytes.NewReader(crdt.EncodeUpdate(u)), &out)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out.String(), "appended update 1 to notes\n"))
}

func TestBuildPublisherDefaultsToLog(t *testing.T) {
	cfg := config.Defaults()
	pub, closeAll, err := buildPublisher(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &metadata.AsyncPublisher{}, pub)
	require.NoError(t, pub.Publish(context.Background(), metadata.MetadataChanged{DocumentID: "d"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, closeAll(ctx))
}
