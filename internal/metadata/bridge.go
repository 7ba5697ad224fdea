package metadata

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/collabsync/internal/coalesce"
	"github.com/agentworkforce/collabsync/internal/crdt"
)

// ContentSource returns the current visible leaves of a document. The caller
// of Attach makes it safe to invoke from the tracker's flush goroutine.
type ContentSource func() []crdt.Leaf

type Bridge struct {
	store     Store
	publisher Publisher
	cfg       coalesce.Config
	logger    zerolog.Logger
}

// NewBridge builds a bridge. Failed projections are not retried by backoff
// unless cfg.MaxAttempts says so; by default the next mutation retries.
func NewBridge(store Store, publisher Publisher, cfg coalesce.Config, logger zerolog.Logger) *Bridge {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if publisher == nil {
		publisher = LogPublisher{Logger: logger}
	}
	return &Bridge{store: store, publisher: publisher, cfg: cfg, logger: logger}
}

func (b *Bridge) Store() Store {
	return b.store
}

type Tracker struct {
	bridge *Bridge
	docID  string
	source ContentSource
	logger zerolog.Logger
	co     *coalesce.Coalescer
}

func (b *Bridge) Attach(docID string, source ContentSource) *Tracker {
	t := &Tracker{
		bridge: b,
		docID:  docID,
		source: source,
		logger: b.logger.With().Str("document_id", docID).Str("component", "metadata").Logger(),
	}
	t.co = coalesce.New(b.cfg, t.sync, t.logger)
	return t
}

func (t *Tracker) sync(ctx context.Context) error {
	projection := Derive(t.source())
	change, err := t.bridge.store.Apply(ctx, t.docID, projection)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSyncFailed, t.docID, err)
	}
	if !change.Changed() {
		return nil
	}
	event := newMetadataChanged(t.docID, projection, change)
	if err := t.bridge.publisher.Publish(ctx, event); err != nil {
		t.logger.Warn().Err(err).Str("event_id", event.EventID).Msg("publish metadata event failed")
	}
	return nil
}

// MarkDirty schedules a debounced projection of the current content.
func (t *Tracker) MarkDirty() {
	t.co.MarkDirty()
}

func (t *Tracker) Flush(ctx context.Context) error {
	return t.co.Flush(ctx)
}

func (t *Tracker) Close() {
	t.co.Close()
}

func (t *Tracker) Status() coalesce.Status {
	return t.co.Status()
}
