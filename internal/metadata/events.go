package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultEventChannel = "collab.metadata.changed"

type MetadataChanged struct {
	EventID       string    `json:"eventId"`
	DocumentID    string    `json:"documentId"`
	ChangedFields []string  `json:"changedFields"`
	Title         string    `json:"title,omitempty"`
	TagsAdded     []string  `json:"tagsAdded,omitempty"`
	TagsRemoved   []string  `json:"tagsRemoved,omitempty"`
	LinksAdded    []string  `json:"linksAdded,omitempty"`
	LinksRemoved  []string  `json:"linksRemoved,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

func newMetadataChanged(docID string, p Projection, c Change) MetadataChanged {
	return MetadataChanged{
		EventID:       ulid.Make().String(),
		DocumentID:    docID,
		ChangedFields: c.Fields,
		Title:         p.Title,
		TagsAdded:     c.TagsAdded,
		TagsRemoved:   c.TagsRemoved,
		LinksAdded:    c.LinksAdded,
		LinksRemoved:  c.LinksRemoved,
		OccurredAt:    time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event MetadataChanged) error
}

type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(redisURL, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if strings.TrimSpace(channel) == "" {
		channel = DefaultEventChannel
	}
	return &RedisPublisher{client: redis.NewClient(opts), channel: channel}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event MetadataChanged) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, event MetadataChanged) error {
	p.Logger.Info().
		Str("event_id", event.EventID).
		Str("document_id", event.DocumentID).
		Strs("changed_fields", event.ChangedFields).
		Strs("tags_added", event.TagsAdded).
		Strs("tags_removed", event.TagsRemoved).
		Strs("links_added", event.LinksAdded).
		Strs("links_removed", event.LinksRemoved).
		Msg("metadata changed")
	return nil
}

type MemoryPublisher struct {
	mu     sync.Mutex
	events []MetadataChanged
}

func (p *MemoryPublisher) Publish(ctx context.Context, event MetadataChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *MemoryPublisher) Events() []MetadataChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MetadataChanged(nil), p.events...)
}

// AsyncPublisher hands events to a bounded queue drained by one worker, so
// publishing never blocks the caller. Events are dropped when the queue is
// full.
type AsyncPublisher struct {
	next    Publisher
	logger  zerolog.Logger
	ch      chan MetadataChanged
	dropped atomic.Int64
	done    chan struct{}

	closeOnce sync.Once
}

func NewAsyncPublisher(next Publisher, capacity int, logger zerolog.Logger) *AsyncPublisher {
	if capacity <= 0 {
		capacity = 1024
	}
	p := &AsyncPublisher{
		next:   next,
		logger: logger,
		ch:     make(chan MetadataChanged, capacity),
		done:   make(chan struct{}),
	}
	go p.worker()
	return p
}

func (p *AsyncPublisher) Publish(ctx context.Context, event MetadataChanged) error {
	select {
	case p.ch <- event:
	default:
		p.dropped.Add(1)
		p.logger.Warn().Str("event_id", event.EventID).Str("document_id", event.DocumentID).Msg("event queue full, dropping event")
	}
	return nil
}

func (p *AsyncPublisher) worker() {
	defer close(p.done)
	for event := range p.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.next.Publish(ctx, event); err != nil {
			p.logger.Warn().Err(err).Str("event_id", event.EventID).Str("document_id", event.DocumentID).Msg("publish metadata event failed")
		}
		cancel()
	}
}

func (p *AsyncPublisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *AsyncPublisher) Depth() int {
	return len(p.ch)
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end. Publish must not be called after Close.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.ch) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
