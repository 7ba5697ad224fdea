// Package coalesce debounces bursts of mutations into single flushes.
package coalesce

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

type Config struct {
	QuietPeriod    time.Duration
	MaxDirty       time.Duration
	MaxAttempts    int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = 2 * time.Second
	}
	if c.MaxDirty <= 0 {
		c.MaxDirty = 30 * time.Second
	}
	if c.MaxDirty < c.QuietPeriod {
		c.MaxDirty = c.QuietPeriod
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	return c
}

type FlushFunc func(ctx context.Context) error

type Status struct {
	Dirty       bool      `json:"dirty"`
	InFlight    bool      `json:"inFlight"`
	Degraded    bool      `json:"degraded"`
	LastError   string    `json:"lastError,omitempty"`
	LastFlushAt time.Time `json:"lastFlushAt,omitempty"`
	Flushes     int64     `json:"flushes"`
	Failures    int64     `json:"failures"`
}

// Coalescer runs flush at most once at a time. After the first MarkDirty it
// waits QuietPeriod for further marks, but never longer than MaxDirty since the
// first unsaved mark. Failed flushes are retried with exponential backoff up
// to MaxAttempts; after that the coalescer reports Degraded and stays dirty
// until the next mark or an explicit Flush.
type Coalescer struct {
	cfg    Config
	flush  FlushFunc
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	dirty       bool
	firstDirty  time.Time
	timer       *time.Timer
	gen         uint64
	inFlight    bool
	flightDone  chan struct{}
	closed      bool
	degraded    bool
	lastErr     error
	lastFlushAt time.Time
	flushes     int64
	failures    int64
}

func New(cfg Config, flush FlushFunc, logger zerolog.Logger) *Coalescer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coalescer{
		cfg:    cfg.withDefaults(),
		flush:  flush,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Coalescer) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	now := time.Now()
	if !c.dirty {
		c.dirty = true
		c.firstDirty = now
	}
	if c.inFlight {
		return
	}
	c.armLocked(now)
}

func (c *Coalescer) armLocked(now time.Time) {
	deadline := now.Add(c.cfg.QuietPeriod)
	if limit := c.firstDirty.Add(c.cfg.MaxDirty); deadline.After(limit) {
		deadline = limit
	}
	delay := deadline.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(delay, func() { c.fire(gen) })
}

func (c *Coalescer) fire(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || !c.dirty || c.inFlight {
		c.mu.Unlock()
		return
	}
	c.startLocked()
	c.mu.Unlock()
	_ = c.run(c.ctx)
}

func (c *Coalescer) startLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.dirty = false
	c.inFlight = true
	c.flightDone = make(chan struct{})
}

func (c *Coalescer) run(ctx context.Context) error {
	err := c.flushWithRetry(ctx)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	close(c.flightDone)
	if err != nil {
		if !c.dirty {
			c.dirty = true
			c.firstDirty = now
		}
		c.degraded = true
		c.lastErr = err
		c.failures++
		c.logger.Error().Err(err).Int("attempts", c.cfg.MaxAttempts).Msg("flush failed, marking degraded")
		return err
	}
	c.degraded = false
	c.lastErr = nil
	c.lastFlushAt = now
	c.flushes++
	if c.dirty && !c.closed {
		c.armLocked(now)
	}
	return nil
}

func (c *Coalescer) flushWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		// A started write runs to completion even if ctx is cancelled meanwhile.
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AttemptTimeout)
		defer cancel()
		return c.flush(attemptCtx)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("flush attempt failed")
	}
	return backoff.RetryNotify(operation, policy, notify)
}

// Flush synchronously writes pending state, waiting for an in-flight flush
// first. It is used for final flushes on teardown and works after Close.
func (c *Coalescer) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.inFlight {
			done := c.flightDone
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !c.dirty {
			c.mu.Unlock()
			return nil
		}
		c.startLocked()
		c.mu.Unlock()
		return c.run(ctx)
	}
}

// Close cancels the debounce timer and any retry not yet started. A flush
// that is already running completes normally.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.cancel()
}

// Pending reports unsaved or in-flight work.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty || c.inFlight
}

func (c *Coalescer) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Coalescer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Dirty:       c.dirty,
		InFlight:    c.inFlight,
		Degraded:    c.degraded,
		LastFlushAt: c.lastFlushAt,
		Flushes:     c.flushes,
		Failures:    c.failures,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}
