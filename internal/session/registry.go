package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/collabsync/internal/crdt"
	"github.com/agentworkforce/collabsync/internal/metadata"
	"github.com/agentworkforce/collabsync/internal/storage"
)

type entry struct {
	session     *Session
	refs        int
	idleTimeout time.Duration
	idle        *time.Timer
	idleGen     uint64
	closing     chan struct{}
}

// Registry holds at most one live session per document id. Sessions are
// loaded on first Acquire, reference counted by handles and torn down after
// an idle window without references or unsaved work.
type Registry struct {
	store  storage.Store
	bridge *metadata.Bridge
	logger zerolog.Logger
	group  singleflight.Group

	mu       sync.Mutex
	opts     Options
	sessions map[string]*entry
	closed   bool
	loading  sync.WaitGroup
}

func NewRegistry(store storage.Store, bridge *metadata.Bridge, opts Options, logger zerolog.Logger) *Registry {
	return &Registry{
		store:    store,
		bridge:   bridge,
		logger:   logger.With().Str("component", "registry").Logger(),
		opts:     opts.withDefaults(),
		sessions: map[string]*entry{},
	}
}

// SetOptions replaces the tunables used for sessions opened from now on.
func (r *Registry) SetOptions(opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts = opts.withDefaults()
}

func (r *Registry) Options() Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

type Handle struct {
	registry *Registry
	session  *Session
	once     sync.Once
}

func (h *Handle) Session() *Session {
	return h.session
}

// Release drops this handle's reference. Extra calls are ignored.
func (h *Handle) Release() {
	h.once.Do(func() { h.registry.release(h.session) })
}

func (r *Registry) Acquire(ctx context.Context, docID string) (*Handle, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if e, ok := r.sessions[docID]; ok {
			if e.closing != nil {
				closing := e.closing
				r.mu.Unlock()
				select {
				case <-closing:
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			h := r.retainLocked(e)
			r.mu.Unlock()
			return h, nil
		}
		r.mu.Unlock()

		ch := r.group.DoChan(docID, func() (any, error) {
			return r.load(ctx, docID)
		})
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		e := res.Val.(*entry)

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if cur, ok := r.sessions[docID]; !ok || cur != e || e.closing != nil {
			r.mu.Unlock()
			continue
		}
		h := r.retainLocked(e)
		r.mu.Unlock()
		return h, nil
	}
}

func (r *Registry) retainLocked(e *entry) *Handle {
	e.refs++
	e.idleGen++
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	return &Handle{registry: r, session: e.session}
}

func (r *Registry) load(ctx context.Context, docID string) (*entry, error) {
	r.mu.Lock()
	if e, ok := r.sessions[docID]; ok {
		r.mu.Unlock()
		return e, nil
	}
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	opts := r.opts
	r.loading.Add(1)
	r.mu.Unlock()
	defer r.loading.Done()

	// The load is shared by every waiter, so it must not die with the caller
	// that happened to start it.
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.LoadTimeout)
	defer cancel()
	s, err := open(loadCtx, docID, r.store, r.bridge, opts, r.logger)
	if err != nil {
		r.logger.Error().Err(err).Str("document_id", docID).Msg("session load failed")
		return nil, &SessionLoadError{DocumentID: docID, Err: err}
	}

	r.mu.Lock()
	if r.closed {
		// Close already collected its sessions; this one was never seen by
		// clients, so it only needs stopping.
		r.mu.Unlock()
		stopCtx, stop := context.WithTimeout(context.Background(), opts.FlushTimeout)
		defer stop()
		if err := s.shutdown(stopCtx); err != nil {
			r.logger.Error().Err(err).Str("document_id", docID).Msg("discarding session loaded during close")
		}
		return nil, ErrRegistryClosed
	}
	defer r.mu.Unlock()
	e := &entry{session: s, idleTimeout: opts.IdleTimeout}
	r.sessions[docID] = e
	// Armed until the first waiter retains it, so an abandoned load is
	// still evicted.
	r.armIdleLocked(e)
	r.logger.Info().Str("document_id", docID).Msg("session opened")
	return e, nil
}

func (r *Registry) release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[s.id]
	if !ok || e.session != s || e.refs == 0 {
		return
	}
	e.refs--
	if e.refs == 0 && e.closing == nil {
		r.armIdleLocked(e)
	}
}

func (r *Registry) armIdleLocked(e *entry) {
	if e.idle != nil {
		e.idle.Stop()
	}
	e.idleGen++
	gen := e.idleGen
	e.idle = time.AfterFunc(e.idleTimeout, func() { r.onIdle(e, gen) })
}

func (r *Registry) onIdle(e *entry, gen uint64) {
	r.mu.Lock()
	if cur := r.sessions[e.session.id]; cur != e || e.idleGen != gen || e.refs > 0 || e.closing != nil || r.closed {
		r.mu.Unlock()
		return
	}
	if e.session.pendingWork() {
		// Nudge a retry for degraded persistence and look again later.
		if !e.session.persist.Status().InFlight {
			e.session.persist.MarkDirty()
		}
		r.armIdleLocked(e)
		r.mu.Unlock()
		return
	}
	e.closing = make(chan struct{})
	e.idle = nil
	timeout := r.opts.FlushTimeout
	r.mu.Unlock()

	r.teardown(e, timeout)
}

func (r *Registry) teardown(e *entry, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := e.session.shutdown(ctx)
	if err != nil {
		r.logger.Error().Err(err).Str("document_id", e.session.id).Msg("session teardown flush failed")
	} else {
		r.logger.Info().Str("document_id", e.session.id).Msg("session closed")
	}

	r.mu.Lock()
	if r.sessions[e.session.id] == e {
		delete(r.sessions, e.session.id)
	}
	close(e.closing)
	r.mu.Unlock()
	return err
}

// Ingest merges an update into a document, opening it if needed, and
// broadcasts it to attached connections.
func (r *Registry) Ingest(ctx context.Context, docID string, update crdt.Update) error {
	h, err := r.Acquire(ctx, docID)
	if err != nil {
		return err
	}
	defer h.Release()
	return h.Session().Submit(ctx, update)
}

func (r *Registry) Status() []Status {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close tears down every session with a final flush. Sessions already
// closing and loads still in progress are waited for.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var (
		toClose []*entry
		waiting []chan struct{}
	)
	for _, e := range r.sessions {
		if e.closing != nil {
			waiting = append(waiting, e.closing)
			continue
		}
		if e.idle != nil {
			e.idle.Stop()
			e.idle = nil
		}
		e.closing = make(chan struct{})
		toClose = append(toClose, e)
	}
	r.mu.Unlock()

	timeout := r.Options().FlushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range toClose {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := r.teardown(e, timeout); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	loaded := make(chan struct{})
	go func() {
		r.loading.Wait()
		close(loaded)
	}()
	waiting = append(waiting, loaded)
	for _, ch := range waiting {
		select {
		case <-ch:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	return errors.Join(errs...)
}
