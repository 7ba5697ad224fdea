package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/collabsync/internal/awareness"
	"github.com/agentworkforce/collabsync/internal/coalesce"
	"github.com/agentworkforce/collabsync/internal/crdt"
	"github.com/agentworkforce/collabsync/internal/metadata"
	"github.com/agentworkforce/collabsync/internal/storage"
	"github.com/agentworkforce/collabsync/internal/syncproto"
)

type Options struct {
	Persist      coalesce.Config
	IdleTimeout  time.Duration
	InboxSize    int
	LoadTimeout  time.Duration
	FlushTimeout time.Duration
	Validator    *awareness.Validator
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 10 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
	if o.Validator == nil {
		o.Validator = awareness.NewDefaultValidator()
	}
	return o
}

// Inbound is a frame already decoded off the session task.
type Inbound struct {
	Kind        syncproto.Kind
	StateVector crdt.StateVector
	Update      crdt.Update
	Awareness   awareness.Delta
}

// DecodeInbound decodes a wire frame and its payload. Malformed frames and
// updates return an error wrapping syncproto.ErrMalformedFrame or
// crdt.ErrCorruptUpdate. Unknown kinds decode without error.
func DecodeInbound(frame []byte) (Inbound, error) {
	m, err := syncproto.Decode(frame)
	if err != nil {
		return Inbound{}, err
	}
	in := Inbound{Kind: m.Kind}
	switch m.Kind {
	case syncproto.KindSyncStep1:
		in.StateVector, err = crdt.DecodeStateVector(m.Payload)
	case syncproto.KindSyncStep2, syncproto.KindUpdate:
		in.Update, err = crdt.DecodeUpdate(m.Payload)
	case syncproto.KindAwareness:
		in.Awareness, err = awareness.DecodeDelta(m.Payload)
		if err != nil {
			err = fmt.Errorf("%w: %v", syncproto.ErrMalformedFrame, err)
		}
	}
	return in, err
}

type eventKind int

const (
	eventAttach eventKind = iota
	eventDetach
	eventInbound
	eventSubmit
)

type event struct {
	kind eventKind
	sink Sink
	in   Inbound
	done chan error
}

type Status struct {
	DocumentID          string           `json:"documentId"`
	Connections         int              `json:"connections"`
	PendingOps          int              `json:"pendingOps"`
	Clients             int              `json:"clients"`
	PersistenceDegraded bool             `json:"persistenceDegraded"`
	Persistence         coalesce.Status  `json:"persistence"`
	Metadata            *coalesce.Status `json:"metadata,omitempty"`
}

// Session owns one open document. All mutations of the document, the
// awareness tracker and the sink list happen on the session's task
// goroutine; mu only lets flushes and status readers observe the document.
type Session struct {
	id     string
	logger zerolog.Logger
	store  storage.Store

	mu        sync.RWMutex
	doc       *crdt.Doc
	loadedSeq uint64

	awareness *awareness.Tracker
	persist   *coalesce.Coalescer
	meta      *metadata.Tracker

	sinks     []Sink
	sinkCount atomic.Int32

	inbox    chan event
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func open(ctx context.Context, docID string, store storage.Store, bridge *metadata.Bridge, opts Options, logger zerolog.Logger) (*Session, error) {
	snap, err := store.Load(ctx, docID)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("document_id", docID).Logger()
	doc := crdt.NewDoc(0)
	if snap.State != nil {
		if err := doc.Load(snap.State); err != nil {
			return nil, err
		}
	}
	for i, update := range snap.Updates {
		if _, err := doc.Apply(update); err != nil {
			logger.Warn().Err(err).Int("update_index", i).Msg("skipping corrupt logged update")
		}
	}

	s := &Session{
		id:        docID,
		logger:    logger,
		store:     store,
		doc:       doc,
		loadedSeq: snap.UpdateSeq,
		awareness: awareness.NewTracker(opts.Validator),
		inbox:     make(chan event, opts.InboxSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.persist = coalesce.New(opts.Persist, s.save, logger.With().Str("component", "persistence").Logger())
	if bridge != nil {
		s.meta = bridge.Attach(docID, s.leaves)
	}
	if len(snap.Updates) > 0 {
		s.persist.MarkDirty()
	}
	go s.run()
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) save(ctx context.Context) error {
	s.mu.RLock()
	state := s.doc.Snapshot()
	through := s.loadedSeq
	s.mu.RUnlock()
	return s.store.Save(ctx, s.id, state, through)
}

func (s *Session) leaves() []crdt.Leaf {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Leaves()
}

func (s *Session) Snapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Snapshot()
}

func (s *Session) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Text()
}

func (s *Session) StateVector() crdt.StateVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.StateVector()
}

func (s *Session) Connections() int {
	return int(s.sinkCount.Load())
}

func (s *Session) Status() Status {
	s.mu.RLock()
	pending := s.doc.PendingCount()
	clients := len(s.doc.StateVector())
	s.mu.RUnlock()
	st := Status{
		DocumentID:  s.id,
		Connections: s.Connections(),
		PendingOps:  pending,
		Clients:     clients,
		Persistence: s.persist.Status(),
	}
	st.PersistenceDegraded = st.Persistence.Degraded
	if s.meta != nil {
		ms := s.meta.Status()
		st.Metadata = &ms
	}
	return st
}

// pendingWork reports unsaved or in-flight persistence.
func (s *Session) pendingWork() bool {
	return s.persist.Pending()
}

func (s *Session) enqueue(ctx context.Context, ev event) error {
	select {
	case s.inbox <- ev:
		return nil
	case <-s.stop:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) call(ctx context.Context, ev event) error {
	ev.done = make(chan error, 1)
	if err := s.enqueue(ctx, ev); err != nil {
		return err
	}
	select {
	case err := <-ev.done:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach adds sink to the broadcast list and sends it the current awareness
// states. It returns once the sink is registered.
func (s *Session) Attach(ctx context.Context, sink Sink) error {
	return s.call(ctx, event{kind: eventAttach, sink: sink})
}

// Detach removes sink and broadcasts its awareness removal. Detaching an
// unknown or already dropped sink is a no-op.
func (s *Session) Detach(sink Sink) {
	select {
	case s.inbox <- event{kind: eventDetach, sink: sink}:
	case <-s.stop:
	}
}

// Deliver queues a decoded frame from sink, blocking while the inbox is full.
func (s *Session) Deliver(ctx context.Context, sink Sink, in Inbound) error {
	return s.enqueue(ctx, event{kind: eventInbound, sink: sink, in: in})
}

// Submit merges an update that did not arrive over a connection and waits
// for it to be applied and broadcast.
func (s *Session) Submit(ctx context.Context, update crdt.Update) error {
	return s.call(ctx, event{kind: eventSubmit, in: Inbound{Kind: syncproto.KindUpdate, Update: update}})
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.inbox:
			err := s.handle(ev)
			if ev.done != nil {
				ev.done <- err
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Session) handle(ev event) error {
	switch ev.kind {
	case eventAttach:
		s.sinks = append(s.sinks, ev.sink)
		s.sinkCount.Store(int32(len(s.sinks)))
		if snap := s.awareness.Snapshot(); !snap.Empty() {
			if !ev.sink.Send(syncproto.Awareness(awareness.EncodeDelta(snap))) {
				s.drop(ev.sink, ClosePolicyViolation, "outbox overflow")
			}
		}
		s.logger.Debug().Str("connection_id", ev.sink.ID()).Int("connections", len(s.sinks)).Msg("connection attached")
		return nil
	case eventDetach:
		if s.remove(ev.sink) {
			s.announceDeparture(ev.sink)
			s.logger.Debug().Str("connection_id", ev.sink.ID()).Int("connections", len(s.sinks)).Msg("connection detached")
		}
		return nil
	case eventSubmit:
		return s.merge(nil, ev.in.Update)
	case eventInbound:
		if !s.attached(ev.sink) {
			return nil
		}
		s.handleInbound(ev.sink, ev.in)
		return nil
	default:
		return fmt.Errorf("unknown event kind %d", ev.kind)
	}
}

func (s *Session) handleInbound(sink Sink, in Inbound) {
	switch in.Kind {
	case syncproto.KindSyncStep1:
		s.mu.RLock()
		step2 := syncproto.SyncStep2(s.doc.Diff(in.StateVector))
		step1 := syncproto.SyncStep1(s.doc.StateVector())
		s.mu.RUnlock()
		if !sink.Send(step2) || !sink.Send(step1) {
			s.drop(sink, ClosePolicyViolation, "outbox overflow")
		}
	case syncproto.KindSyncStep2, syncproto.KindUpdate:
		if !sink.Capability().CanWrite() {
			s.logger.Warn().Str("connection_id", sink.ID()).Int("ops", len(in.Update.Ops)).Msg("dropping update from read-only connection")
			return
		}
		if err := s.merge(sink, in.Update); err != nil {
			s.logger.Warn().Err(err).Str("connection_id", sink.ID()).Int("ops", len(in.Update.Ops)).Msg("rejected update")
			s.drop(sink, CloseUnsupportedData, "update rejected")
		}
	case syncproto.KindAwareness:
		accepted, err := s.awareness.Apply(sink.ID(), in.Awareness)
		if err != nil {
			s.logger.Warn().Err(err).Str("connection_id", sink.ID()).Msg("rejected awareness state")
			return
		}
		if !accepted.Empty() {
			s.broadcast(sink, syncproto.Awareness(awareness.EncodeDelta(accepted)))
		}
	default:
		s.logger.Debug().Str("connection_id", sink.ID()).Stringer("kind", in.Kind).Msg("ignoring unknown frame kind")
	}
}

func (s *Session) merge(from Sink, update crdt.Update) error {
	s.mu.Lock()
	res, err := s.doc.ApplyUpdate(update)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !res.Changed() {
		return nil
	}
	s.broadcast(from, syncproto.Update(res.Update()))
	s.persist.MarkDirty()
	if s.meta != nil {
		s.meta.MarkDirty()
	}
	return nil
}

// broadcast sends frame to every sink except from. Sinks that cannot take
// the frame are dropped.
func (s *Session) broadcast(from Sink, frame []byte) {
	var overflowed []Sink
	for _, sink := range s.sinks {
		if sink == from {
			continue
		}
		if !sink.Send(frame) {
			overflowed = append(overflowed, sink)
		}
	}
	for _, sink := range overflowed {
		s.drop(sink, ClosePolicyViolation, "outbox overflow")
	}
}

func (s *Session) drop(sink Sink, code CloseCode, reason string) {
	if !s.remove(sink) {
		return
	}
	s.logger.Warn().Str("connection_id", sink.ID()).Int("code", int(code)).Str("reason", reason).Msg("closing connection")
	sink.Close(code, reason)
	s.announceDeparture(sink)
}

func (s *Session) announceDeparture(sink Sink) {
	if removal, ok := s.awareness.OnDisconnect(sink.ID()); ok {
		s.broadcast(nil, syncproto.Awareness(awareness.EncodeDelta(removal)))
	}
}

func (s *Session) attached(sink Sink) bool {
	for _, cur := range s.sinks {
		if cur == sink {
			return true
		}
	}
	return false
}

func (s *Session) remove(sink Sink) bool {
	for i, cur := range s.sinks {
		if cur == sink {
			s.sinks = append(s.sinks[:i], s.sinks[i+1:]...)
			s.sinkCount.Store(int32(len(s.sinks)))
			return true
		}
	}
	return false
}

// shutdown stops the task, closes remaining sinks and performs the final
// flushes.
func (s *Session) shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	for _, sink := range s.sinks {
		sink.Close(CloseGoingAway, "document closed")
	}
	s.sinks = nil
	s.sinkCount.Store(0)

	var errs []error
	if err := s.persist.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}
	s.persist.Close()
	if s.meta != nil {
		if err := s.meta.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		s.meta.Close()
	}
	return errors.Join(errs...)
}
