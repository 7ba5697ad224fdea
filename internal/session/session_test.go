package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/collabsync/internal/awareness"
	"github.com/agentworkforce/collabsync/internal/coalesce"
	"github.com/agentworkforce/collabsync/internal/crdt"
	"github.com/agentworkforce/collabsync/internal/metadata"
	"github.com/agentworkforce/collabsync/internal/storage"
	"github.com/agentworkforce/collabsync/internal/syncproto"
)

type fakeSink struct {
	id    string
	cap   Capability
	limit int

	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   CloseCode
}

func newSink(id string, cap Capability) *fakeSink {
	return &fakeSink{id: id, cap: cap}
}

func (f *fakeSink) ID() string             { return f.id }
func (f *fakeSink) Capability() Capability { return f.cap }

func (f *fakeSink) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || (f.limit > 0 && len(f.frames) >= f.limit) {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSink) Close(code CloseCode, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
}

func (f *fakeSink) messages(kind syncproto.Kind) []syncproto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []syncproto.Message
	for _, frame := range f.frames {
		m, err := syncproto.Decode(frame)
		if err == nil && m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSink) closeCode() (CloseCode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.closed
}

type countingStore struct {
	*storage.MemoryStore
	loads     atomic.Int32
	saves     atomic.Int32
	loadDelay time.Duration
	failLoad  atomic.Bool
	failSave  atomic.Bool
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: storage.NewMemoryStore()}
}

func (s *countingStore) Load(ctx context.Context, docID string) (storage.Snapshot, error) {
	s.loads.Add(1)
	if s.loadDelay > 0 {
		time.Sleep(s.loadDelay)
	}
	if s.failLoad.Load() {
		return storage.Snapshot{}, errors.New("database unavailable")
	}
	return s.MemoryStore.Load(ctx, docID)
}

func (s *countingStore) Save(ctx context.Context, docID string, state []byte, through uint64) error {
	if s.failSave.Load() {
		return errors.New("write refused")
	}
	s.saves.Add(1)
	return s.MemoryStore.Save(ctx, docID, state, through)
}

func testOptions() Options {
	return Options{
		Persist: coalesce.Config{
			QuietPeriod:  30 * time.Millisecond,
			MaxDirty:     300 * time.Millisecond,
			MaxAttempts:  2,
			RetryInitial: 5 * time.Millisecond,
			RetryMax:     10 * time.Millisecond,
		},
		IdleTimeout: 60 * time.Millisecond,
	}
}

func newTestRegistry(t *testing.T, store storage.Store) *Registry {
	t.Helper()
	r := NewRegistry(store, nil, testOptions(), zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

// settle waits until every event queued before it has been handled.
func settle(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.call(context.Background(), event{kind: eventSubmit}))
}

func deliver(t *testing.T, s *Session, sink Sink, frame []byte) {
	t.Helper()
	in, err := DecodeInbound(frame)
	require.NoError(t, err)
	require.NoError(t, s.Deliver(context.Background(), sink, in))
}

func TestConcurrentAcquireLoadsOnce(t *testing.T) {
	store := newCountingStore()
	store.loadDelay = 50 * time.Millisecond
	r := newTestRegistry(t, store)

	const n = 20
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Acquire(context.Background(), "doc-1")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()
	for _, h := range handles {
		require.NotNil(t, h)
	}

	assert.Equal(t, int32(1), store.loads.Load())
	assert.Equal(t, 1, r.Len())
	for _, h := range handles[1:] {
		assert.Same(t, handles[0].Session(), h.Session())
	}
	for _, h := range handles {
		h.Release()
	}
}

func TestLoadFailureRegistersNothing(t *testing.T) {
	store := newCountingStore()
	store.failLoad.Store(true)
	r := newTestRegistry(t, store)

	_, err := r.Acquire(context.Background(), "doc-x")
	var loadErr *SessionLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "doc-x", loadErr.DocumentID)
	assert.Equal(t, 0, r.Len())

	store.failLoad.Store(false)
	h, err := r.Acquire(context.Background(), "doc-x")
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, int32(2), store.loads.Load())
}

func TestIdleSessionIsEvictedAndReloadedFresh(t *testing.T) {
	store := newCountingStore()
	r := newTestRegistry(t, store)
	ctx := context.Background()

	h, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	client := crdt.NewDoc(5)
	u, err := client.InsertText(0, "persist me")
	require.NoError(t, err)
	require.NoError(t, h.Session().Submit(ctx, u))
	first := h.Session()
	h.Release()
	h.Release()

	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, store.saves.Load(), int32(1))

	h, err = r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	defer h.Release()
	assert.NotSame(t, first, h.Session())
	assert.Equal(t, int32(2), store.loads.Load())
	assert.Equal(t, "persist me", h.Session().Text())
}

func TestSessionWithUnsavedWorkIsNotEvicted(t *testing.T) {
	store := newCountingStore()
	store.failSave.Store(true)
	r := newTestRegistry(t, store)
	ctx := context.Background()

	h, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	u, err := crdt.NewDoc(5).InsertText(0, "x")
	require.NoError(t, err)
	require.NoError(t, h.Session().Submit(ctx, u))
	s := h.Session()
	h.Release()

	require.Eventually(t, func() bool { return s.Status().PersistenceDegraded }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, r.Len())

	store.failSave.Store(false)
	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	snap, err := store.MemoryStore.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.State)
}

func TestHandshakeAndBroadcast(t *testing.T) {
	store := newCountingStore()
	r := newTestRegistry(t, store)
	ctx := context.Background()

	seed := crdt.NewDoc(9)
	u, err := seed.InsertText(0, "Hello")
	require.NoError(t, err)
	require.NoError(t, r.Ingest(ctx, "doc-1", u))

	h, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	defer h.Release()
	s := h.Session()

	a := newSink("a", CapabilityWrite)
	b := newSink("b", CapabilityWrite)
	require.NoError(t, s.Attach(ctx, a))
	require.NoError(t, s.Attach(ctx, b))

	clientA := crdt.NewDoc(1)
	deliver(t, s, a, syncproto.SyncStep1(clientA.StateVector()))
	settle(t, s)
	step2 := a.messages(syncproto.KindSyncStep2)
	require.Len(t, step2, 1)
	require.Len(t, a.messages(syncproto.KindSyncStep1), 1)
	_, err = clientA.Apply(step2[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "Hello", clientA.Text())

	edit, err := clientA.InsertText(5, "!")
	require.NoError(t, err)
	deliver(t, s, a, syncproto.Update(edit))
	settle(t, s)

	assert.Empty(t, a.messages(syncproto.KindUpdate), "sender does not get its own update back")
	updates := b.messages(syncproto.KindUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "Hello!", s.Text())
}

func TestSlowSinkIsClosedOthersContinue(t *testing.T) {
	r := newTestRegistry(t, newCountingStore())
	ctx := context.Background()
	h, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	defer h.Release()
	s := h.Session()

	writer := newSink("writer", CapabilityWrite)
	slow := newSink("slow", CapabilityRead)
	slow.limit = 1
	fast := newSink("fast", CapabilityRead)
	for _, sink := range []*fakeSink{writer, slow, fast} {
		require.NoError(t, s.Attach(ctx, sink))
	}

	client := crdt.NewDoc(3)
	for i := 0; i < 3; i++ {
		u, err := client.InsertText(i, "x")
		require.NoError(t, err)
		deliver(t, s, writer, syncproto.Update(u))
	}
	settle(t, s)

	code, closed := slow.closeCode()
	assert.True(t, closed)
	assert.Equal(t, ClosePolicyViolation, code)
	assert.Len(t, fast.messages(syncproto.KindUpdate), 3)
	assert.Equal(t, 2, s.Connections())
}

func TestReadOnlySinkCannotWrite(t *testing.T) {
	r := newTestRegistry(t, newCountingStore())
	ctx := context.Background()
	h, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	defer h.Release()
	s := h.Session()

	reader := newSink("reader", CapabilityRead)
	other := newSink("other", CapabilityRead)
	require.NoError(t, s.Attach(ctx, reader))
	require.NoError(t, s.Attach(ctx, other))

	u, err := crdt.NewDoc(4).InsertText(0, "nope")
	require.NoError(t, err)
	deliver(t, s, reader, syncproto.Update(u))
	settle(t, s)
	assert.Equal(t, "", s.Text())
	assert.Empty(t, other.messages(syncproto.KindUpdate))
	_, closed := reader.closeCode()
	assert.False(t, closed)
}

func TestUnresolvableUpdateClosesConnection(t *testing.T) {
	r := newTestRegistry(t, newCountingStore())
	ctx := context.Background()
	h, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	defer h.Release()
	s := h.Session()

	writer := newSink("writer", CapabilityWrite)
	other := newSink("other", CapabilityWrite)
	require.NoError(t, s.Attach(ctx, writer))
	require.NoError(t, s.Attach(ctx, other))

	ops := make([]crdt.Op, crdt.DefaultMaxPending+1)
	for i := range ops {
		target := crdt.NewID(88, 5)
		ops[i] = crdt.Op{Kind: crdt.OpDelete, ID: crdt.NewID(77, 1<<40+uint64(i)), Target: &target}
	}
	flood := crdt.Update{Ops: ops}
	deliver(t, s, writer, syncproto.Update(flood))
	settle(t, s)

	code, closed := writer.closeCode()
	assert.True(t, closed)
	assert.Equal(t, CloseUnsupportedData, code)
	assert.Empty(t, other.messages(syncproto.KindUpdate))
	assert.Zero(t, s.Status().PendingOps)

	assert.ErrorIs(t, s.Submit(ctx, flood), crdt.ErrCorruptUpdate)
	assert.Zero(t, s.Status().PendingOps)
}

func TestAwarenessBroadcastAndRemoval(t *testing.T) {
	r := newTestRegistry(t, newCountingStore())
	ctx := context.Background()
	h, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	defer h.Release()
	s := h.Session()

	a := newSink("a", CapabilityWrite)
	b := newSink("b", CapabilityRead)
	require.NoError(t, s.Attach(ctx, a))
	require.NoError(t, s.Attach(ctx, b))

	delta := awareness.Delta{Entries: []awareness.Entry{{Version: 1, State: json.RawMessage(`{"name":"ada","cursor":0}`)}}}
	deliver(t, s, a, syncproto.Awareness(awareness.EncodeDelta(delta)))
	deliver(t, s, a, syncproto.Awareness(awareness.EncodeDelta(delta)))
	settle(t, s)
	require.Len(t, b.messages(syncproto.KindAwareness), 1, "duplicate version is suppressed")

	late := newSink("late", CapabilityRead)
	require.NoError(t, s.Attach(ctx, late))
	snap := late.messages(syncproto.KindAwareness)
	require.Len(t, snap, 1)
	decoded, err := awareness.DecodeDelta(snap[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "a", decoded.Entries[0].ConnectionID)

	s.Detach(a)
	s.Detach(a)
	settle(t, s)
	msgs := b.messages(syncproto.KindAwareness)
	require.Len(t, msgs, 2)
	removal, err := awareness.DecodeDelta(msgs[1].Payload)
	require.NoError(t, err)
	assert.True(t, removal.Entries[0].Removed())
}

func TestBurstOfUpdatesProducesOneWrite(t *testing.T) {
	store := newCountingStore()
	r := newTestRegistry(t, store)
	ctx := context.Background()
	h, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	defer h.Release()
	s := h.Session()
	writer := newSink("w", CapabilityWrite)
	require.NoError(t, s.Attach(ctx, writer))

	client := crdt.NewDoc(8)
	for i := 0; i < 10; i++ {
		u, err := client.InsertText(i, "k")
		require.NoError(t, err)
		deliver(t, s, writer, syncproto.Update(u))
	}
	settle(t, s)
	require.Eventually(t, func() bool { return store.saves.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), store.saves.Load())
}

func TestLoggedUpdatesAreReplayedAndCompacted(t *testing.T) {
	store := newCountingStore()
	ctx := context.Background()
	u, err := crdt.NewDoc(2).InsertText(0, "from log")
	require.NoError(t, err)
	_, err = store.AppendUpdate(ctx, "doc-1", crdt.EncodeUpdate(u))
	require.NoError(t, err)

	r := newTestRegistry(t, store)
	h, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "from log", h.Session().Text())
	h.Release()

	require.Eventually(t, func() bool {
		snap, err := store.MemoryStore.Load(ctx, "doc-1")
		return err == nil && snap.State != nil && len(snap.Updates) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetadataFollowsMergedContent(t *testing.T) {
	metaStore := metadata.NewMemoryStore()
	pub := &metadata.MemoryPublisher{}
	bridge := metadata.NewBridge(metaStore, pub, coalesce.Config{QuietPeriod: 20 * time.Millisecond}, zerolog.Nop())
	r := NewRegistry(newCountingStore(), bridge, testOptions(), zerolog.Nop())
	defer r.Close(context.Background())
	ctx := context.Background()

	client := crdt.NewDoc(6)
	u, err := client.InsertLeaves(0, crdt.Heading(1), crdt.Char('H'), crdt.Char('i'), crdt.Tag("greeting"))
	require.NoError(t, err)
	require.NoError(t, r.Ingest(ctx, "note-7", u))

	require.Eventually(t, func() bool { return len(pub.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	p, ok, err := metaStore.Get(ctx, "note-7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Hi", p.Title)
	assert.Equal(t, []string{"greeting"}, p.Tags)
}

func TestRegistryCloseFlushesAndRejects(t *testing.T) {
	store := newCountingStore()
	r := NewRegistry(store, nil, Options{IdleTimeout: time.Hour, Persist: coalesce.Config{QuietPeriod: time.Hour}}, zerolog.Nop())
	ctx := context.Background()
	h, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	sink := newSink("c", CapabilityWrite)
	require.NoError(t, h.Session().Attach(ctx, sink))
	u, err := crdt.NewDoc(1).InsertText(0, "bye")
	require.NoError(t, err)
	require.NoError(t, h.Session().Submit(ctx, u))

	require.NoError(t, r.Close(ctx))
	assert.Equal(t, int32(1), store.saves.Load())
	code, closed := sink.closeCode()
	assert.True(t, closed)
	assert.Equal(t, CloseGoingAway, code)
	h.Release()

	_, err = r.Acquire(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestCloseDuringLoadDiscardsSession(t *testing.T) {
	store := newCountingStore()
	store.loadDelay = 150 * time.Millisecond
	r := NewRegistry(store, nil, testOptions(), zerolog.Nop())

	type result struct {
		h   *Handle
		err error
	}
	acquired := make(chan result, 1)
	go func() {
		h, err := r.Acquire(context.Background(), "doc-race")
		acquired <- result{h, err}
	}()

	time.Sleep(30 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	// Close waits for the load, so nothing it could have missed is left.
	assert.Equal(t, 0, r.Len())

	select {
	case res := <-acquired:
		assert.ErrorIs(t, res.err, ErrRegistryClosed)
		assert.Nil(t, res.h)
	case <-time.After(time.Second):
		t.Fatal("acquire did not return")
	}
	assert.Equal(t, int32(1), store.loads.Load())
	assert.Equal(t, 0, r.Len())
}

func TestDecodeInboundRejectsCorruptFrames(t *testing.T) {
	_, err := DecodeInbound([]byte{byte(syncproto.KindUpdate), 0xff})
	assert.ErrorIs(t, err, crdt.ErrCorruptUpdate)
	_, err = DecodeInbound(nil)
	assert.ErrorIs(t, err, syncproto.ErrMalformedFrame)
	in, err := DecodeInbound([]byte{0x40, 0x01})
	require.NoError(t, err)
	assert.Equal(t, syncproto.Kind(0x40), in.Kind)
}
