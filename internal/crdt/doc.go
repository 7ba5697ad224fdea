package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxPending bounds how many ops a document keeps waiting for missing
// dependencies.
const DefaultMaxPending = 10000

type attr struct {
	value   *string
	lamport uint64
	client  uint64
}

type item struct {
	id          ID
	origin      *ID
	rightOrigin *ID
	left        *item
	right       *item
	leaf        Leaf
	deleted     bool
	attrs       map[string]attr
}

// Doc is one replica. It is not safe for concurrent use; the owner serializes
// access.
type Doc struct {
	client      uint64
	nextLamport uint64
	log         map[uint64][]Op
	items       map[ID]*item
	start       *item
	pending     map[ID][]Op
	parked      map[ID]struct{}
	maxPending  int
}

func NewDoc(client uint64) *Doc {
	d := &Doc{client: client, maxPending: DefaultMaxPending}
	d.reset()
	return d
}

// SetMaxPending changes the pending limit. n <= 0 removes it.
func (d *Doc) SetMaxPending(n int) {
	d.maxPending = n
}

// NewClientID returns a random non-zero client id that fits in 53 bits.
func NewClientID() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(err)
		}
		id := binary.BigEndian.Uint64(buf[:]) & (1<<53 - 1)
		if id != 0 {
			return id
		}
	}
}

func (d *Doc) reset() {
	d.nextLamport = 0
	d.log = map[uint64][]Op{}
	d.items = map[ID]*item{}
	d.start = nil
	d.pending = map[ID][]Op{}
	d.parked = map[ID]struct{}{}
}

func (d *Doc) ClientID() uint64 {
	return d.client
}

func (d *Doc) StateVector() StateVector {
	sv := make(StateVector, len(d.log))
	for client, ops := range d.log {
		sv[client] = uint64(len(ops))
	}
	return sv
}

func (d *Doc) PendingCount() int {
	return len(d.parked)
}

func (d *Doc) Apply(data []byte) (MergeResult, error) {
	u, err := DecodeUpdate(data)
	if err != nil {
		return MergeResult{Pending: len(d.parked)}, err
	}
	return d.ApplyUpdate(u)
}

// ApplyUpdate integrates an already decoded update. Ops whose causal
// dependencies are unknown wait in the pending buffer until they arrive. An
// update that would leave more than the pending limit waiting is rejected
// with ErrCorruptUpdate and changes nothing.
func (d *Doc) ApplyUpdate(u Update) (MergeResult, error) {
	if d.maxPending > 0 && len(d.parked)+len(u.Ops) > d.maxPending {
		if n := d.pendingAfter(u); n > d.maxPending {
			return MergeResult{Pending: len(d.parked)}, fmt.Errorf("%w: %d ops would wait for missing dependencies, limit is %d", ErrCorruptUpdate, n, d.maxPending)
		}
	}
	return d.integrateUpdate(u), nil
}

func (d *Doc) integrateUpdate(u Update) MergeResult {
	var res MergeResult
	queue := append([]Op(nil), u.Ops...)
	for len(queue) > 0 {
		op := queue[0]
		queue = queue[1:]
		if d.known(op.ID) {
			continue
		}
		if missing, ok := d.missingDependency(op); ok {
			if _, parked := d.parked[op.ID]; !parked {
				d.parked[op.ID] = struct{}{}
				d.pending[missing] = append(d.pending[missing], op)
			}
			continue
		}
		d.integrate(op)
		res.Applied = append(res.Applied, op)
		if waiting, ok := d.pending[op.ID]; ok {
			delete(d.pending, op.ID)
			for _, w := range waiting {
				delete(d.parked, w.ID)
			}
			queue = append(queue, waiting...)
		}
	}
	res.Pending = len(d.parked)
	return res
}

// Diff returns every op the holder of sv is missing, plus ops still waiting
// here for dependencies so they can travel on.
func (d *Doc) Diff(sv StateVector) Update {
	clients := make([]uint64, 0, len(d.log))
	for client := range d.log {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	var ops []Op
	for _, client := range clients {
		from := sv[client]
		entries := d.log[client]
		if from < uint64(len(entries)) {
			ops = append(ops, entries[from:]...)
		}
	}
	ops = append(ops, d.pendingOps()...)
	return Update{Ops: ops}
}

func (d *Doc) Snapshot() []byte {
	return EncodeUpdate(d.Diff(nil))
}

func (d *Doc) Load(snapshot []byte) error {
	u, err := DecodeUpdate(snapshot)
	if err != nil {
		return err
	}
	d.reset()
	d.integrateUpdate(u)
	return nil
}

// pendingAfter counts the ops that would still be waiting after u, without
// touching the document. An op resolves when every dependency is known or
// itself resolves, so this is a topological pass over the parked ops and the
// unknown ops of u.
func (d *Doc) pendingAfter(u Update) int {
	candidates := make(map[ID]Op, len(d.parked)+len(u.Ops))
	for _, waiting := range d.pending {
		for _, op := range waiting {
			candidates[op.ID] = op
		}
	}
	for _, op := range u.Ops {
		if d.known(op.ID) {
			continue
		}
		if _, ok := candidates[op.ID]; !ok {
			candidates[op.ID] = op
		}
	}

	blockers := make(map[ID]int, len(candidates))
	dependents := map[ID][]ID{}
	var ready []ID
	for id, op := range candidates {
		n := 0
		for _, dep := range d.unknownDependencies(op) {
			if _, ok := candidates[dep]; !ok {
				// Can never resolve from what is on hand.
				n = -1
				break
			}
			n++
			dependents[dep] = append(dependents[dep], id)
		}
		switch {
		case n == 0:
			ready = append(ready, id)
		case n > 0:
			blockers[id] = n
		}
	}
	resolved := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		resolved++
		for _, next := range dependents[id] {
			n, ok := blockers[next]
			if !ok {
				continue
			}
			if n == 1 {
				delete(blockers, next)
				ready = append(ready, next)
				continue
			}
			blockers[next] = n - 1
		}
	}
	return len(candidates) - resolved
}

// unknownDependencies lists the distinct dependencies of op this document
// has not integrated.
func (d *Doc) unknownDependencies(op Op) []ID {
	var deps []ID
	add := func(id ID) {
		if d.known(id) {
			return
		}
		for _, cur := range deps {
			if cur == id {
				return
			}
		}
		deps = append(deps, id)
	}
	if op.ID.Clock > 0 {
		add(ID{Client: op.ID.Client, Clock: op.ID.Clock - 1})
	}
	for _, ref := range []*ID{op.Origin, op.RightOrigin, op.Target} {
		if ref != nil {
			add(*ref)
		}
	}
	return deps
}

func (d *Doc) pendingOps() []Op {
	if len(d.pending) == 0 {
		return nil
	}
	var ops []Op
	for _, waiting := range d.pending {
		ops = append(ops, waiting...)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ID.Client != ops[j].ID.Client {
			return ops[i].ID.Client < ops[j].ID.Client
		}
		return ops[i].ID.Clock < ops[j].ID.Clock
	})
	return ops
}

func (d *Doc) known(id ID) bool {
	return id.Clock < uint64(len(d.log[id.Client]))
}

func (d *Doc) missingDependency(op Op) (ID, bool) {
	if op.ID.Clock > 0 {
		prev := ID{Client: op.ID.Client, Clock: op.ID.Clock - 1}
		if !d.known(prev) {
			return prev, true
		}
	}
	for _, ref := range []*ID{op.Origin, op.RightOrigin, op.Target} {
		if ref != nil && !d.known(*ref) {
			return *ref, true
		}
	}
	return ID{}, false
}

func (d *Doc) integrate(op Op) {
	d.log[op.ID.Client] = append(d.log[op.ID.Client], op)
	if op.Lamport >= d.nextLamport {
		d.nextLamport = op.Lamport + 1
	}
	switch op.Kind {
	case OpInsert:
		d.integrateInsert(op)
	case OpDelete:
		if it := d.items[*op.Target]; it != nil {
			it.deleted = true
		}
	case OpFormat:
		it := d.items[*op.Target]
		if it == nil {
			return
		}
		current, ok := it.attrs[op.Key]
		if ok && (current.lamport > op.Lamport || (current.lamport == op.Lamport && current.client > op.ID.Client)) {
			return
		}
		if it.attrs == nil {
			it.attrs = map[string]attr{}
		}
		it.attrs[op.Key] = attr{value: op.Value, lamport: op.Lamport, client: op.ID.Client}
	}
}

func (d *Doc) integrateInsert(op Op) {
	var left, right *item
	if op.Origin != nil {
		if left = d.items[*op.Origin]; left == nil {
			return
		}
	}
	if op.RightOrigin != nil {
		if right = d.items[*op.RightOrigin]; right == nil {
			return
		}
	}
	it := &item{id: op.ID, origin: op.Origin, rightOrigin: op.RightOrigin, leaf: *op.Leaf}

	if (left == nil && (right == nil || right.left != nil)) || (left != nil && left.right != right) {
		o := d.start
		if left != nil {
			o = left.right
		}
		conflicting := map[*item]struct{}{}
		seen := map[*item]struct{}{}
		for o != nil && o != right {
			seen[o] = struct{}{}
			conflicting[o] = struct{}{}
			if sameID(it.origin, o.origin) {
				if o.id.Less(it.id) {
					left = o
					clear(conflicting)
				} else if sameID(it.rightOrigin, o.rightOrigin) {
					break
				}
			} else if o.origin != nil {
				originItem := d.items[*o.origin]
				if _, ok := seen[originItem]; !ok {
					break
				}
				if _, ok := conflicting[originItem]; !ok {
					left = o
					clear(conflicting)
				}
			} else {
				break
			}
			o = o.right
		}
	}

	it.left = left
	if left != nil {
		it.right = left.right
		left.right = it
	} else {
		it.right = d.start
		d.start = it
	}
	if it.right != nil {
		it.right.left = it
	}
	d.items[it.id] = it
}

func (it *item) effectiveLeaf() Leaf {
	leaf := Leaf{Type: it.leaf.Type, Text: it.leaf.Text}
	if len(it.leaf.Attrs) == 0 && len(it.attrs) == 0 {
		return leaf
	}
	leaf.Attrs = make(map[string]string, len(it.leaf.Attrs)+len(it.attrs))
	for k, v := range it.leaf.Attrs {
		leaf.Attrs[k] = v
	}
	for k, a := range it.attrs {
		if a.value == nil {
			delete(leaf.Attrs, k)
			continue
		}
		leaf.Attrs[k] = *a.value
	}
	return leaf
}

// Leaves returns the visible content in document order.
func (d *Doc) Leaves() []Leaf {
	var out []Leaf
	for it := d.start; it != nil; it = it.right {
		if !it.deleted {
			out = append(out, it.effectiveLeaf())
		}
	}
	return out
}

func (d *Doc) Len() int {
	n := 0
	for it := d.start; it != nil; it = it.right {
		if !it.deleted {
			n++
		}
	}
	return n
}

// Text renders characters and block boundaries as plain text.
func (d *Doc) Text() string {
	var b strings.Builder
	first := true
	for it := d.start; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		switch it.leaf.Type {
		case LeafChar:
			b.WriteString(it.leaf.Text)
		case LeafBlock:
			if !first {
				b.WriteByte('\n')
			}
		}
		first = false
	}
	return b.String()
}
