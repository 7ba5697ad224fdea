// Package crdt implements the replicated document store: a sequence CRDT of
// typed leaves with tombstoned deletes and last-writer-wins attributes.
//
// Every operation is identified by (client, clock) where clock is contiguous
// per client. Concurrent inserts at the same position are integrated with the
// YATA rules and ordered by (clock, client), so all replicas that have seen
// the same set of operations hold the same sequence and produce byte-identical
// snapshots.
package crdt

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptUpdate = errors.New("corrupt update")
	ErrOutOfRange    = errors.New("index out of range")
)

type ID struct {
	_      struct{} `cbor:",toarray"`
	Client uint64
	Clock  uint64
}

func NewID(client, clock uint64) ID {
	return ID{Client: client, Clock: clock}
}

// Less orders ids by clock, then client. It is the tie-break for concurrent
// inserts that share an origin.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

func sameID(a, b *ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

const (
	LeafChar  = "char"
	LeafBlock = "block"
	LeafTag   = "tag"
	LeafLink  = "link"
	LeafEmbed = "embed"
)

const (
	BlockParagraph = "paragraph"
	BlockHeading   = "heading"
)

type Leaf struct {
	Type  string            `cbor:"1,keyasint" json:"type"`
	Text  string            `cbor:"2,keyasint,omitempty" json:"text,omitempty"`
	Attrs map[string]string `cbor:"3,keyasint,omitempty" json:"attrs,omitempty"`
}

func Char(r rune) Leaf {
	return Leaf{Type: LeafChar, Text: string(r)}
}

func Block(kind string, attrs map[string]string) Leaf {
	merged := map[string]string{"kind": kind}
	for k, v := range attrs {
		merged[k] = v
	}
	return Leaf{Type: LeafBlock, Attrs: merged}
}

func Heading(level int) Leaf {
	return Block(BlockHeading, map[string]string{"level": fmt.Sprintf("%d", level)})
}

func Tag(name string) Leaf {
	return Leaf{Type: LeafTag, Attrs: map[string]string{"name": name}}
}

func Link(target string) Leaf {
	return Leaf{Type: LeafLink, Attrs: map[string]string{"target": target}}
}

func (l Leaf) Attr(key string) string {
	if l.Attrs == nil {
		return ""
	}
	return l.Attrs[key]
}

type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
	OpFormat OpKind = 3
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpFormat:
		return "format"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is a single replicated operation. Inserts carry Origin/RightOrigin (the
// neighbours at creation time) and a Leaf; deletes and formats carry Target.
// A nil Value on a format removes the attribute.
type Op struct {
	Kind        OpKind  `cbor:"1,keyasint"`
	ID          ID      `cbor:"2,keyasint"`
	Origin      *ID     `cbor:"3,keyasint,omitempty"`
	RightOrigin *ID     `cbor:"4,keyasint,omitempty"`
	Target      *ID     `cbor:"5,keyasint,omitempty"`
	Leaf        *Leaf   `cbor:"6,keyasint,omitempty"`
	Key         string  `cbor:"7,keyasint,omitempty"`
	Value       *string `cbor:"8,keyasint,omitempty"`
	Lamport     uint64  `cbor:"9,keyasint,omitempty"`
}

type Update struct {
	Ops []Op `cbor:"1,keyasint"`
}

func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

// StateVector maps a client id to the number of its operations a replica has
// integrated, which is also the next clock expected from that client.
type StateVector map[uint64]uint64

func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Covers reports whether sv has integrated everything other has.
func (sv StateVector) Covers(other StateVector) bool {
	for client, clock := range other {
		if sv[client] < clock {
			return false
		}
	}
	return true
}

type MergeResult struct {
	Applied []Op
	Pending int
}

func (r MergeResult) Changed() bool {
	return len(r.Applied) > 0
}

func (r MergeResult) Update() Update {
	return Update{Ops: r.Applied}
}
