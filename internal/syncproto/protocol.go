// Package syncproto frames the document sync protocol. A frame is one kind
// byte followed by the payload; the package keeps no state between frames.
package syncproto

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/collabsync/internal/crdt"
)

var ErrMalformedFrame = errors.New("malformed frame")

type Kind byte

const (
	KindSyncStep1 Kind = 0
	KindSyncStep2 Kind = 1
	KindUpdate    Kind = 2
	KindAwareness Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindSyncStep1:
		return "sync_step1"
	case KindSyncStep2:
		return "sync_step2"
	case KindUpdate:
		return "update"
	case KindAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

type Message struct {
	Kind    Kind
	Payload []byte
}

// Known is false for kinds introduced by newer peers; callers skip them.
func (m Message) Known() bool {
	return m.Kind <= KindAwareness
}

func Encode(m Message) []byte {
	frame := make([]byte, 1+len(m.Payload))
	frame[0] = byte(m.Kind)
	copy(frame[1:], m.Payload)
	return frame
}

func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	m := Message{Kind: Kind(frame[0]), Payload: frame[1:]}
	switch m.Kind {
	case KindSyncStep2, KindUpdate, KindAwareness:
		if len(m.Payload) == 0 {
			return Message{}, fmt.Errorf("%w: %s without payload", ErrMalformedFrame, m.Kind)
		}
	}
	return m, nil
}

func SyncStep1(sv crdt.StateVector) []byte {
	return Encode(Message{Kind: KindSyncStep1, Payload: crdt.EncodeStateVector(sv)})
}

func SyncStep2(u crdt.Update) []byte {
	return Encode(Message{Kind: KindSyncStep2, Payload: crdt.EncodeUpdate(u)})
}

func Update(u crdt.Update) []byte {
	return Encode(Message{Kind: KindUpdate, Payload: crdt.EncodeUpdate(u)})
}

func Awareness(payload []byte) []byte {
	return Encode(Message{Kind: KindAwareness, Payload: payload})
}

// HandleSyncStep1 answers a peer's state vector with the diff it is missing.
func HandleSyncStep1(doc *crdt.Doc, payload []byte) ([]byte, error) {
	sv, err := crdt.DecodeStateVector(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return SyncStep2(doc.Diff(sv)), nil
}

// HandleSync applies the document part of the protocol to doc. Step1 yields a
// Step2 reply; Step2 and Update merge into doc. Awareness and unknown kinds
// are left to the caller.
func HandleSync(doc *crdt.Doc, m Message) ([]byte, crdt.MergeResult, error) {
	switch m.Kind {
	case KindSyncStep1:
		reply, err := HandleSyncStep1(doc, m.Payload)
		return reply, crdt.MergeResult{Pending: doc.PendingCount()}, err
	case KindSyncStep2, KindUpdate:
		res, err := doc.Apply(m.Payload)
		return nil, res, err
	default:
		return nil, crdt.MergeResult{Pending: doc.PendingCount()}, nil
	}
}
