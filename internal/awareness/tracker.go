// Package awareness tracks ephemeral per-connection presence for a session.
// Versions are local counters of each connection and only serve to drop
// duplicates and stale entries from that connection's own stream.
package awareness

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

type Entry struct {
	ConnectionID string          `cbor:"1,keyasint" json:"connection_id"`
	Version      uint64          `cbor:"2,keyasint" json:"version"`
	State        json.RawMessage `cbor:"3,keyasint,omitempty" json:"state,omitempty"`
}

// Removed reports whether the entry announces that the connection left.
func (e Entry) Removed() bool {
	return e.State == nil
}

type Delta struct {
	Entries []Entry `cbor:"1,keyasint" json:"entries"`
}

func (d Delta) Empty() bool {
	return len(d.Entries) == 0
}

func EncodeDelta(d Delta) []byte {
	data, err := cbor.Marshal(d)
	if err != nil {
		panic(err)
	}
	return data
}

func DecodeDelta(data []byte) (Delta, error) {
	var d Delta
	if err := cbor.Unmarshal(data, &d); err != nil {
		return Delta{}, fmt.Errorf("%w: decode delta: %v", ErrInvalidState, err)
	}
	return d, nil
}

type Tracker struct {
	mu        sync.Mutex
	entries   map[string]Entry
	validator *Validator
}

func NewTracker(validator *Validator) *Tracker {
	if validator == nil {
		validator = NewDefaultValidator()
	}
	return &Tracker{entries: map[string]Entry{}, validator: validator}
}

// SetLocal replaces the state of connID, bumping its version, and returns the
// delta to broadcast.
func (t *Tracker) SetLocal(connID string, state json.RawMessage) (Delta, error) {
	if err := t.validator.Validate(state); err != nil {
		return Delta{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := Entry{
		ConnectionID: connID,
		Version:      t.entries[connID].Version + 1,
		State:        append(json.RawMessage(nil), state...),
	}
	t.entries[connID] = entry
	return Delta{Entries: []Entry{entry}}, nil
}

// Apply merges a delta received from connID. Entries naming another
// connection are ignored, entries not newer than the stored version are
// dropped, and the accepted remainder is returned for rebroadcast.
func (t *Tracker) Apply(connID string, d Delta) (Delta, error) {
	for _, e := range d.Entries {
		if e.Removed() || (e.ConnectionID != "" && e.ConnectionID != connID) {
			continue
		}
		if err := t.validator.Validate(e.State); err != nil {
			return Delta{}, err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var accepted Delta
	for _, e := range d.Entries {
		if e.ConnectionID != "" && e.ConnectionID != connID {
			continue
		}
		current, ok := t.entries[connID]
		if ok && e.Version <= current.Version {
			continue
		}
		e.ConnectionID = connID
		if e.Removed() {
			if !ok {
				continue
			}
			delete(t.entries, connID)
		} else {
			t.entries[connID] = e
		}
		accepted.Entries = append(accepted.Entries, e)
	}
	return accepted, nil
}

// OnDisconnect clears connID and returns the removal delta, or false when the
// connection never published a state.
func (t *Tracker) OnDisconnect(connID string) (Delta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.entries[connID]
	if !ok {
		return Delta{}, false
	}
	delete(t.entries, connID)
	return Delta{Entries: []Entry{{ConnectionID: connID, Version: current.Version + 1}}}, true
}

// Snapshot returns every live entry, for connections that just attached.
func (t *Tracker) Snapshot() Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := Delta{Entries: make([]Entry, 0, len(t.entries))}
	for _, e := range t.entries {
		out.Entries = append(out.Entries, e)
	}
	sort.Slice(out.Entries, func(i, j int) bool {
		return out.Entries[i].ConnectionID < out.Entries[j].ConnectionID
	})
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
