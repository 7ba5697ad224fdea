package session

import (
	"errors"
	"fmt"
)

var (
	ErrRegistryClosed = errors.New("session registry closed")
	ErrSessionClosed  = errors.New("session closed")
	ErrReadOnly       = errors.New("connection is read-only")
)

// SessionLoadError reports that a document could not be opened from durable
// storage. Nothing is registered for the document when it is returned.
type SessionLoadError struct {
	DocumentID string
	Err        error
}

func (e *SessionLoadError) Error() string {
	return fmt.Sprintf("load session %s: %v", e.DocumentID, e.Err)
}

func (e *SessionLoadError) Unwrap() error {
	return e.Err
}

type Capability int

const (
	CapabilityRead Capability = iota + 1
	CapabilityWrite
)

func (c Capability) CanWrite() bool {
	return c == CapabilityWrite
}

func (c Capability) String() string {
	switch c {
	case CapabilityRead:
		return "read"
	case CapabilityWrite:
		return "write"
	default:
		return "none"
	}
}

// CloseCode values match websocket close status codes.
type CloseCode int

const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	CloseUnsupportedData CloseCode = 1003
	ClosePolicyViolation CloseCode = 1008
	CloseInternalError   CloseCode = 1011
)

// Sink is an attached connection as the session sees it. Send must not
// block: it reports false when the connection's outbox is over its high-water
// mark, and the session then detaches and closes it. Close must not block
// either.
type Sink interface {
	ID() string
	Capability() Capability
	Send(frame []byte) bool
	Close(code CloseCode, reason string)
}
