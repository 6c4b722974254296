// Package session holds the per-peer state the broker owns exclusively:
// subscriptions, the last delivered snapshot, and the outbound sink.
package session

import (
	"errors"

	"github.com/odin-gateway/odin-ws/internal/channel"
	"github.com/odin-gateway/odin-ws/internal/snapshot"
)

// ErrSendFailed is returned by Send when the outbound sink cannot accept
// the frame -- either its buffer is full or it has already been closed by
// Disconnect. The broker logs this and relies on the connection handler's
// own Disconnect event to clean up; it never removes the session itself.
var ErrSendFailed = errors.New("session: send failed")

// Session is a client's session record. Every method here except Outbound
// is called only from the broker's single event-loop goroutine, so none of
// it needs locking; Outbound only hands the channel to the connection's
// writer goroutine.
type Session struct {
	Addr string

	tx     chan []byte
	closed bool

	subscriptions map[string]channel.Channel
	lastSnapshot  snapshot.Object // nil means "currently taken"
}

// New creates a session for addr with an outbound buffer of size
// sendQueueSize, holding one raw wire-encoded frame per send (see Outbound).
// The initial last-delivered snapshot is the empty object, per contract.
func New(addr string, sendQueueSize int) *Session {
	return &Session{
		Addr:          addr,
		tx:            make(chan []byte, sendQueueSize),
		subscriptions: make(map[string]channel.Channel),
		lastSnapshot:  snapshot.Object{},
	}
}

// Outbound returns the channel a connection's writer goroutine should
// drain. It is closed exactly once, by Close.
func (s *Session) Outbound() <-chan []byte {
	return s.tx
}

// Subscribe adds ch to the subscription set. Idempotent.
func (s *Session) Subscribe(ch channel.Channel) {
	s.subscriptions[ch.Name()] = ch
}

// Unsubscribe removes ch from the subscription set. Idempotent; removing
// an absent channel is a no-op.
func (s *Session) Unsubscribe(ch channel.Channel) {
	delete(s.subscriptions, ch.Name())
}

// Subscriptions returns the channel set currently subscribed, in no
// particular order. Callers that need determinism (the broker's Ready
// handling) sort by name themselves.
func (s *Session) Subscriptions() []channel.Channel {
	out := make([]channel.Channel, 0, len(s.subscriptions))
	for _, ch := range s.subscriptions {
		out = append(out, ch)
	}
	return out
}

// TakeLastSnapshot consumes the current snapshot, leaving the session
// without one until SetLastSnapshot is called. Per the session invariant,
// this absence must never be observed by any other operation -- callers
// must always pair this with a subsequent SetLastSnapshot within the same
// Ready handling step.
func (s *Session) TakeLastSnapshot() snapshot.Object {
	snap := s.lastSnapshot
	s.lastSnapshot = nil
	return snap
}

// SetLastSnapshot installs v as the new baseline.
func (s *Session) SetLastSnapshot(v snapshot.Object) {
	s.lastSnapshot = v
}

// Send pushes an already wire-encoded frame to the outbound sink without
// blocking. A full or closed sink is reported as ErrSendFailed; the
// caller logs it and otherwise ignores it (see ErrSendFailed doc).
func (s *Session) Send(encoded []byte) error {
	if s.closed {
		return ErrSendFailed
	}
	select {
	case s.tx <- encoded:
		return nil
	default:
		return ErrSendFailed
	}
}

// Close closes the outbound sink, signalling the connection's writer
// goroutine to stop and the peer's write half to close. Idempotent: calls
// after the first are no-ops. The broker calls it on Disconnect.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.tx)
}
