package broker

import (
	"github.com/odin-gateway/odin-ws/internal/frame"
	"github.com/odin-gateway/odin-ws/internal/session"
)

// Kind discriminates the three events the broker's event loop dispatches.
type Kind int

const (
	// KindNewClient inserts a session. No reply is sent.
	KindNewClient Kind = iota
	// KindClientFrame processes a frame on behalf of an existing session.
	KindClientFrame
	// KindDisconnect removes a session and closes its outbound sink.
	KindDisconnect
)

// Event is a single unit of work posted to the broker by a connection
// handler. Producers block sending one only while the queue is full (see
// Broker.Events).
type Event struct {
	Kind    Kind
	Addr    string
	Session *session.Session // set for KindNewClient
	Frame   frame.Frame      // set for KindClientFrame
}

// NewClientEvent builds a KindNewClient event.
func NewClientEvent(addr string, s *session.Session) Event {
	return Event{Kind: KindNewClient, Addr: addr, Session: s}
}

// ClientFrameEvent builds a KindClientFrame event.
func ClientFrameEvent(addr string, f frame.Frame) Event {
	return Event{Kind: KindClientFrame, Addr: addr, Frame: f}
}

// DisconnectEvent builds a KindDisconnect event.
func DisconnectEvent(addr string) Event {
	return Event{Kind: KindDisconnect, Addr: addr}
}
