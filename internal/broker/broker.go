// Package broker implements the gateway's single-writer event dispatcher:
// the sole goroutine that ever mutates session state, processing
// NewClient, ClientFrame, and Disconnect events from an internal queue.
package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/odin-gateway/odin-ws/internal/channel"
	"github.com/odin-gateway/odin-ws/internal/frame"
	"github.com/odin-gateway/odin-ws/internal/metrics"
	"github.com/odin-gateway/odin-ws/internal/session"
	"github.com/odin-gateway/odin-ws/internal/snapshot"
	"github.com/odin-gateway/odin-ws/internal/state"
)

// Broker is the single-writer event loop that owns every client session.
// Exactly one Broker per process is ever running; nothing outside this
// package ever touches sessions, so none of it is guarded by locks.
type Broker struct {
	events   chan Event
	sessions map[string]*session.Session
	channels channel.Registry
	state    *state.State
	logger   *zap.Logger
	metrics  *metrics.Registry

	connected atomic.Int64
}

// New builds a Broker. channels is the read-only registry installed
// before Run is ever called; it is never mutated afterwards.
func New(eventQueueSize int, channels channel.Registry, st *state.State, logger *zap.Logger, metricsRegistry *metrics.Registry) *Broker {
	return &Broker{
		events:   make(chan Event, eventQueueSize),
		sessions: make(map[string]*session.Session),
		channels: channels,
		state:    st,
		logger:   logger,
		metrics:  metricsRegistry,
	}
}

// Events returns the send-only handle connection handlers use to post
// events. Sending never blocks in steady state: the queue is sized
// generously at startup (see internal/config).
func (b *Broker) Events() chan<- Event {
	return b.events
}

// ClientCount returns the number of sessions currently tracked. Safe to
// call from any goroutine; updated only by the broker's own loop.
func (b *Broker) ClientCount() int {
	return int(b.connected.Load())
}

// Run consumes events until ctx is canceled. It is meant to be the only
// goroutine that ever calls into b.sessions.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			b.handle(ctx, ev)
		}
	}
}

func (b *Broker) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case KindNewClient:
		b.sessions[ev.Addr] = ev.Session
		b.connected.Add(1)
		if b.metrics != nil {
			b.metrics.ActiveConnections.Inc()
		}

	case KindDisconnect:
		sess, ok := b.sessions[ev.Addr]
		if !ok {
			return
		}
		delete(b.sessions, ev.Addr)
		sess.Close()
		b.connected.Add(-1)
		if b.metrics != nil {
			b.metrics.ActiveConnections.Dec()
		}

	case KindClientFrame:
		sess, ok := b.sessions[ev.Addr]
		if !ok {
			// Late arrival after disconnect; silently dropped.
			return
		}
		b.handleFrame(ctx, sess, ev.Frame)
	}
}

func (b *Broker) handleFrame(ctx context.Context, sess *session.Session, f frame.Frame) {
	switch f.Type {
	case frame.KindSubscribe:
		b.manageSubscription(sess, f, true)
	case frame.KindUnsubscribe:
		b.manageSubscription(sess, f, false)
	case frame.KindReady:
		b.fetchDataFromChannels(ctx, sess, f)
	default:
		// Subscribe/Unsubscribe/Ready are the only client-originated
		// kinds; anything else reaching here is ignored.
	}
}

func (b *Broker) manageSubscription(sess *session.Session, f frame.Frame, subscribe bool) {
	known, unknown := b.channels.Partition(f.Channels)

	var resp frame.Frame
	if len(unknown) > 0 {
		if b.metrics != nil {
			b.metrics.SubscribeErrors.Inc()
		}
		resp = frame.ErrFrom(f, 404, fmt.Sprintf("Following channels were not found: %s", strings.Join(unknown, ",")))
	} else {
		for _, name := range known {
			ch := b.channels[name]
			if subscribe {
				sess.Subscribe(ch)
			} else {
				sess.Unsubscribe(ch)
			}
		}
		resp = frame.OkFrom(f)
	}

	b.sendFrame(sess, resp)
}

func (b *Broker) fetchDataFromChannels(ctx context.Context, sess *session.Session, f frame.Frame) {
	subs := sess.Subscriptions()
	names := make([]string, 0, len(subs))
	byName := make(map[string]channel.Channel, len(subs))
	for _, ch := range subs {
		names = append(names, ch.Name())
		byName[ch.Name()] = ch
	}
	sort.Strings(names)

	payload := make(snapshot.Object, len(names))
	for _, name := range names {
		data, err := byName[name].ExtractData(ctx, b.state)
		if err != nil {
			if b.metrics != nil {
				b.metrics.ChannelExtractFails.Inc()
			}
			if b.logger != nil {
				b.logger.Warn("channel extract_data failed", zap.String("channel", name), zap.Error(err))
			}
			continue
		}
		payload[name] = data
	}

	snap := sess.TakeLastSnapshot()
	delta := snapshot.Diff(snap, payload)
	sess.SetLastSnapshot(payload)

	resp, err := frame.DataFrom(f, delta)
	if err != nil {
		if b.logger != nil {
			b.logger.Error("failed to build data frame", zap.Error(err))
		}
		return
	}
	if resp.Compressed && b.metrics != nil {
		b.metrics.DataFramesCompressed.Inc()
	}
	if b.metrics != nil {
		b.metrics.DataFramesSent.Inc()
	}

	b.sendFrame(sess, resp)
}

func (b *Broker) sendFrame(sess *session.Session, f frame.Frame) {
	text, err := frame.Encode(f)
	if err != nil {
		if b.logger != nil {
			b.logger.Error("failed to encode frame", zap.Error(err))
		}
		return
	}

	if err := sess.Send([]byte(text)); err != nil {
		if b.metrics != nil {
			b.metrics.SendFailures.Inc()
		}
		if b.logger != nil {
			b.logger.Error("send failed", zap.String("addr", sess.Addr), zap.Error(err))
		}
		// Per contract: the session is not removed here. The connection
		// handler's own Disconnect event will clean it up.
	}
}
