package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odin-gateway/odin-ws/internal/channel"
	"github.com/odin-gateway/odin-ws/internal/frame"
	"github.com/odin-gateway/odin-ws/internal/session"
	"github.com/odin-gateway/odin-ws/internal/state"
)

// stubChannel lets tests control a channel's extracted value (and mutate
// it between Ready requests) without a real backing store.
type stubChannel struct {
	name string
	fn   func() (any, error)
}

func (c stubChannel) Name() string { return c.name }
func (c stubChannel) ExtractData(context.Context, *state.State) (any, error) {
	return c.fn()
}

func newTestBroker(t *testing.T, channels ...channel.Channel) (*Broker, func()) {
	t.Helper()
	reg := channel.NewRegistry(channels...)
	b := New(16, reg, &state.State{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	return b, cancel
}

func recvFrame(t *testing.T, s *session.Session) frame.Frame {
	t.Helper()
	select {
	case raw := <-s.Outbound():
		f, err := frame.Decode(string(raw))
		require.NoError(t, err)
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return frame.Frame{}
	}
}

// S1: subscribe + ready, single static channel.
func TestScenarioSubscribeAndReady(t *testing.T) {
	reward := stubChannel{name: "reward", fn: func() (any, error) {
		return map[string]any{"version": "alpha"}, nil
	}}
	b, cancel := newTestBroker(t, reward)
	defer cancel()

	sess := session.New("peer1", 8)
	b.Events() <- NewClientEvent("peer1", sess)

	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 1, Type: frame.KindSubscribe, Channels: []string{"reward"}})
	ok := recvFrame(t, sess)
	require.Equal(t, frame.Frame{Cseq: 1, Type: frame.KindOk}, ok)

	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 2, Type: frame.KindReady})
	data := recvFrame(t, sess)
	require.Equal(t, uint32(2), data.Cseq)
	require.Equal(t, frame.KindData, data.Type)
	require.False(t, data.Compressed)
	require.Equal(t, `{"reward":{"version":"alpha"}}`, data.Payload)
}

// S2: unknown channel rejected, all-or-nothing.
func TestScenarioUnknownChannelRejected(t *testing.T) {
	reward := stubChannel{name: "reward", fn: func() (any, error) { return map[string]any{"version": "alpha"}, nil }}
	b, cancel := newTestBroker(t, reward)
	defer cancel()

	sess := session.New("peer1", 8)
	b.Events() <- NewClientEvent("peer1", sess)

	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 7, Type: frame.KindSubscribe, Channels: []string{"reward", "ghost"}})
	errFrame := recvFrame(t, sess)
	require.Equal(t, frame.Frame{Cseq: 7, Type: frame.KindErr, Code: 404, Reason: "Following channels were not found: ghost"}, errFrame)

	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 8, Type: frame.KindReady})
	data := recvFrame(t, sess)
	require.Equal(t, "{}", data.Payload)
}

// S3: diff suppresses unchanged inner keys.
func TestScenarioDiffSuppressesUnchangedInnerKeys(t *testing.T) {
	value := map[string]any{"version": "alpha"}
	reward := stubChannel{name: "reward", fn: func() (any, error) { return value, nil }}
	b, cancel := newTestBroker(t, reward)
	defer cancel()

	sess := session.New("peer1", 8)
	b.Events() <- NewClientEvent("peer1", sess)
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 1, Type: frame.KindSubscribe, Channels: []string{"reward"}})
	recvFrame(t, sess) // ok
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 2, Type: frame.KindReady})
	recvFrame(t, sess) // initial data

	value = map[string]any{"version": "alpha", "bonus": "5"}
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 3, Type: frame.KindReady})
	data := recvFrame(t, sess)
	require.Equal(t, `{"reward":{"bonus":"5"}}`, data.Payload)
}

// S4: diff signals top-level channel removal.
func TestScenarioDiffSignalsTopLevelRemoval(t *testing.T) {
	reward := stubChannel{name: "reward", fn: func() (any, error) { return map[string]any{"version": "alpha"}, nil }}
	q := stubChannel{name: "q", fn: func() (any, error) { return map[string]any{"x": float64(1)}, nil }}
	b, cancel := newTestBroker(t, reward, q)
	defer cancel()

	sess := session.New("peer1", 8)
	b.Events() <- NewClientEvent("peer1", sess)
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 1, Type: frame.KindSubscribe, Channels: []string{"reward"}})
	recvFrame(t, sess)
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 2, Type: frame.KindReady})
	recvFrame(t, sess)

	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 3, Type: frame.KindUnsubscribe, Channels: []string{"reward"}})
	recvFrame(t, sess) // ok
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 4, Type: frame.KindSubscribe, Channels: []string{"q"}})
	recvFrame(t, sess) // ok

	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 5, Type: frame.KindReady})
	data := recvFrame(t, sess)
	require.Equal(t, `{"q":{"x":1}}`, data.Payload)
}

// S5: no-change ready yields empty delta.
func TestScenarioNoChangeYieldsEmptyDelta(t *testing.T) {
	reward := stubChannel{name: "reward", fn: func() (any, error) { return map[string]any{"version": "alpha"}, nil }}
	b, cancel := newTestBroker(t, reward)
	defer cancel()

	sess := session.New("peer1", 8)
	b.Events() <- NewClientEvent("peer1", sess)
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 1, Type: frame.KindSubscribe, Channels: []string{"reward"}})
	recvFrame(t, sess)
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 2, Type: frame.KindReady})
	recvFrame(t, sess)

	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 3, Type: frame.KindReady})
	data := recvFrame(t, sess)
	require.Equal(t, "{}", data.Payload)
}

// S6: a delta serializing past the compression threshold crosses over to
// a compressed data frame that round-trips through the URI-safe
// decompressor.
func TestScenarioCompressionCrossover(t *testing.T) {
	big := map[string]any{}
	for i := 0; i < 12; i++ {
		big[fmt.Sprintf("field_%02d", i)] = strings.Repeat("x", 8)
	}
	wide := stubChannel{name: "wide", fn: func() (any, error) { return big, nil }}
	b, cancel := newTestBroker(t, wide)
	defer cancel()

	sess := session.New("peer1", 8)
	b.Events() <- NewClientEvent("peer1", sess)
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 1, Type: frame.KindSubscribe, Channels: []string{"wide"}})
	recvFrame(t, sess)

	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 2, Type: frame.KindReady})
	data := recvFrame(t, sess)
	require.True(t, data.Compressed)
	require.NotEmpty(t, data.Payload)

	text, err := frame.DecodeDataPayload(data)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &decoded))
	require.Equal(t, map[string]any{"wide": big}, decoded)
}

// Invariant: all-or-nothing subscription — a request with any unknown
// name leaves the subscription set untouched, so a later ready reflects
// only prior successful requests.
func TestAllOrNothingSubscription(t *testing.T) {
	reward := stubChannel{name: "reward", fn: func() (any, error) { return map[string]any{"version": "alpha"}, nil }}
	q := stubChannel{name: "q", fn: func() (any, error) { return map[string]any{"x": float64(1)}, nil }}
	b, cancel := newTestBroker(t, reward, q)
	defer cancel()

	sess := session.New("peer1", 8)
	b.Events() <- NewClientEvent("peer1", sess)
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 1, Type: frame.KindSubscribe, Channels: []string{"reward"}})
	recvFrame(t, sess)

	// q is known but ghost is not: neither may be applied.
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 2, Type: frame.KindSubscribe, Channels: []string{"q", "ghost"}})
	errFrame := recvFrame(t, sess)
	require.Equal(t, frame.KindErr, errFrame.Type)

	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 3, Type: frame.KindReady})
	data := recvFrame(t, sess)
	require.Equal(t, `{"reward":{"version":"alpha"}}`, data.Payload)
}

// Invariant: cseq is always echoed.
func TestCseqAlwaysEchoed(t *testing.T) {
	b, cancel := newTestBroker(t)
	defer cancel()

	sess := session.New("peer1", 8)
	b.Events() <- NewClientEvent("peer1", sess)
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 99, Type: frame.KindSubscribe, Channels: []string{"ghost"}})
	got := recvFrame(t, sess)
	require.Equal(t, uint32(99), got.Cseq)
}

// Invariant: channel extract failures are permissive, not fatal to the
// request; the failing channel is simply omitted.
func TestChannelExtractFailureIsOmittedNotFatal(t *testing.T) {
	good := stubChannel{name: "good", fn: func() (any, error) { return map[string]any{"ok": true}, nil }}
	bad := stubChannel{name: "bad", fn: func() (any, error) { return nil, context.DeadlineExceeded }}
	b, cancel := newTestBroker(t, good, bad)
	defer cancel()

	sess := session.New("peer1", 8)
	b.Events() <- NewClientEvent("peer1", sess)
	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 1, Type: frame.KindSubscribe, Channels: []string{"good", "bad"}})
	recvFrame(t, sess)

	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 2, Type: frame.KindReady})
	data := recvFrame(t, sess)
	require.Equal(t, `{"good":{"ok":true}}`, data.Payload)
}

// Invariant: frames for one session never leak into another's outbound sink.
func TestSessionIsolation(t *testing.T) {
	reward := stubChannel{name: "reward", fn: func() (any, error) { return map[string]any{"v": float64(1)}, nil }}
	b, cancel := newTestBroker(t, reward)
	defer cancel()

	s1 := session.New("peer1", 8)
	s2 := session.New("peer2", 8)
	b.Events() <- NewClientEvent("peer1", s1)
	b.Events() <- NewClientEvent("peer2", s2)

	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 1, Type: frame.KindSubscribe, Channels: []string{"reward"}})
	recvFrame(t, s1)

	select {
	case <-s2.Outbound():
		t.Fatal("peer2 received a frame addressed to peer1")
	case <-time.After(50 * time.Millisecond):
	}
}

// Late frames for a disconnected peer are silently dropped, not panics.
func TestLateFrameAfterDisconnectIsDropped(t *testing.T) {
	b, cancel := newTestBroker(t)
	defer cancel()

	sess := session.New("peer1", 8)
	b.Events() <- NewClientEvent("peer1", sess)
	b.Events() <- DisconnectEvent("peer1")

	b.Events() <- ClientFrameEvent("peer1", frame.Frame{Cseq: 1, Type: frame.KindReady})

	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, time.Second, time.Millisecond)
}
