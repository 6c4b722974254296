// Package frame implements the gateway's wire protocol: a small set of
// JSON frames exchanged between client and server over a single WebSocket
// text stream.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	lzstring "github.com/daku10/go-lz-string"
)

// Kind is the wire discriminant carried in every frame's "type" field.
type Kind string

const (
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindReady       Kind = "ready"
	KindOk          Kind = "ok"
	KindErr         Kind = "err"
	KindData        Kind = "data"
)

// compressionThreshold is the strict byte threshold above which a Data
// frame's payload is LZ-string compressed. Part of the wire contract; do
// not change without bumping the protocol version.
const compressionThreshold = 100

// Frame is the single wire representation for every frame kind. Variant
// fields are flattened JSON siblings rather than a nested payload, per the
// protocol's wire form. Encoding goes through MarshalJSON below, which
// emits exactly the fields each kind uses; the omitempty tags here only
// apply to frames whose type is not one of the known kinds.
type Frame struct {
	Cseq uint32 `json:"cseq"`
	Type Kind   `json:"type"`

	Channels []string `json:"channels,omitempty"`

	Code   uint32 `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`

	Compressed bool   `json:"compressed,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

// ErrNotText signals a transport message that is not a text frame; the
// caller should log and continue rather than disconnect the peer.
var ErrNotText = errors.New("frame: not a text message")

// ErrServerOriginated signals a frame whose type is one of ok/err/data and
// must never have been sent by a client.
var ErrServerOriginated = errors.New("frame: server-originated frame received from client")

// IsClientKind reports whether k is one of the kinds a client may send.
func IsClientKind(k Kind) bool {
	switch k {
	case KindSubscribe, KindUnsubscribe, KindReady:
		return true
	default:
		return false
	}
}

// Decode parses text into a Frame. Leading/trailing whitespace is trimmed
// before parsing. Decode does not itself reject server-originated kinds;
// callers that care (the connection handler) check IsClientKind.
func Decode(text string) (Frame, error) {
	trimmed := strings.TrimSpace(text)

	var f Frame
	if err := json.Unmarshal([]byte(trimmed), &f); err != nil {
		return Frame{}, fmt.Errorf("frame: decode: %w", err)
	}

	return f, nil
}

// Encode serializes f to its wire JSON text.
func Encode(f Frame) (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("frame: encode: %w", err)
	}
	return string(data), nil
}

// MarshalJSON emits exactly the sibling fields each frame kind carries on
// the wire. Data frames always carry "compressed", even when false; a
// plain omitempty struct would drop it.
func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case KindSubscribe, KindUnsubscribe:
		return json.Marshal(struct {
			Cseq     uint32   `json:"cseq"`
			Type     Kind     `json:"type"`
			Channels []string `json:"channels"`
		}{f.Cseq, f.Type, f.Channels})
	case KindReady, KindOk:
		return json.Marshal(struct {
			Cseq uint32 `json:"cseq"`
			Type Kind   `json:"type"`
		}{f.Cseq, f.Type})
	case KindErr:
		return json.Marshal(struct {
			Cseq   uint32 `json:"cseq"`
			Type   Kind   `json:"type"`
			Code   uint32 `json:"code"`
			Reason string `json:"reason"`
		}{f.Cseq, f.Type, f.Code, f.Reason})
	case KindData:
		return json.Marshal(struct {
			Cseq       uint32 `json:"cseq"`
			Type       Kind   `json:"type"`
			Compressed bool   `json:"compressed"`
			Payload    string `json:"payload"`
		}{f.Cseq, f.Type, f.Compressed, f.Payload})
	default:
		type plain Frame
		return json.Marshal(plain(f))
	}
}

// OkFrom builds an Ok response echoing req's cseq.
func OkFrom(req Frame) Frame {
	return Frame{Cseq: req.Cseq, Type: KindOk}
}

// ErrFrom builds an Err response echoing req's cseq.
func ErrFrom(req Frame, code uint32, reason string) Frame {
	return Frame{Cseq: req.Cseq, Type: KindErr, Code: code, Reason: reason}
}

// DataFrom builds a Data response echoing req's cseq. payload is
// marshaled to compact JSON text; if that text exceeds
// compressionThreshold bytes it is replaced with its URI-safe LZ-string
// compression and Compressed is set.
func DataFrom(req Frame, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("frame: marshal data payload: %w", err)
	}
	text := string(raw)

	if len(text) <= compressionThreshold {
		return Frame{Cseq: req.Cseq, Type: KindData, Compressed: false, Payload: text}, nil
	}

	compressed, err := lzstring.CompressToEncodedURIComponent(text)
	if err != nil {
		return Frame{}, fmt.Errorf("frame: compress data payload: %w", err)
	}

	return Frame{Cseq: req.Cseq, Type: KindData, Compressed: true, Payload: compressed}, nil
}

// DecodeDataPayload reverses DataFrom's payload encoding, for tests and
// diagnostics that need to recover the original JSON text of a Data frame.
func DecodeDataPayload(f Frame) (string, error) {
	if !f.Compressed {
		return f.Payload, nil
	}
	return lzstring.DecompressFromEncodedURIComponent(f.Payload)
}
