package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/odin-gateway/odin-ws/internal/state"
)

// StaticChannel returns a fixed JSON value carried in the backing state's
// Static field. Grounded on the reference "reward" channel: a value set
// once at startup and never recomputed.
type StaticChannel struct {
	ChannelName string
}

// NewStaticChannel builds a StaticChannel with the given name.
func NewStaticChannel(name string) StaticChannel {
	return StaticChannel{ChannelName: name}
}

// Name implements Channel.
func (c StaticChannel) Name() string { return c.ChannelName }

// ExtractData implements Channel; it never fails unless the backing
// state's Static field holds malformed JSON, which would be a startup
// configuration bug rather than a runtime condition.
func (c StaticChannel) ExtractData(_ context.Context, st *state.State) (any, error) {
	if len(st.Static) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(st.Static, &v); err != nil {
		return nil, fmt.Errorf("channel %s: decode static value: %w", c.ChannelName, err)
	}
	return v, nil
}
