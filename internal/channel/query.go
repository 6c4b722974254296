package channel

import (
	"context"

	"github.com/odin-gateway/odin-ws/internal/state"
)

// QueryChannel issues a single row lookup against the backing store by a
// fixed channel key and decodes the scalar payload. Grounded on the
// reference "13" channel: `SELECT payload FROM state WHERE channel = $1`,
// an absent row decoding to the empty object.
type QueryChannel struct {
	ChannelName string
	StoreKey    string
}

// NewQueryChannel builds a QueryChannel looking up storeKey, exposed to
// clients as name.
func NewQueryChannel(name, storeKey string) QueryChannel {
	return QueryChannel{ChannelName: name, StoreKey: storeKey}
}

// Name implements Channel.
func (c QueryChannel) Name() string { return c.ChannelName }

// ExtractData implements Channel.
func (c QueryChannel) ExtractData(ctx context.Context, st *state.State) (any, error) {
	return st.QueryRow(ctx, c.StoreKey)
}
