// Package channel defines the gateway's named data-source abstraction and
// a pair of reference implementations used to fix the contract.
package channel

import (
	"context"

	"github.com/odin-gateway/odin-ws/internal/state"
)

// Channel is a named, asynchronously-queryable data source producing a
// JSON value from the shared backing state. Identity is carried entirely
// by Name: the broker's registry and every session's subscription set are
// keyed on it, so two Channel values with the same name are
// indistinguishable from the rest of the system's point of view.
type Channel interface {
	Name() string
	ExtractData(ctx context.Context, st *state.State) (any, error)
}

// Registry is a read-only, name-keyed set of channels, installed once at
// broker startup.
type Registry map[string]Channel

// NewRegistry builds a Registry from a list of channels.
func NewRegistry(channels ...Channel) Registry {
	reg := make(Registry, len(channels))
	for _, c := range channels {
		reg[c.Name()] = c
	}
	return reg
}

// Partition splits names into those present in the registry and those
// that are not, preserving input order within each slice.
func (r Registry) Partition(names []string) (known, unknown []string) {
	for _, name := range names {
		if _, ok := r[name]; ok {
			known = append(known, name)
		} else {
			unknown = append(unknown, name)
		}
	}
	return known, unknown
}
