package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNewRejectsMalformedDSN(t *testing.T) {
	_, err := New(context.Background(), Config{DSN: "://not-a-dsn"})
	assert.Error(t, err)
}
