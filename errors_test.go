package sessiontier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutNetError struct{ timeout bool }

func (e timeoutNetError) Error() string   { return "net failure" }
func (e timeoutNetError) Timeout() bool   { return e.timeout }
func (e timeoutNetError) Temporary() bool { return false }

func TestClassifyStoreError(t *testing.T) {
	var syntaxErr *json.SyntaxError
	err := json.Unmarshal([]byte("{"), &struct{}{})
	require.True(t, errors.As(err, &syntaxErr))

	tests := []struct {
		name string
		err  error
		want StoreErrorKind
	}{
		{name: "context deadline", err: context.DeadlineExceeded, want: StoreErrTimeout},
		{name: "os deadline", err: fmt.Errorf("read: %w", os.ErrDeadlineExceeded), want: StoreErrTimeout},
		{name: "net timeout", err: timeoutNetError{timeout: true}, want: StoreErrTimeout},
		{name: "net error", err: timeoutNetError{}, want: StoreErrConnection},
		{name: "dial refused", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, want: StoreErrConnection},
		{name: "closed connection", err: net.ErrClosed, want: StoreErrConnection},
		{name: "sql conn done", err: sql.ErrConnDone, want: StoreErrConnection},
		{name: "json syntax", err: err, want: StoreErrSerialization},
		{name: "malformed data", err: fmt.Errorf("%w: bad field", ErrMalformedData), want: StoreErrSerialization},
		{name: "anything else", err: errors.New("disk full"), want: StoreErrOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyStoreError(tt.err))
		})
	}
}

func TestNewStoreError(t *testing.T) {
	assert.NoError(t, newStoreError(TierCache, "get", nil))

	for _, sentinel := range []error{ErrNotFound, ErrConflict, ErrNoTask} {
		wrapped := fmt.Errorf("%w: s1", sentinel)
		assert.Same(t, wrapped, newStoreError(TierDurable, "find", wrapped), "sentinels pass through")
	}

	inner := &StoreError{Tier: TierCache, Op: "hgetall", Kind: StoreErrTimeout, Err: context.DeadlineExceeded}
	assert.Same(t, inner, newStoreError(TierDurable, "other", inner).(*StoreError), "not wrapped twice")

	err := newStoreError(TierDurable, "insert", sql.ErrConnDone)
	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, TierDurable, se.Tier)
	assert.Equal(t, "insert", se.Op)
	assert.Equal(t, StoreErrConnection, se.Kind)
	assert.True(t, errors.Is(err, sql.ErrConnDone))
	assert.True(t, IsStoreError(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsStoreError(ErrNotFound))
	assert.EqualError(t, err, "durable store insert failed (connection): sql: connection is already closed")
}
