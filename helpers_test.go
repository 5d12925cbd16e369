package sessiontier

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaharia-lab/sessiontier/observability"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessiontier_test.db")
	db, err := OpenDatabase(context.Background(), DialectSQLite, path, DBOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type testTiers struct {
	repo  *SessionRepository
	cache *MemoryCacheStore
	docs  *SQLDocumentStore
	db    *sql.DB
}

func newTestTiers(t *testing.T) testTiers {
	t.Helper()
	db := newTestDB(t)
	docs, err := NewSQLDocumentStore(context.Background(), db, DialectSQLite)
	require.NoError(t, err)

	cache := NewMemoryCacheStore()
	return testTiers{
		repo:  NewSessionRepository(cache, docs, observability.NewNullLogger()),
		cache: cache,
		docs:  docs,
		db:    db,
	}
}

func sampleMessages() []ChatMessage {
	return []ChatMessage{
		{
			Type:             "human",
			Content:          StringPtr("What is the capital of France?"),
			AdditionalKwargs: map[string]interface{}{},
			ResponseMetadata: map[string]interface{}{},
			Example:          BoolPtr(false),
		},
		{
			Type:             "ai",
			Content:          StringPtr("Paris."),
			ID:               StringPtr("run-1"),
			ResponseMetadata: map[string]interface{}{"model": "m-1", "finish_reason": "stop"},
			UsageMetadata:    map[string]interface{}{"input_tokens": float64(12), "output_tokens": float64(3)},
		},
		{
			Type:    "tool",
			Content: StringPtr(`{"ok":true}`),
			Name:    StringPtr("lookup"),
			ToolCalls: []map[string]interface{}{
				{"id": "call-1", "name": "lookup", "args": "capital"},
			},
			InvalidToolCalls: []map[string]interface{}{},
		},
	}
}

// fixedClock returns a clock stuck at t.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
