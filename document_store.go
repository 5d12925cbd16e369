package sessiontier

import (
	"context"
	"encoding/json"
)

// SessionDocument is one durable-tier document. UserID and SessionID are the
// indexed business key; Body is the JSON record.
type SessionDocument struct {
	UserID    string
	SessionID string
	Body      json.RawMessage
}

// DocumentFilter selects documents by field equality. An empty field matches
// any value.
type DocumentFilter struct {
	UserID    string
	SessionID string
}

func (f DocumentFilter) isEmpty() bool {
	return f.UserID == "" && f.SessionID == ""
}

// DocumentStore is the durable tier. Implementations return *StoreError for
// I/O failures, ErrNotFound for absent documents and ErrConflict for
// duplicate business keys.
type DocumentStore interface {
	FindOne(ctx context.Context, filter DocumentFilter) (*SessionDocument, error)

	// InsertOne fails with ErrConflict when (UserID, SessionID) is taken.
	InsertOne(ctx context.Context, doc SessionDocument) error

	// UpdateOne sets top-level fields of the first matching document's body
	// and returns the number of matched documents (0 or 1).
	UpdateOne(ctx context.Context, filter DocumentFilter, set map[string]interface{}) (int64, error)

	FindMany(ctx context.Context, filter DocumentFilter) ([]SessionDocument, error)

	// FindOneAndDelete atomically removes the first matching document and
	// returns it.
	FindOneAndDelete(ctx context.Context, filter DocumentFilter) (*SessionDocument, error)
}
