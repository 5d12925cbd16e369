package sessiontier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDocumentStore(t *testing.T) *SQLDocumentStore {
	t.Helper()
	store, err := NewSQLDocumentStore(context.Background(), newTestDB(t), DialectSQLite)
	require.NoError(t, err)
	return store
}

func testDocument(userID, sessionID string, fields map[string]interface{}) SessionDocument {
	body := map[string]interface{}{"user_id": userID, "session_id": sessionID}
	for k, v := range fields {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	return SessionDocument{UserID: userID, SessionID: sessionID, Body: raw}
}

func TestSQLDocumentStore_InsertAndFind(t *testing.T) {
	ctx := context.Background()
	store := newTestDocumentStore(t)

	require.NoError(t, store.InsertOne(ctx, testDocument("u1", "s1", map[string]interface{}{"status": "expired"})))
	require.NoError(t, store.InsertOne(ctx, testDocument("u1", "s2", nil)))
	require.NoError(t, store.InsertOne(ctx, testDocument("u2", "s1", nil)))

	doc, err := store.FindOne(ctx, DocumentFilter{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", doc.UserID)
	assert.JSONEq(t, `{"user_id":"u1","session_id":"s1","status":"expired"}`, string(doc.Body))

	docs, err := store.FindMany(ctx, DocumentFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "s1", docs[0].SessionID)
	assert.Equal(t, "s2", docs[1].SessionID)

	docs, err = store.FindMany(ctx, DocumentFilter{UserID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = store.FindOne(ctx, DocumentFilter{UserID: "u3", SessionID: "s1"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLDocumentStore_InsertConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestDocumentStore(t)

	require.NoError(t, store.InsertOne(ctx, testDocument("u1", "s1", nil)))
	err := store.InsertOne(ctx, testDocument("u1", "s1", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestSQLDocumentStore_InsertRequiresKey(t *testing.T) {
	err := newTestDocumentStore(t).InsertOne(context.Background(), SessionDocument{UserID: "u1", Body: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedData))

	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StoreErrSerialization, se.Kind)
}

func TestSQLDocumentStore_UpdateOne(t *testing.T) {
	ctx := context.Background()
	store := newTestDocumentStore(t)
	require.NoError(t, store.InsertOne(ctx, testDocument("u1", "s1", map[string]interface{}{"status": "active", "keep": 1})))

	n, err := store.UpdateOne(ctx, DocumentFilter{SessionID: "s1"}, map[string]interface{}{
		"status":       "expired",
		"chat_history": []string{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	doc, err := store.FindOne(ctx, DocumentFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u1","session_id":"s1","status":"expired","keep":1,"chat_history":["a"]}`, string(doc.Body))

	n, err = store.UpdateOne(ctx, DocumentFilter{SessionID: "missing"}, map[string]interface{}{"status": "expired"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = store.UpdateOne(ctx, DocumentFilter{}, map[string]interface{}{"status": "expired"})
	assert.True(t, IsStoreError(err))
}

func TestSQLDocumentStore_FindOneAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestDocumentStore(t)
	require.NoError(t, store.InsertOne(ctx, testDocument("u1", "s1", nil)))

	doc, err := store.FindOneAndDelete(ctx, DocumentFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", doc.UserID)

	_, err = store.FindOneAndDelete(ctx, DocumentFilter{SessionID: "s1"})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = store.FindOneAndDelete(ctx, DocumentFilter{})
	assert.True(t, IsStoreError(err))
}

func TestMergeDocumentFields(t *testing.T) {
	tests := []struct {
		name string
		body string
		set  map[string]interface{}
		want string
	}{
		{name: "adds and replaces", body: `{"a":1,"b":2}`, set: map[string]interface{}{"b": 3, "c": "x"}, want: `{"a":1,"b":3,"c":"x"}`},
		{name: "non-object body is replaced", body: `[1,2]`, set: map[string]interface{}{"a": true}, want: `{"a":true}`},
		{name: "corrupt body is replaced", body: `{oops`, set: map[string]interface{}{"a": nil}, want: `{"a":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mergeDocumentFields(tt.body, tt.set)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, got)
		})
	}
}

func TestSQLDocumentStore_ErrorClassification(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := &SQLDocumentStore{db: db, dialect: DialectSQLite}
	ctx := context.Background()

	tests := []struct {
		name     string
		setup    func()
		call     func() error
		wantKind StoreErrorKind
	}{
		{
			name: "connection done",
			setup: func() {
				mock.ExpectQuery("SELECT user_id, session_id, document FROM chat_sessions").
					WillReturnError(sql.ErrConnDone)
			},
			call: func() error {
				_, err := store.FindOne(ctx, DocumentFilter{SessionID: "s1"})
				return err
			},
			wantKind: StoreErrConnection,
		},
		{
			name: "deadline",
			setup: func() {
				mock.ExpectQuery("SELECT user_id, session_id, document FROM chat_sessions").
					WillReturnError(context.DeadlineExceeded)
			},
			call: func() error {
				_, err := store.FindMany(ctx, DocumentFilter{UserID: "u1"})
				return err
			},
			wantKind: StoreErrTimeout,
		},
		{
			name: "other driver error",
			setup: func() {
				mock.ExpectExec("INSERT INTO chat_sessions").
					WillReturnError(errors.New("disk I/O error"))
			},
			call: func() error {
				return store.InsertOne(ctx, testDocument("u1", "s1", nil))
			},
			wantKind: StoreErrOther,
		},
		{
			name: "update begin fails",
			setup: func() {
				mock.ExpectBegin().WillReturnError(errors.New("begin failed"))
			},
			call: func() error {
				_, err := store.UpdateOne(ctx, DocumentFilter{SessionID: "s1"}, map[string]interface{}{"a": 1})
				return err
			},
			wantKind: StoreErrOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			err := tt.call()
			require.Error(t, err)

			var se *StoreError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, TierDurable, se.Tier)
			assert.Equal(t, tt.wantKind, se.Kind)
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
