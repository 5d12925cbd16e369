package sessiontier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const documentsTable = "chat_sessions"

// SQLDocumentStore is a DocumentStore kept in one SQL table: indexed
// user_id / session_id columns plus the JSON body.
type SQLDocumentStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLDocumentStore creates the store and its schema. The caller owns db.
func NewSQLDocumentStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLDocumentStore, error) {
	store := &SQLDocumentStore{
		db:      db,
		dialect: dialect,
	}

	if err := store.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize document schema: %w", err)
	}
	return store, nil
}

// initSchema creates the documents table and indexes if they don't exist
func (s *SQLDocumentStore) initSchema(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS ` + documentsTable + ` (
		id ` + s.dialect.serialPrimaryKey() + `,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		document TEXT NOT NULL,
		UNIQUE (user_id, session_id)
	);`

	createSessionIndexSQL := `
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_session_id ON ` + documentsTable + ` (session_id);`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for schema init: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create %s table: %w", documentsTable, err)
	}

	if _, err := tx.ExecContext(ctx, createSessionIndexSQL); err != nil {
		return fmt.Errorf("failed to create session_id index: %w", err)
	}

	return tx.Commit()
}

// FindOne returns the first document matching filter
func (s *SQLDocumentStore) FindOne(ctx context.Context, filter DocumentFilter) (*SessionDocument, error) {
	where, args := s.whereClause(filter)
	query := s.dialect.rebind(`SELECT user_id, session_id, document FROM ` + documentsTable + where + ` ORDER BY id LIMIT 1`)

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, newStoreError(TierDurable, "find_one", err)
	}
	return doc, nil
}

// InsertOne stores a new document
func (s *SQLDocumentStore) InsertOne(ctx context.Context, doc SessionDocument) error {
	if doc.UserID == "" || doc.SessionID == "" {
		return newStoreError(TierDurable, "insert_one",
			fmt.Errorf("%w: document key requires user_id and session_id", ErrMalformedData))
	}

	query := s.dialect.rebind(`INSERT INTO ` + documentsTable + ` (user_id, session_id, document) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, doc.UserID, doc.SessionID, string(doc.Body)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s session %s", ErrConflict, doc.UserID, doc.SessionID)
		}
		return newStoreError(TierDurable, "insert_one", err)
	}
	return nil
}

// UpdateOne merges set into the body of the first matching document
func (s *SQLDocumentStore) UpdateOne(ctx context.Context, filter DocumentFilter, set map[string]interface{}) (int64, error) {
	if filter.isEmpty() {
		return 0, newStoreError(TierDurable, "update_one", errors.New("update requires a filter"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, newStoreError(TierDurable, "update_one", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	where, args := s.whereClause(filter)
	selectSQL := s.dialect.rebind(`SELECT id, document FROM ` + documentsTable + where + ` ORDER BY id LIMIT 1` + s.dialect.lockClause())

	var id int64
	var body string
	if err := tx.QueryRowContext(ctx, selectSQL, args...).Scan(&id, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, newStoreError(TierDurable, "update_one", err)
	}

	merged, err := mergeDocumentFields(body, set)
	if err != nil {
		return 0, newStoreError(TierDurable, "update_one", err)
	}

	updateSQL := s.dialect.rebind(`UPDATE ` + documentsTable + ` SET document = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, updateSQL, merged, id); err != nil {
		return 0, newStoreError(TierDurable, "update_one", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, newStoreError(TierDurable, "update_one", fmt.Errorf("failed to commit update: %w", err))
	}
	return 1, nil
}

// FindMany returns every matching document in insertion order
func (s *SQLDocumentStore) FindMany(ctx context.Context, filter DocumentFilter) ([]SessionDocument, error) {
	where, args := s.whereClause(filter)
	query := s.dialect.rebind(`SELECT user_id, session_id, document FROM ` + documentsTable + where + ` ORDER BY id`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStoreError(TierDurable, "find_many", err)
	}
	defer rows.Close()

	docs := make([]SessionDocument, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, newStoreError(TierDurable, "find_many", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError(TierDurable, "find_many", fmt.Errorf("error iterating document rows: %w", err))
	}
	return docs, nil
}

// FindOneAndDelete removes the first matching document and returns it
func (s *SQLDocumentStore) FindOneAndDelete(ctx context.Context, filter DocumentFilter) (*SessionDocument, error) {
	if filter.isEmpty() {
		return nil, newStoreError(TierDurable, "find_one_and_delete", errors.New("delete requires a filter"))
	}

	where, args := s.whereClause(filter)
	query := s.dialect.rebind(`DELETE FROM ` + documentsTable +
		` WHERE id = (SELECT id FROM ` + documentsTable + where + ` ORDER BY id LIMIT 1` + s.dialect.lockClause() + `)` +
		` RETURNING user_id, session_id, document`)

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, newStoreError(TierDurable, "find_one_and_delete", err)
	}
	return doc, nil
}

func (s *SQLDocumentStore) whereClause(filter DocumentFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*SessionDocument, error) {
	var doc SessionDocument
	var body string
	if err := row.Scan(&doc.UserID, &doc.SessionID, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	doc.Body = json.RawMessage(body)
	return &doc, nil
}

// mergeDocumentFields sets top-level keys of a JSON object. A body that is
// not an object is replaced by one holding only the new fields.
func mergeDocumentFields(body string, set map[string]interface{}) (string, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(body), &fields); err != nil || fields == nil {
		fields = make(map[string]json.RawMessage)
	}

	for k, v := range set {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal field %s: %w", k, err)
		}
		fields[k] = raw
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}
	return string(merged), nil
}
