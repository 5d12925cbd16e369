package sessiontier

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// sessionRecordVersion is the version written into new durable documents.
// Documents without schema_version are read as version 1.
const sessionRecordVersion = 1

// sessionRecordSchema describes version 1 of the durable session document.
const sessionRecordSchema = `{
	"type": "object",
	"required": ["session_id", "user_id"],
	"properties": {
		"schema_version": {"type": "integer", "minimum": 1},
		"session_id": {"type": "string"},
		"user_id": {"type": "string"},
		"chat_history": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"properties": {
					"content": {"type": ["string", "null"]},
					"type": {"type": ["string", "null"]},
					"additional_kwargs": {"type": ["object", "null"]},
					"response_metadata": {"type": ["object", "null"]},
					"name": {"type": ["string", "null"]},
					"id": {"type": ["string", "null"]},
					"example": {"type": ["boolean", "null"]},
					"tool_calls": {"type": ["array", "null"], "items": {"type": "object"}},
					"invalid_tool_calls": {"type": ["array", "null"], "items": {"type": "object"}},
					"usage_metadata": {"type": ["object", "null"]}
				}
			}
		},
		"created_at": {"type": "string"},
		"updated_at": {"type": "string"},
		"status": {"enum": ["active", "expired"]},
		"initial_message": {"type": ["string", "null"]}
	}
}`

var (
	recordSchemaOnce sync.Once
	recordSchema     *gojsonschema.Schema
	recordSchemaErr  error
)

func compiledRecordSchema() (*gojsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		recordSchema, recordSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(sessionRecordSchema))
	})
	return recordSchema, recordSchemaErr
}

// validateSessionRecord returns one description per schema violation.
func validateSessionRecord(body []byte) ([]string, error) {
	schema, err := compiledRecordSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile session record schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	if result.Valid() {
		return nil, nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}
	return issues, nil
}

// sessionRecord is the durable document written for a ChatSession.
type sessionRecord struct {
	SchemaVersion  int           `json:"schema_version"`
	SessionID      string        `json:"session_id"`
	UserID         string        `json:"user_id"`
	ChatHistory    []ChatMessage `json:"chat_history"`
	CreatedAt      string        `json:"created_at"`
	UpdatedAt      string        `json:"updated_at"`
	Status         SessionStatus `json:"status"`
	InitialMessage *string       `json:"initial_message"`
}

func encodeSessionDocument(session *ChatSession) (SessionDocument, error) {
	history := session.ChatHistory
	if history == nil {
		history = []ChatMessage{}
	}

	status := session.Status
	if status == "" {
		status = StatusExpired
	}

	body, err := json.Marshal(sessionRecord{
		SchemaVersion:  sessionRecordVersion,
		SessionID:      session.SessionID,
		UserID:         session.UserID,
		ChatHistory:    history,
		CreatedAt:      formatTimestamp(session.CreatedAt),
		UpdatedAt:      formatTimestamp(session.UpdatedAt),
		Status:         status,
		InitialMessage: session.InitialMessage,
	})
	if err != nil {
		return SessionDocument{}, fmt.Errorf("failed to marshal session record: %w", err)
	}

	return SessionDocument{
		UserID:    session.UserID,
		SessionID: session.SessionID,
		Body:      body,
	}, nil
}

// decodeSessionDocument reads a durable document field by field. Fields that
// fail to parse are replaced by defaults and reported in issues rather than
// failing the whole read: timestamps fall back to now, a missing status
// reads as expired and undecodable messages are dropped.
func decodeSessionDocument(doc SessionDocument, now time.Time) (*ChatSession, []string) {
	var issues []string

	schemaIssues, err := validateSessionRecord(doc.Body)
	if err != nil {
		issues = append(issues, err.Error())
	}
	issues = append(issues, schemaIssues...)

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(doc.Body, &fields); err != nil || fields == nil {
		issues = append(issues, fmt.Sprintf("document body is not an object: %v", err))
		fields = make(map[string]json.RawMessage)
	}

	session := &ChatSession{
		SessionID:   stringField(fields, "session_id", doc.SessionID),
		UserID:      stringField(fields, "user_id", doc.UserID),
		ChatHistory: []ChatMessage{},
		Status:      StatusExpired,
	}

	if raw, ok := fields["schema_version"]; ok {
		var version int
		if err := json.Unmarshal(raw, &version); err == nil && version > sessionRecordVersion {
			issues = append(issues, fmt.Sprintf("schema_version %d is newer than %d", version, sessionRecordVersion))
		}
	}

	if raw, ok := fields["chat_history"]; ok && !isJSONNull(raw) {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			issues = append(issues, fmt.Sprintf("chat_history is not a list: %v", err))
		}
		for i, item := range items {
			var m ChatMessage
			if err := json.Unmarshal(item, &m); err != nil {
				issues = append(issues, fmt.Sprintf("chat_history[%d] dropped: %v", i, err))
				continue
			}
			session.ChatHistory = append(session.ChatHistory, m)
		}
	}

	var issue string
	session.CreatedAt, issue = timestampField(fields, "created_at", now)
	if issue != "" {
		issues = append(issues, issue)
	}
	session.UpdatedAt, issue = timestampField(fields, "updated_at", now)
	if issue != "" {
		issues = append(issues, issue)
	}
	session.normalizeTimestamps()

	if status := SessionStatus(stringField(fields, "status", "")); status == StatusActive || status == StatusExpired {
		session.Status = status
	}

	if raw, ok := fields["initial_message"]; ok && !isJSONNull(raw) {
		var msg string
		if err := json.Unmarshal(raw, &msg); err == nil {
			session.InitialMessage = &msg
		}
	}

	return session, issues
}

func stringField(fields map[string]json.RawMessage, key, fallback string) string {
	raw, ok := fields[key]
	if !ok {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return fallback
	}
	return s
}

func timestampField(fields map[string]json.RawMessage, key string, now time.Time) (time.Time, string) {
	raw, ok := fields[key]
	if !ok || isJSONNull(raw) {
		return now, ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return now, fmt.Sprintf("%s is not a string", key)
	}
	t, err := parseTimestamp(s)
	if err != nil {
		return now, fmt.Sprintf("%s %q: %v", key, s, err)
	}
	return t, ""
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// timestampLayouts are accepted on read. The zone-less layouts match
// ISO-8601 values written without an offset, which are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp", ErrMalformedData)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
