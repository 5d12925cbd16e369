package sessiontier

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionDocument_RoundTrip(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC)
	session := &ChatSession{
		SessionID:      "s1",
		UserID:         "u1",
		ChatHistory:    sampleMessages(),
		CreatedAt:      created,
		UpdatedAt:      created.Add(time.Minute),
		Status:         StatusExpired,
		InitialMessage: StringPtr(DefaultInitialMessage),
	}

	doc, err := encodeSessionDocument(session)
	require.NoError(t, err)
	assert.Equal(t, "u1", doc.UserID)
	assert.Equal(t, "s1", doc.SessionID)

	got, issues := decodeSessionDocument(doc, time.Now())
	assert.Empty(t, issues)
	assert.Equal(t, session, got)
}

func TestEncodeSessionDocument_Defaults(t *testing.T) {
	doc, err := encodeSessionDocument(&ChatSession{SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(doc.Body, &body))
	assert.Equal(t, float64(sessionRecordVersion), body["schema_version"])
	assert.Equal(t, "expired", body["status"])
	assert.Equal(t, []interface{}{}, body["chat_history"])
}

func TestDecodeSessionDocument_Normalization(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name       string
		body       string
		wantIssues bool
		check      func(t *testing.T, s *ChatSession)
	}{
		{
			name: "missing status reads as expired",
			body: `{"session_id":"s1","user_id":"u1","created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}`,
			check: func(t *testing.T, s *ChatSession) {
				assert.Equal(t, StatusExpired, s.Status)
				assert.Empty(t, s.ChatHistory)
				assert.NotNil(t, s.ChatHistory)
			},
		},
		{
			name:       "malformed created_at falls back to now",
			body:       `{"session_id":"s1","user_id":"u1","created_at":"yesterday","updated_at":"2024-01-01T00:00:00Z","status":"active"}`,
			wantIssues: true,
			check: func(t *testing.T, s *ChatSession) {
				assert.Equal(t, now, s.CreatedAt)
				assert.Equal(t, now, s.UpdatedAt, "updated_at is raised to created_at")
				assert.Equal(t, StatusActive, s.Status)
			},
		},
		{
			name: "missing timestamps are now",
			body: `{"session_id":"s1","user_id":"u1"}`,
			check: func(t *testing.T, s *ChatSession) {
				assert.Equal(t, now, s.CreatedAt)
				assert.Equal(t, now, s.UpdatedAt)
			},
		},
		{
			name: "zone-less timestamps are utc",
			body: `{"session_id":"s1","user_id":"u1","created_at":"2024-05-06T07:08:09.5","updated_at":"2024-05-06 07:08:10"}`,
			check: func(t *testing.T, s *ChatSession) {
				assert.Equal(t, time.Date(2024, 5, 6, 7, 8, 9, 500000000, time.UTC), s.CreatedAt)
				assert.Equal(t, time.Date(2024, 5, 6, 7, 8, 10, 0, time.UTC), s.UpdatedAt)
			},
		},
		{
			name:       "numeric timestamp is malformed",
			body:       `{"session_id":"s1","user_id":"u1","created_at":1700000000}`,
			wantIssues: true,
			check: func(t *testing.T, s *ChatSession) {
				assert.Equal(t, now, s.CreatedAt)
			},
		},
		{
			name:       "bad message is dropped",
			body:       `{"session_id":"s1","user_id":"u1","chat_history":[{"type":"human","content":"ok"},{"type":"ai","content":42},{"type":"ai","content":"fine"}]}`,
			wantIssues: true,
			check: func(t *testing.T, s *ChatSession) {
				require.Len(t, s.ChatHistory, 2)
				assert.Equal(t, "ok", *s.ChatHistory[0].Content)
				assert.Equal(t, "fine", *s.ChatHistory[1].Content)
			},
		},
		{
			name:       "unknown status reads as expired",
			body:       `{"session_id":"s1","user_id":"u1","status":"archived"}`,
			wantIssues: true,
			check: func(t *testing.T, s *ChatSession) {
				assert.Equal(t, StatusExpired, s.Status)
			},
		},
		{
			name:       "ids fall back to indexed columns",
			body:       `{"chat_history":null}`,
			wantIssues: true,
			check: func(t *testing.T, s *ChatSession) {
				assert.Equal(t, "s1", s.SessionID)
				assert.Equal(t, "u1", s.UserID)
			},
		},
		{
			name:       "body is not an object",
			body:       `"garbage"`,
			wantIssues: true,
			check: func(t *testing.T, s *ChatSession) {
				assert.Equal(t, "s1", s.SessionID)
				assert.Equal(t, StatusExpired, s.Status)
			},
		},
		{
			name:       "newer schema version is reported",
			body:       `{"schema_version":2,"session_id":"s1","user_id":"u1"}`,
			wantIssues: true,
			check: func(t *testing.T, s *ChatSession) {
				assert.Equal(t, "s1", s.SessionID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := SessionDocument{UserID: "u1", SessionID: "s1", Body: json.RawMessage(tt.body)}
			session, issues := decodeSessionDocument(doc, now)
			require.NotNil(t, session)
			if tt.wantIssues {
				assert.NotEmpty(t, issues)
			} else {
				assert.Empty(t, issues)
			}
			tt.check(t, session)
			assert.False(t, session.UpdatedAt.Before(session.CreatedAt))
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2024-01-02T03:04:05Z", want: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{in: "2024-01-02T05:04:05+02:00", want: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{in: "2024-01-02T03:04:05.123456", want: time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC)},
		{in: "", wantErr: true},
		{in: "02/01/2024", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTimestamp(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedData)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got))
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}
