package sessiontier

import (
	"time"
)

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	StatusActive  SessionStatus = "active"
	StatusExpired SessionStatus = "expired"
)

// Tier names one of the two storage backends.
type Tier string

const (
	TierCache   Tier = "cache"
	TierDurable Tier = "durable"
	// TierAny reads the cache tier first and falls back to the durable tier.
	TierAny Tier = "any"
)

// DefaultInitialMessage is stored on sessions created by StartSession.
const DefaultInitialMessage = "User initiated a chat session."

// ChatMessage is a single entry of a session's chat history.
//
// Optional scalars are pointers so that an absent value and a zero value
// stay distinguishable after a round trip through either tier. Map values
// must be JSON scalars (string, float64, bool or nil).
type ChatMessage struct {
	Content          *string                  `json:"content"`
	Type             string                   `json:"type"`
	AdditionalKwargs map[string]interface{}   `json:"additional_kwargs"`
	ResponseMetadata map[string]interface{}   `json:"response_metadata"`
	Name             *string                  `json:"name"`
	ID               *string                  `json:"id"`
	Example          *bool                    `json:"example"`
	ToolCalls        []map[string]interface{} `json:"tool_calls"`
	InvalidToolCalls []map[string]interface{} `json:"invalid_tool_calls"`
	UsageMetadata    map[string]interface{}   `json:"usage_metadata"`
}

// ChatSession is a conversation identified by (UserID, SessionID).
type ChatSession struct {
	SessionID      string        `json:"session_id"`
	UserID         string        `json:"user_id"`
	ChatHistory    []ChatMessage `json:"chat_history"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Status         SessionStatus `json:"status"`
	InitialMessage *string       `json:"initial_message,omitempty"`
}

// NewChatSession returns an active session with both timestamps set to now.
func NewChatSession(sessionID, userID string) *ChatSession {
	now := time.Now().UTC()
	return &ChatSession{
		SessionID:   sessionID,
		UserID:      userID,
		ChatHistory: []ChatMessage{},
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      StatusActive,
	}
}

// normalizeTimestamps keeps UpdatedAt >= CreatedAt and both in UTC.
func (s *ChatSession) normalizeTimestamps() {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	if s.UpdatedAt.Before(s.CreatedAt) {
		s.UpdatedAt = s.CreatedAt
	}
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }
