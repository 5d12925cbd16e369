package sessiontier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shaharia-lab/sessiontier/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Metadata hash fields of a cache-tier session.
const (
	fieldSessionID      = "session_id"
	fieldUserID         = "user_id"
	fieldCreatedAt      = "created_at"
	fieldUpdatedAt      = "updated_at"
	fieldStatus         = "status"
	fieldInitialMessage = "initial_message"
)

// SessionRepository reads, writes and migrates sessions across the cache and
// durable tiers. It holds no locks: concurrent writers to the same session
// race last-writer-wins, and only the migrations are idempotent.
type SessionRepository struct {
	cache  CacheStore
	docs   DocumentStore
	logger observability.Logger
	now    func() time.Time
}

// NewSessionRepository wires the repository to both tiers.
func NewSessionRepository(cache CacheStore, docs DocumentStore, logger observability.Logger) *SessionRepository {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &SessionRepository{
		cache:  cache,
		docs:   docs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create writes the metadata of a new active session to the cache tier and
// clears any stale message list under the same key. The session_id field is
// claimed with HSETNX so concurrent creates of one key cannot both succeed.
func (r *SessionRepository) Create(ctx context.Context, sessionID, userID string) (_ *ChatSession, err error) {
	ctx, span := r.startSpan(ctx, "SessionRepository.Create", sessionID, userID)
	defer func() { endSpan(span, err) }()

	key := SessionKey(userID, sessionID)
	exists, err := r.cache.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check session key: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: session %s for user %s", ErrAlreadyExists, sessionID, userID)
	}

	claimed, err := r.cache.HashSetNX(ctx, key, fieldSessionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim session key: %w", err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: session %s for user %s", ErrAlreadyExists, sessionID, userID)
	}

	now := r.now()
	session := &ChatSession{
		SessionID:      sessionID,
		UserID:         userID,
		ChatHistory:    []ChatMessage{},
		CreatedAt:      now,
		UpdatedAt:      now,
		Status:         StatusActive,
		InitialMessage: StringPtr(DefaultInitialMessage),
	}

	if err := r.cache.HashSet(ctx, key, sessionMetadata(session)); err != nil {
		return nil, fmt.Errorf("failed to write session metadata: %w", err)
	}
	if _, err := r.cache.Delete(ctx, MessageListKey(userID, sessionID)); err != nil {
		return nil, fmt.Errorf("failed to clear stale message list: %w", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"user_id":    userID,
		"session_id": sessionID,
	}).Info("session created")
	return session, nil
}

// AppendMessages adds messages to the tail of an active session's message
// list and bumps its updated_at.
func (r *SessionRepository) AppendMessages(ctx context.Context, sessionID, userID string, msgs ...ChatMessage) (err error) {
	ctx, span := r.startSpan(ctx, "SessionRepository.AppendMessages", sessionID, userID)
	span.SetAttributes(attribute.Int("message_count", len(msgs)))
	defer func() { endSpan(span, err) }()

	key := SessionKey(userID, sessionID)
	exists, err := r.cache.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check session key: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: session %s for user %s", ErrNotFound, sessionID, userID)
	}

	encoded, err := encodeMessages(msgs)
	if err != nil {
		return newStoreError(TierCache, "encode", err)
	}
	if err := r.cache.ListAppend(ctx, MessageListKey(userID, sessionID), encoded...); err != nil {
		return fmt.Errorf("failed to append messages: %w", err)
	}
	if err := r.cache.HashSet(ctx, key, map[string]string{fieldUpdatedAt: formatTimestamp(r.now())}); err != nil {
		return fmt.Errorf("failed to bump updated_at: %w", err)
	}
	return nil
}

// FetchFromCache returns the session and its messages from the cache tier.
// A message list without a metadata hash is not a session.
func (r *SessionRepository) FetchFromCache(ctx context.Context, sessionID, userID string) (_ *ChatSession, err error) {
	ctx, span := r.startSpan(ctx, "SessionRepository.FetchFromCache", sessionID, userID)
	defer func() { endSpan(span, err) }()

	return r.fetchFromCache(ctx, SessionKey(userID, sessionID), sessionID, userID)
}

func (r *SessionRepository) fetchFromCache(ctx context.Context, key, sessionID, userID string) (*ChatSession, error) {
	fields, err := r.cache.HashGet(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: session %s for user %s in cache", ErrNotFound, sessionID, userID)
	}

	session := r.sessionFromMetadata(fields, sessionID, userID)

	history, err := r.readMessages(ctx, session.UserID, session.SessionID)
	if err != nil {
		return nil, err
	}
	session.ChatHistory = history
	return session, nil
}

func (r *SessionRepository) readMessages(ctx context.Context, userID, sessionID string) ([]ChatMessage, error) {
	key := MessageListKey(userID, sessionID)
	raw, err := r.cache.ListRange(ctx, key, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to read message list: %w", err)
	}

	history := make([]ChatMessage, 0, len(raw))
	for i, item := range raw {
		msg, err := DecodeMessage(item)
		if err != nil {
			r.logger.WithFields(map[string]interface{}{
				"key":   key,
				"index": i,
			}).WithErr(err).Warn("dropping undecodable cached message")
			continue
		}
		history = append(history, msg)
	}
	return history, nil
}

// StoreToCache overwrites both the message list and the metadata hash of
// session. The list is deleted and rewritten, so repeated calls with the same
// value leave the same state.
func (r *SessionRepository) StoreToCache(ctx context.Context, session *ChatSession) (err error) {
	ctx, span := r.startSpan(ctx, "SessionRepository.StoreToCache", session.SessionID, session.UserID)
	span.SetAttributes(attribute.Int("message_count", len(session.ChatHistory)))
	defer func() { endSpan(span, err) }()

	s := *session
	s.normalizeTimestamps()
	if s.Status == "" {
		s.Status = StatusActive
	}

	encoded, err := encodeMessages(s.ChatHistory)
	if err != nil {
		return newStoreError(TierCache, "encode", err)
	}

	listKey := MessageListKey(s.UserID, s.SessionID)
	if _, err := r.cache.Delete(ctx, listKey); err != nil {
		return fmt.Errorf("failed to clear message list: %w", err)
	}
	if err := r.cache.ListAppend(ctx, listKey, encoded...); err != nil {
		return fmt.Errorf("failed to write message list: %w", err)
	}
	key := SessionKey(s.UserID, s.SessionID)
	if _, err := r.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to clear session metadata: %w", err)
	}
	if err := r.cache.HashSet(ctx, key, sessionMetadata(&s)); err != nil {
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	return nil
}

// DeleteFromCache removes the metadata hash and the message list and reports
// how many of the two existed.
func (r *SessionRepository) DeleteFromCache(ctx context.Context, sessionID, userID string) (_ int, err error) {
	ctx, span := r.startSpan(ctx, "SessionRepository.DeleteFromCache", sessionID, userID)
	defer func() { endSpan(span, err) }()

	metaRemoved, err := r.cache.Delete(ctx, SessionKey(userID, sessionID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete session metadata: %w", err)
	}
	listRemoved, err := r.cache.Delete(ctx, MessageListKey(userID, sessionID))
	if err != nil {
		return int(metaRemoved), fmt.Errorf("failed to delete message list: %w", err)
	}

	found := int(metaRemoved + listRemoved)
	r.logger.WithFields(map[string]interface{}{
		"user_id":    userID,
		"session_id": sessionID,
		"found":      found,
	}).Debug("cache session deleted")
	return found, nil
}

// FetchFromDurable returns the durable document for (userID, sessionID),
// normalizing malformed fields instead of failing.
func (r *SessionRepository) FetchFromDurable(ctx context.Context, sessionID, userID string) (_ *ChatSession, err error) {
	ctx, span := r.startSpan(ctx, "SessionRepository.FetchFromDurable", sessionID, userID)
	defer func() { endSpan(span, err) }()

	doc, err := r.docs.FindOne(ctx, DocumentFilter{UserID: userID, SessionID: sessionID})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s for user %s in durable store", ErrNotFound, sessionID, userID)
		}
		return nil, fmt.Errorf("failed to find session document: %w", err)
	}
	return r.decodeDocument(*doc), nil
}

// StoreToDurable inserts session as a new document. It fails with
// ErrConflict when the document exists; use UpdateDurable to modify it.
func (r *SessionRepository) StoreToDurable(ctx context.Context, session *ChatSession) (err error) {
	ctx, span := r.startSpan(ctx, "SessionRepository.StoreToDurable", session.SessionID, session.UserID)
	span.SetAttributes(attribute.Int("message_count", len(session.ChatHistory)))
	defer func() { endSpan(span, err) }()

	s := *session
	s.normalizeTimestamps()

	doc, err := encodeSessionDocument(&s)
	if err != nil {
		return newStoreError(TierDurable, "encode", err)
	}
	if err := r.docs.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert session document: %w", err)
	}
	return nil
}

// UpdateDurable replaces the chat history of the document matched by
// session_id, bumps its updated_at and returns the updated session.
func (r *SessionRepository) UpdateDurable(ctx context.Context, session *ChatSession) (_ *ChatSession, err error) {
	ctx, span := r.startSpan(ctx, "SessionRepository.UpdateDurable", session.SessionID, session.UserID)
	span.SetAttributes(attribute.Int("message_count", len(session.ChatHistory)))
	defer func() { endSpan(span, err) }()

	return r.updateDurable(ctx, DocumentFilter{SessionID: session.SessionID}, session, nil)
}

func (r *SessionRepository) updateDurable(ctx context.Context, filter DocumentFilter, session *ChatSession, extra map[string]interface{}) (*ChatSession, error) {
	history := session.ChatHistory
	if history == nil {
		history = []ChatMessage{}
	}

	set := map[string]interface{}{
		"chat_history": history,
		"updated_at":   formatTimestamp(r.now()),
	}
	for k, v := range extra {
		set[k] = v
	}

	matched, err := r.docs.UpdateOne(ctx, filter, set)
	if err != nil {
		return nil, fmt.Errorf("failed to update session document: %w", err)
	}
	if matched == 0 {
		return nil, fmt.Errorf("%w: session %s in durable store", ErrNotFound, session.SessionID)
	}

	doc, err := r.docs.FindOne(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to read updated session document: %w", err)
	}
	return r.decodeDocument(*doc), nil
}

// DeleteFromDurable removes the document matched by session_id and returns
// it.
func (r *SessionRepository) DeleteFromDurable(ctx context.Context, sessionID string) (_ *ChatSession, err error) {
	ctx, span := r.startSpan(ctx, "SessionRepository.DeleteFromDurable", sessionID, "")
	defer func() { endSpan(span, err) }()

	return r.deleteFromDurable(ctx, DocumentFilter{SessionID: sessionID})
}

func (r *SessionRepository) deleteFromDurable(ctx context.Context, filter DocumentFilter) (*ChatSession, error) {
	doc, err := r.docs.FindOneAndDelete(ctx, filter)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s in durable store", ErrNotFound, filter.SessionID)
		}
		return nil, fmt.Errorf("failed to delete session document: %w", err)
	}
	return r.decodeDocument(*doc), nil
}

// ListAllForUser merges the user's cache-tier sessions with their durable
// documents. Sessions are not deduplicated: one caught mid-migration can
// appear once from each tier.
func (r *SessionRepository) ListAllForUser(ctx context.Context, userID string) (_ []ChatSession, err error) {
	ctx, span := r.startSpan(ctx, "SessionRepository.ListAllForUser", "", userID)
	defer func() { endSpan(span, err) }()

	prefix := userID + ":"
	keys, err := r.cache.ScanKeys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache sessions: %w", err)
	}

	sessions := make([]ChatSession, 0, len(keys))
	for _, key := range keys {
		if isMessageListKey(key) {
			continue
		}

		session, err := r.fetchFromCache(ctx, key, strings.TrimPrefix(key, prefix), userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if errors.Is(err, ErrWrongType) {
				r.logger.WithFields(map[string]interface{}{
					"user_id": userID,
					"key":     key,
				}).WithErr(err).Warn("skipping cache key that is not a session")
				continue
			}
			return nil, err
		}
		// A user id containing ':' shares its prefix with other users.
		if session.UserID != userID {
			continue
		}
		sessions = append(sessions, *session)
	}
	cached := len(sessions)

	docs, err := r.docs.FindMany(ctx, DocumentFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to find durable sessions: %w", err)
	}
	for _, doc := range docs {
		sessions = append(sessions, *r.decodeDocument(doc))
	}

	span.SetAttributes(
		attribute.Int("cache_sessions", cached),
		attribute.Int("durable_sessions", len(docs)),
	)
	return sessions, nil
}

// ClearCache removes every key of the cache tier.
func (r *SessionRepository) ClearCache(ctx context.Context) error {
	if err := r.cache.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush cache: %w", err)
	}
	r.logger.Warn("cache tier flushed")
	return nil
}

func (r *SessionRepository) decodeDocument(doc SessionDocument) *ChatSession {
	session, issues := decodeSessionDocument(doc, r.now())
	if len(issues) > 0 {
		r.logger.WithFields(map[string]interface{}{
			"user_id":    doc.UserID,
			"session_id": doc.SessionID,
			"issues":     issues,
		}).Warn("normalized malformed session document")
	}
	return session
}

func (r *SessionRepository) sessionFromMetadata(fields map[string]string, sessionID, userID string) *ChatSession {
	session := &ChatSession{
		SessionID: sessionID,
		UserID:    userID,
		Status:    StatusActive,
	}
	if v := fields[fieldSessionID]; v != "" {
		session.SessionID = v
	}
	if v := fields[fieldUserID]; v != "" {
		session.UserID = v
	}
	if v := fields[fieldStatus]; v == string(StatusActive) || v == string(StatusExpired) {
		session.Status = SessionStatus(v)
	}
	if v, ok := fields[fieldInitialMessage]; ok {
		session.InitialMessage = StringPtr(v)
	}

	now := r.now()
	session.CreatedAt = r.metadataTimestamp(fields, fieldCreatedAt, session, now)
	session.UpdatedAt = r.metadataTimestamp(fields, fieldUpdatedAt, session, now)
	session.normalizeTimestamps()
	return session
}

func (r *SessionRepository) metadataTimestamp(fields map[string]string, field string, session *ChatSession, now time.Time) time.Time {
	v, ok := fields[field]
	if !ok {
		return now
	}
	t, err := parseTimestamp(v)
	if err != nil {
		r.logger.WithFields(map[string]interface{}{
			"user_id":    session.UserID,
			"session_id": session.SessionID,
			"field":      field,
			"value":      v,
		}).Warn("substituting current time for malformed timestamp")
		return now
	}
	return t
}

func sessionMetadata(s *ChatSession) map[string]string {
	fields := map[string]string{
		fieldSessionID: s.SessionID,
		fieldUserID:    s.UserID,
		fieldCreatedAt: formatTimestamp(s.CreatedAt),
		fieldUpdatedAt: formatTimestamp(s.UpdatedAt),
		fieldStatus:    string(s.Status),
	}
	if s.InitialMessage != nil {
		fields[fieldInitialMessage] = *s.InitialMessage
	}
	return fields
}

func (r *SessionRepository) startSpan(ctx context.Context, name, sessionID, userID string) (context.Context, trace.Span) {
	ctx, span := observability.StartSpan(ctx, name)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("user_id", userID),
	)
	return ctx, span
}

// endSpan treats a missing session as a normal outcome rather than a span
// error.
func endSpan(span trace.Span, err error) {
	if errors.Is(err, ErrNotFound) {
		span.SetAttributes(attribute.Bool("not_found", true))
		err = nil
	}
	observability.EndSpan(span, err)
}
