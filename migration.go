package sessiontier

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// MigrationDirection names the tier a migration moves a session to.
type MigrationDirection string

const (
	ToDurable MigrationDirection = "to_durable"
	ToCache   MigrationDirection = "to_cache"
)

// MigrationOutcome distinguishes a performed migration from a no-op.
type MigrationOutcome string

const (
	OutcomeMigrated MigrationOutcome = "migrated"
	OutcomeNoData   MigrationOutcome = "no_data"
)

// MigrationResult describes one migration call.
type MigrationResult struct {
	UserID       string             `json:"user_id"`
	SessionID    string             `json:"session_id"`
	Direction    MigrationDirection `json:"direction"`
	Outcome      MigrationOutcome   `json:"outcome"`
	MessageCount int                `json:"message_count"`

	// Inserted is true when MigrateToDurable created the document and false
	// when it updated an existing one.
	Inserted bool `json:"inserted,omitempty"`

	// CacheCleared is false when the durable write succeeded but removing
	// the cache copy did not. A later migration reconciles the duplicate.
	CacheCleared bool `json:"cache_cleared,omitempty"`
}

// Err returns ErrNoData for a no-op migration and nil otherwise.
func (r MigrationResult) Err() error {
	if r.Outcome == OutcomeNoData {
		return fmt.Errorf("%w: %s session %s for user %s", ErrNoData, r.Direction, r.SessionID, r.UserID)
	}
	return nil
}

// MigrateToDurable moves a session from the cache tier to the durable tier
// and marks it expired. The durable write happens before the cache delete,
// so a failure in between leaves a duplicate rather than losing data; running
// the migration again updates the existing document and retries the delete.
func (r *SessionRepository) MigrateToDurable(ctx context.Context, sessionID, userID string) (result MigrationResult, err error) {
	ctx, span := r.startSpan(ctx, "SessionRepository.MigrateToDurable", sessionID, userID)
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
		endSpan(span, err)
	}()

	result = MigrationResult{UserID: userID, SessionID: sessionID, Direction: ToDurable}
	logger := r.logger.WithFields(map[string]interface{}{
		"user_id":    userID,
		"session_id": sessionID,
		"direction":  ToDurable,
	})

	session, err := r.FetchFromCache(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			result.Outcome = OutcomeNoData
			logger.Info("no cached session to migrate")
			return result, nil
		}
		return result, err
	}
	session.Status = StatusExpired
	result.MessageCount = len(session.ChatHistory)

	filter := DocumentFilter{UserID: userID, SessionID: sessionID}
	statusField := map[string]interface{}{"status": StatusExpired}

	_, err = r.FetchFromDurable(ctx, sessionID, userID)
	switch {
	case err == nil:
		if _, err = r.updateDurable(ctx, filter, session, statusField); err != nil {
			return result, err
		}
	case errors.Is(err, ErrNotFound):
		err = r.StoreToDurable(ctx, session)
		if errors.Is(err, ErrConflict) {
			// Another delivery of this migration inserted first.
			_, err = r.updateDurable(ctx, filter, session, statusField)
		} else if err == nil {
			result.Inserted = true
		}
		if err != nil {
			return result, err
		}
	default:
		return result, err
	}
	result.Outcome = OutcomeMigrated

	if _, delErr := r.DeleteFromCache(ctx, sessionID, userID); delErr != nil {
		logger.WithErr(delErr).Warn("session stored durably but cache copy was not removed")
	} else {
		result.CacheCleared = true
	}

	logger.WithFields(map[string]interface{}{
		"messages": result.MessageCount,
		"inserted": result.Inserted,
	}).Info("session migrated to durable store")
	return result, nil
}

// MigrateToCache restores a durable session into the cache tier as active.
// StoreToCache overwrites any partial cache state. The durable document is
// kept; the next MigrateToDurable updates it in place.
func (r *SessionRepository) MigrateToCache(ctx context.Context, sessionID, userID string) (result MigrationResult, err error) {
	ctx, span := r.startSpan(ctx, "SessionRepository.MigrateToCache", sessionID, userID)
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
		endSpan(span, err)
	}()

	result = MigrationResult{UserID: userID, SessionID: sessionID, Direction: ToCache}
	logger := r.logger.WithFields(map[string]interface{}{
		"user_id":    userID,
		"session_id": sessionID,
		"direction":  ToCache,
	})

	session, err := r.FetchFromDurable(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			result.Outcome = OutcomeNoData
			logger.Info("no durable session to restore")
			return result, nil
		}
		return result, err
	}

	session.Status = StatusActive
	session.UpdatedAt = r.now()
	if err = r.StoreToCache(ctx, session); err != nil {
		return result, err
	}

	result.Outcome = OutcomeMigrated
	result.MessageCount = len(session.ChatHistory)
	logger.WithFields(map[string]interface{}{"messages": result.MessageCount}).Info("session restored to cache")
	return result, nil
}
