package sessiontier

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaharia-lab/sessiontier/observability"
)

// ErrInvalidArgument is returned for a missing id or an unsupported tier.
var ErrInvalidArgument = errors.New("invalid argument")

// TaskSubmitter queues tasks and reports their status. *Runner implements
// it; a process that only submits does not need to run workers.
type TaskSubmitter interface {
	Submit(ctx context.Context, name string, args interface{}) (string, error)
	Status(ctx context.Context, taskID string) (*Task, error)
}

// DeleteResult reports what DeleteSession removed.
type DeleteResult struct {
	CacheKeysRemoved int  `json:"cache_keys_removed"`
	DurableRemoved   bool `json:"durable_removed"`
}

// SessionService is the caller-facing session lifecycle API.
type SessionService struct {
	repo   *SessionRepository
	tasks  TaskSubmitter
	logger observability.Logger
}

// NewSessionService creates the service. tasks may be nil, in which case the
// Async operations and TaskStatus are unavailable.
func NewSessionService(repo *SessionRepository, tasks TaskSubmitter, logger observability.Logger) *SessionService {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &SessionService{
		repo:   repo,
		tasks:  tasks,
		logger: logger,
	}
}

// StartSession creates an active session in the cache tier. An empty
// sessionID is replaced with a generated one.
func (s *SessionService) StartSession(ctx context.Context, userID, sessionID string) (*ChatSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	return s.repo.Create(ctx, sessionID, userID)
}

// AppendMessages adds messages to an active session.
func (s *SessionService) AppendMessages(ctx context.Context, userID, sessionID string, msgs ...ChatMessage) error {
	if err := requireIDs(userID, sessionID); err != nil {
		return err
	}
	return s.repo.AppendMessages(ctx, sessionID, userID, msgs...)
}

// FetchSession reads a session from the given tier. TierAny tries the cache
// tier first.
func (s *SessionService) FetchSession(ctx context.Context, userID, sessionID string, tier Tier) (*ChatSession, error) {
	if err := requireIDs(userID, sessionID); err != nil {
		return nil, err
	}

	switch tier {
	case TierCache:
		return s.repo.FetchFromCache(ctx, sessionID, userID)
	case TierDurable:
		return s.repo.FetchFromDurable(ctx, sessionID, userID)
	case TierAny, "":
		session, err := s.repo.FetchFromCache(ctx, sessionID, userID)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return session, err
		}
		return s.repo.FetchFromDurable(ctx, sessionID, userID)
	default:
		return nil, fmt.Errorf("%w: tier %q", ErrInvalidArgument, tier)
	}
}

// StoreSession writes session to one tier. The cache write overwrites; the
// durable write inserts and falls back to updating the document of the same
// (user_id, session_id).
func (s *SessionService) StoreSession(ctx context.Context, session *ChatSession, tier Tier) error {
	if session == nil {
		return fmt.Errorf("%w: session is nil", ErrInvalidArgument)
	}
	if err := requireIDs(session.UserID, session.SessionID); err != nil {
		return err
	}

	switch tier {
	case TierCache:
		return s.repo.StoreToCache(ctx, session)
	case TierDurable:
		err := s.repo.StoreToDurable(ctx, session)
		if errors.Is(err, ErrConflict) {
			var extra map[string]interface{}
			if session.Status != "" {
				extra = map[string]interface{}{"status": session.Status}
			}
			filter := DocumentFilter{UserID: session.UserID, SessionID: session.SessionID}
			_, err = s.repo.updateDurable(ctx, filter, session, extra)
		}
		return err
	default:
		return fmt.Errorf("%w: cannot store to tier %q", ErrInvalidArgument, tier)
	}
}

// DeleteSession removes the user's session from one tier or, with TierAny,
// from both. Deleting from the durable tier alone fails with ErrNotFound when
// the user has no such document.
func (s *SessionService) DeleteSession(ctx context.Context, userID, sessionID string, tier Tier) (DeleteResult, error) {
	var result DeleteResult
	if err := requireIDs(userID, sessionID); err != nil {
		return result, err
	}

	if tier != TierCache && tier != TierDurable && tier != TierAny {
		return result, fmt.Errorf("%w: tier %q", ErrInvalidArgument, tier)
	}

	if tier == TierCache || tier == TierAny {
		n, err := s.repo.DeleteFromCache(ctx, sessionID, userID)
		if err != nil {
			return result, err
		}
		result.CacheKeysRemoved = n
	}

	if tier == TierDurable || tier == TierAny {
		_, err := s.repo.deleteFromDurable(ctx, DocumentFilter{UserID: userID, SessionID: sessionID})
		switch {
		case err == nil:
			result.DurableRemoved = true
		case errors.Is(err, ErrNotFound) && tier == TierAny:
		default:
			return result, err
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id":            userID,
		"session_id":         sessionID,
		"tier":               tier,
		"cache_keys_removed": result.CacheKeysRemoved,
		"durable_removed":    result.DurableRemoved,
	}).Info("session deleted")
	return result, nil
}

// ExpireSession migrates a session to the durable tier in the caller's
// goroutine.
func (s *SessionService) ExpireSession(ctx context.Context, userID, sessionID string) (MigrationResult, error) {
	if err := requireIDs(userID, sessionID); err != nil {
		return MigrationResult{}, err
	}
	return s.repo.MigrateToDurable(ctx, sessionID, userID)
}

// ExpireSessionAsync queues the migration to the durable tier and returns
// the task id.
func (s *SessionService) ExpireSessionAsync(ctx context.Context, userID, sessionID string) (string, error) {
	return s.submitMigration(ctx, TaskMoveToDurable, userID, sessionID)
}

// RestoreSession migrates a session back to the cache tier in the caller's
// goroutine.
func (s *SessionService) RestoreSession(ctx context.Context, userID, sessionID string) (MigrationResult, error) {
	if err := requireIDs(userID, sessionID); err != nil {
		return MigrationResult{}, err
	}
	return s.repo.MigrateToCache(ctx, sessionID, userID)
}

// RestoreSessionAsync queues the migration to the cache tier and returns the
// task id.
func (s *SessionService) RestoreSessionAsync(ctx context.Context, userID, sessionID string) (string, error) {
	return s.submitMigration(ctx, TaskRestoreToCache, userID, sessionID)
}

// ListSessionsForUser returns the user's sessions from both tiers.
func (s *SessionService) ListSessionsForUser(ctx context.Context, userID string) ([]ChatSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	return s.repo.ListAllForUser(ctx, userID)
}

// TaskStatus returns a queued task with its outcome or last error.
func (s *SessionService) TaskStatus(ctx context.Context, taskID string) (*Task, error) {
	if s.tasks == nil {
		return nil, errors.New("no task queue configured")
	}
	return s.tasks.Status(ctx, taskID)
}

// ClearCache flushes the whole cache tier.
func (s *SessionService) ClearCache(ctx context.Context) error {
	return s.repo.ClearCache(ctx)
}

func (s *SessionService) submitMigration(ctx context.Context, name, userID, sessionID string) (string, error) {
	if err := requireIDs(userID, sessionID); err != nil {
		return "", err
	}
	if s.tasks == nil {
		return "", errors.New("no task queue configured")
	}

	taskID, err := s.tasks.Submit(ctx, name, MigrationArgs{UserID: userID, SessionID: sessionID})
	if err != nil {
		return "", err
	}

	s.logger.WithFields(map[string]interface{}{
		"task_id":    taskID,
		"task_name":  name,
		"user_id":    userID,
		"session_id": sessionID,
	}).Info("migration task queued")
	return taskID, nil
}

func requireIDs(userID, sessionID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidArgument)
	}
	return nil
}
