package sessiontier

import (
	"context"
	"encoding/json"
	"fmt"
)

// Task names of the migration handlers.
const (
	TaskMoveToDurable  = "sessions.move_to_durable"
	TaskRestoreToCache = "sessions.restore_to_cache"
)

// MigrationArgs are the arguments of both migration tasks.
type MigrationArgs struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

func (a MigrationArgs) validate() error {
	if a.UserID == "" || a.SessionID == "" {
		return fmt.Errorf("%w: migration task requires user_id and session_id", ErrMalformedData)
	}
	return nil
}

// RegisterMigrationTasks registers the migration handlers backed by repo.
// NoData completes the task with outcome "no_data"; only store failures are
// retried.
func RegisterMigrationTasks(runner *Runner, repo *SessionRepository) {
	runner.Register(TaskMoveToDurable, migrationHandler(repo.MigrateToDurable))
	runner.Register(TaskRestoreToCache, migrationHandler(repo.MigrateToCache))
}

type migrateFunc func(ctx context.Context, sessionID, userID string) (MigrationResult, error)

func migrationHandler(migrate migrateFunc) TaskHandler {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args MigrationArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("%w: migration task args: %v", ErrMalformedData, err)
		}
		if err := args.validate(); err != nil {
			return "", err
		}

		result, err := migrate(ctx, args.SessionID, args.UserID)
		if err != nil {
			return "", err
		}
		return string(result.Outcome), nil
	}
}
