package sessiontier

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrNotFound is returned when the requested session is absent from a tier.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Create when the cache-tier key is taken.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrConflict is returned when a durable document with the same
	// (user_id, session_id) already exists.
	ErrConflict = errors.New("session document already exists")

	// ErrNoData reports that a migration had nothing to move.
	ErrNoData = errors.New("no session data to migrate")

	// ErrMalformedData marks a field or record that could not be parsed.
	ErrMalformedData = errors.New("malformed session data")

	// ErrUnknownTask is returned when no handler is registered for a task name.
	ErrUnknownTask = errors.New("unknown task")

	// ErrNoTask is returned by TaskQueue.Claim when nothing is ready to run.
	ErrNoTask = errors.New("no task available")

	// ErrWrongType marks a cache key holding a list where a hash was
	// expected, or the reverse.
	ErrWrongType = errors.New("key holds the wrong kind of value")
)

// StoreErrorKind classifies a tier failure.
type StoreErrorKind string

const (
	StoreErrTimeout       StoreErrorKind = "timeout"
	StoreErrConnection    StoreErrorKind = "connection"
	StoreErrSerialization StoreErrorKind = "serialization"
	StoreErrOther         StoreErrorKind = "other"
)

// StoreError is the single error kind surfaced by both tier adapters and the
// task queue.
type StoreError struct {
	Tier Tier
	Op   string
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store %s failed (%s): %v", e.Tier, e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err wraps a *StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// newStoreError wraps err as a *StoreError, classifying it by kind. Sentinel
// errors of this package pass through untouched.
func newStoreError(tier Tier, op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrNotFound, ErrConflict, ErrNoTask} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Tier: tier, Op: op, Kind: classifyStoreError(err), Err: err}
}

func classifyStoreError(err error) StoreErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return StoreErrTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return StoreErrTimeout
		}
		return StoreErrConnection
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var unsupportedErr *json.UnsupportedTypeError
	var unsupportedVal *json.UnsupportedValueError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) ||
		errors.As(err, &unsupportedErr) || errors.As(err, &unsupportedVal) ||
		errors.Is(err, ErrMalformedData) {
		return StoreErrSerialization
	}

	if errors.Is(err, net.ErrClosed) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return StoreErrConnection
	}
	return StoreErrOther
}
