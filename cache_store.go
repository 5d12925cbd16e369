package sessiontier

import (
	"context"
	"strings"
)

// messageStorePrefix prefixes the cache-tier key holding a session's
// message list.
const messageStorePrefix = "message_store:"

// CacheStore is the low-latency tier. Implementations return *StoreError for
// every failure and carry no session logic.
type CacheStore interface {
	// HashGet returns all fields of the hash at key; an absent key yields an
	// empty map.
	HashGet(ctx context.Context, key string) (map[string]string, error)

	// HashSet writes fields into the hash at key, creating it if needed.
	// Fields not named in fields are left untouched.
	HashSet(ctx context.Context, key string, fields map[string]string) error

	// HashSetNX sets field only if it is absent from the hash at key and
	// reports whether it was set.
	HashSetNX(ctx context.Context, key, field, value string) (bool, error)

	// ListAppend appends values to the tail of the list at key.
	ListAppend(ctx context.Context, key string, values ...string) error

	// ListRange returns list elements between start and stop inclusive;
	// negative indexes count from the tail as in Redis LRANGE.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key and reports how many keys were removed (0 or 1).
	Delete(ctx context.Context, key string) (int64, error)

	// ScanKeys returns every key starting with prefix.
	ScanKeys(ctx context.Context, prefix string) ([]string, error)

	// Flush removes every key of the store.
	Flush(ctx context.Context) error
}

// SessionKey is the cache-tier key of a session's metadata hash.
func SessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// MessageListKey is the cache-tier key of a session's message list.
func MessageListKey(userID, sessionID string) string {
	return messageStorePrefix + SessionKey(userID, sessionID)
}

func isMessageListKey(key string) bool {
	return strings.HasPrefix(key, messageStorePrefix)
}

// normalizeRange resolves Redis-style inclusive indexes against a list of
// length n. ok is false when the range selects nothing.
func normalizeRange(n, start, stop int64) (from, to int64, ok bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}
