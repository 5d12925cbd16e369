package sessiontier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryCacheStore is an in-process CacheStore. It holds hashes and lists in
// separate keyspaces guarded by one RWMutex.
type MemoryCacheStore struct {
	hashes map[string]map[string]string
	lists  map[string][]string
	mu     sync.RWMutex
}

// NewMemoryCacheStore creates a new instance of MemoryCacheStore
func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
	}
}

// HashGet returns a copy of the hash stored at key
func (s *MemoryCacheStore) HashGet(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, newStoreError(TierCache, "hgetall", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, isList := s.lists[key]; isList {
		return nil, wrongTypeError("hgetall", key)
	}

	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// HashSet merges fields into the hash stored at key
func (s *MemoryCacheStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return newStoreError(TierCache, "hset", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, isList := s.lists[key]; isList {
		return wrongTypeError("hset", key)
	}

	hash, exists := s.hashes[key]
	if !exists {
		hash = make(map[string]string, len(fields))
		s.hashes[key] = hash
	}
	for k, v := range fields {
		hash[k] = v
	}
	return nil
}

// HashSetNX sets field in the hash stored at key unless it is already present
func (s *MemoryCacheStore) HashSetNX(ctx context.Context, key, field, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, newStoreError(TierCache, "hsetnx", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, isList := s.lists[key]; isList {
		return false, wrongTypeError("hsetnx", key)
	}

	hash, exists := s.hashes[key]
	if !exists {
		hash = make(map[string]string, 1)
		s.hashes[key] = hash
	}
	if _, taken := hash[field]; taken {
		return false, nil
	}
	hash[field] = value
	return true, nil
}

// ListAppend appends values to the list stored at key
func (s *MemoryCacheStore) ListAppend(ctx context.Context, key string, values ...string) error {
	if err := ctx.Err(); err != nil {
		return newStoreError(TierCache, "rpush", err)
	}
	if len(values) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, isHash := s.hashes[key]; isHash {
		return wrongTypeError("rpush", key)
	}

	s.lists[key] = append(s.lists[key], values...)
	return nil
}

// ListRange returns a copy of the requested slice of the list stored at key
func (s *MemoryCacheStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, newStoreError(TierCache, "lrange", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, isHash := s.hashes[key]; isHash {
		return nil, wrongTypeError("lrange", key)
	}

	list := s.lists[key]
	from, to, ok := normalizeRange(int64(len(list)), start, stop)
	if !ok {
		return []string{}, nil
	}

	out := make([]string, to-from)
	copy(out, list[from:to])
	return out, nil
}

// Exists reports whether key holds a hash or a list
func (s *MemoryCacheStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, newStoreError(TierCache, "exists", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, isHash := s.hashes[key]
	_, isList := s.lists[key]
	return isHash || isList, nil
}

// Delete removes key from both keyspaces
func (s *MemoryCacheStore) Delete(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, newStoreError(TierCache, "del", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	if _, exists := s.hashes[key]; exists {
		delete(s.hashes, key)
		removed = 1
	}
	if _, exists := s.lists[key]; exists {
		delete(s.lists, key)
		removed = 1
	}
	return removed, nil
}

// ScanKeys returns the sorted keys starting with prefix
func (s *MemoryCacheStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, newStoreError(TierCache, "scan", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for k := range s.hashes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range s.lists {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Flush removes every key
func (s *MemoryCacheStore) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return newStoreError(TierCache, "flushdb", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.hashes = make(map[string]map[string]string)
	s.lists = make(map[string][]string)
	return nil
}

func wrongTypeError(op, key string) error {
	return &StoreError{
		Tier: TierCache,
		Op:   op,
		Kind: StoreErrOther,
		Err:  fmt.Errorf("%w: %s", ErrWrongType, key),
	}
}
