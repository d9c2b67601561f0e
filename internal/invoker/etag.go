package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResponse is a GET result kept for revalidation with If-None-Match.
type CachedResponse struct {
	ETag string `json:"etag"`
	Data any    `json:"data"`
}

// ETagStore keeps the last successful response of GET operations keyed by
// their request URL.
type ETagStore interface {
	Get(ctx context.Context, key string) (CachedResponse, bool, error)
	Set(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error
}

// FormatETagKey builds the standard cache key for a request URL.
func FormatETagKey(requestURL string) string {
	return "qset:etag:" + requestURL
}

// --- MemoryETagStore ---

// MemoryETagStore is an in-memory ETagStore with TTL support and an upper
// bound on entries. The entry closest to expiry is evicted when full.
type MemoryETagStore struct {
	mu         sync.RWMutex
	entries    map[string]*memEntry
	maxEntries int
}

type memEntry struct {
	data      CachedResponse
	expiresAt time.Time
}

// NewMemoryETagStore creates a new in-memory store. maxEntries <= 0 means
// unbounded.
func NewMemoryETagStore(maxEntries int) *MemoryETagStore {
	return &MemoryETagStore{
		entries:    make(map[string]*memEntry),
		maxEntries: maxEntries,
	}
}

// Get looks up a cached response.
func (s *MemoryETagStore) Get(_ context.Context, key string) (CachedResponse, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return CachedResponse{}, false, nil
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return CachedResponse{}, false, nil
	}

	return entry.data, true, nil
}

// Set stores a response. ttl <= 0 keeps it until evicted.
func (s *MemoryETagStore) Set(_ context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOne()
	}

	entry := &memEntry{data: resp}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryETagStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryETagStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// evictOne removes the entry closest to expiry. Must be called with lock held.
func (s *MemoryETagStore) evictOne() {
	var (
		victim string
		oldest time.Time
	)
	for key, entry := range s.entries {
		if victim == "" || entry.expiresAt.Before(oldest) {
			victim, oldest = key, entry.expiresAt
		}
	}
	delete(s.entries, victim)
}

// --- RedisETagStore ---

// RedisETagStore is a Redis-backed ETagStore with TTL.
type RedisETagStore struct {
	client redis.Cmdable
}

// NewRedisETagStore creates a new Redis-backed store.
func NewRedisETagStore(client redis.Cmdable) *RedisETagStore {
	return &RedisETagStore{client: client}
}

// Get looks up a cached response in Redis.
func (s *RedisETagStore) Get(ctx context.Context, key string) (CachedResponse, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedResponse{}, false, nil
	}
	if err != nil {
		return CachedResponse{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry CachedResponse
	if err := json.Unmarshal(raw, &entry); err != nil {
		return CachedResponse{}, false, fmt.Errorf("unmarshal etag entry %q: %w", key, err)
	}
	return entry, true, nil
}

// Set saves a response in Redis with TTL.
func (s *RedisETagStore) Set(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal etag entry: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisETagStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
