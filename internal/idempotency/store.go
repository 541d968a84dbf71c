// Package idempotency stores responses to mutating requests so that a repeated
// X-Idempotency-Key replays the first outcome instead of re-running it.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/pmisflow/model"
)

// Response is a recorded HTTP response.
type Response struct {
	Status      int             `json:"status"`
	ContentType string          `json:"content_type,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Store provides deduplication for mutating requests.
// The key format is "idem:{subjectId}:{route}:{key}".
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// request hash matches, it returns the recorded response. If the key
	// exists but the hash differs, it returns a conflict error.
	Check(ctx context.Context, key string, requestHash string) (resp *Response, found bool, err error)

	// Save records a response keyed by the idempotency key with a TTL.
	Save(ctx context.Context, key string, requestHash string, resp Response, ttl time.Duration) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	RequestHash string   `json:"request_hash"`
	Response    Response `json:"response"`
}

func conflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with a different request", key),
	)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a recorded response. Returns a conflict error if the request
// hash differs.
func (s *MemoryStore) Check(_ context.Context, key string, requestHash string) (*Response, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.RequestHash != requestHash {
		return nil, true, conflict(key)
	}

	resp := e.data.Response
	return &resp, true, nil
}

// Save records a response with TTL.
func (s *MemoryStore) Save(_ context.Context, key string, requestHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data: entry{
			RequestHash: requestHash,
			Response:    resp,
		},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a recorded response in Redis. Returns a conflict error if the
// request hash differs.
func (s *RedisStore) Check(ctx context.Context, key string, requestHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if e.RequestHash != requestHash {
		return nil, true, conflict(key)
	}

	return &e.Response, true, nil
}

// Save records a response in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key string, requestHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatKey builds the standard idempotency key. Keys are scoped to the
// caller and the route so two users cannot collide.
func FormatKey(subjectID, route, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", subjectID, route, key)
}

// HashRequest fingerprints a request body.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
