// Package lockservice implements the advisory named-lease locking layer:
// SET NX EX semantics over a shared KV, reentrant for the current holder,
// used by the chest and forge stores and by the furnace worker's leader
// election.
package lockservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned by Acquire when a different holder currently owns
// the key.
var ErrLocked = errors.New("locked")

const (
	// LeaseTTL is the default lease duration for chest/forge locks.
	LeaseTTL = 10 * time.Second
	// WorkerLeaseTTL is the TTL for the furnace background worker's
	// leader-election lock.
	WorkerLeaseTTL = 5 * time.Second
)

// Status is the read-only probe result for status(key, guestId).
type Status struct {
	Locked bool
	BySelf bool
}

// KV is the minimal atomic primitive the lock service needs: SET NX EX,
// compare-and-delete, compare-and-renew, and a plain read. RedisKV backs it
// with github.com/redis/go-redis/v9 in production; MemKV backs it with an
// in-memory map for single-replica/degraded-mode deployments and for tests.
type KV interface {
	// SetNX sets key=value with the given TTL only if key is unset
	// (reentrancy is resolved by the Service, which always calls Get
	// first). Returns (true, nil) if the set happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the current value, or ("", false, nil) if absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// CompareAndDelete deletes key only if its current value equals
	// expected. Returns whether the delete happened.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CompareAndSet overwrites key with value and a fresh TTL only if its
	// current value equals expected. Used for renew.
	CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)
}

// Service is the named-lease lock service.
type Service struct {
	kv KV
}

// New wraps a KV backend in the lock service's token/reentrancy semantics.
func New(kv KV) *Service {
	return &Service{kv: kv}
}

func tokenGuest(token string) string {
	for i := 0; i < len(token); i++ {
		if token[i] == ':' {
			return token[:i]
		}
	}
	return token
}

// Acquire attempts to take the named lease for guestID. If the lease is
// already held by the same guest, it is renewed and the existing token
// returned (reentrancy). Otherwise a fresh token is minted.
func (s *Service) Acquire(ctx context.Context, key, guestID string, ttl time.Duration) (string, error) {
	current, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("lockservice: get %s: %w", key, err)
	}
	if ok {
		if tokenGuest(current) == guestID {
			// Reentrant: renew and hand back the same token.
			if _, err := s.kv.CompareAndSet(ctx, key, current, current, ttl); err != nil {
				return "", fmt.Errorf("lockservice: renew %s: %w", key, err)
			}
			return current, nil
		}
		return "", ErrLocked
	}

	token := guestID + ":" + uuid.New().String()
	set, err := s.kv.SetNX(ctx, key, token, ttl)
	if err != nil {
		return "", fmt.Errorf("lockservice: setnx %s: %w", key, err)
	}
	if !set {
		// Lost a race against another acquirer between Get and SetNX;
		// re-read to report the real holder.
		current, ok, err := s.kv.Get(ctx, key)
		if err == nil && ok && tokenGuest(current) == guestID {
			return current, nil
		}
		return "", ErrLocked
	}
	return token, nil
}

// Renew extends the lease identified by token. Fails unless token is still
// the current holder.
func (s *Service) Renew(ctx context.Context, key, token string, ttl time.Duration) error {
	ok, err := s.kv.CompareAndSet(ctx, key, token, token, ttl)
	if err != nil {
		return fmt.Errorf("lockservice: renew %s: %w", key, err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Release drops the lease if token is still the current holder.
func (s *Service) Release(ctx context.Context, key, token string) error {
	ok, err := s.kv.CompareAndDelete(ctx, key, token)
	if err != nil {
		return fmt.Errorf("lockservice: release %s: %w", key, err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// TokenValid reports whether token is still the current holder of key.
func (s *Service) TokenValid(ctx context.Context, key, token string) (bool, error) {
	current, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("lockservice: get %s: %w", key, err)
	}
	return ok && current == token, nil
}

// StatusFor is the read-only probe status(key, guestId).
func (s *Service) StatusFor(ctx context.Context, key, guestID string) (Status, error) {
	current, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return Status{}, fmt.Errorf("lockservice: get %s: %w", key, err)
	}
	if !ok {
		return Status{}, nil
	}
	return Status{Locked: true, BySelf: tokenGuest(current) == guestID}, nil
}

// ForgeKey builds the lock key for a forge's advisory lease.
func ForgeKey(worldID, forgeID string) string {
	return fmt.Sprintf("lock:forge:%s:%s", worldID, forgeID)
}

// ChestKey builds the lock key for a chest's advisory lease.
func ChestKey(worldID, chestID string) string {
	return fmt.Sprintf("lock:chest:%s:%s", worldID, chestID)
}

// WorkerKey is the singleton key contended by furnace-worker leader
// election across replicas.
const WorkerKey = "lock:forge:worker"

// RedisKV implements KV over a github.com/redis/go-redis/v9 client.
type RedisKV struct {
	Client *redis.Client
}

var _ KV = (*RedisKV)(nil)

func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (r *RedisKV) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, r.Client, []string{key}, expected).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

var compareAndSetScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
else
	return 0
end
`)

func (r *RedisKV) CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	res, err := compareAndSetScript.Run(ctx, r.Client, []string{key}, expected, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// MemKV is an in-memory KV used when SHARED_REDIS_URL is unset (degraded,
// single-replica mode) and in tests.
type MemKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value   string
	expires time.Time
}

// NewMemKV returns an empty in-memory KV.
func NewMemKV() *MemKV {
	return &MemKV{entries: make(map[string]memEntry)}
}

var _ KV = (*MemKV)(nil)

func (m *MemKV) get(key string, now time.Time) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if now.After(e.expires) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if _, ok := m.get(key, now); ok {
		return false, nil
	}
	m.entries[key] = memEntry{value: value, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key, time.Now())
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemKV) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key, time.Now())
	if !ok || e.value != expected {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemKV) CompareAndSet(_ context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key, time.Now())
	if !ok || e.value != expected {
		return false, nil
	}
	m.entries[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}
