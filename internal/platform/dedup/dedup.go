// Package dedup provides idempotency tracking for inbound webhook events.
// Vendors redeliver events on timeouts and network blips; processing the
// same event twice would double-write call outcomes, so every webhook
// handler records the vendor event ID here before acting on it.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultTTL is how long an event ID is remembered. Vendors stop retrying
// well within a day.
const DefaultTTL = 24 * time.Hour

// Deduper records event keys and reports duplicates. Seen is an atomic
// check-and-set: the first caller for a key gets false, every later caller
// within the TTL gets true.
type Deduper interface {
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Forget drops a recorded key. Handlers call it when processing fails
	// after the Seen check, so the vendor's retry of that delivery is not
	// swallowed as a duplicate.
	Forget(ctx context.Context, key string) error
}

// Key builds the dedup key for a vendor event.
func Key(vendor, eventID string) string {
	return "wh:" + vendor + ":" + eventID
}

// ---------------------------------------------------------------------------
// Redis implementation
// ---------------------------------------------------------------------------

// Redis deduplicates through SET NX EX, so multiple server instances share
// one view of which events have been handled. Redis errors fail open: a
// missed dedup means at worst a double status write, while failing closed
// would drop vendor events whenever Redis blips.
type Redis struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedis(client *redis.Client, log zerolog.Logger) *Redis {
	return &Redis{client: client, log: log}
}

func (r *Redis) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	set, err := r.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("dedup check failed, treating event as unseen")
		return false, nil
	}
	return !set, nil
}

func (r *Redis) Forget(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("dedup forget failed")
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// Memory is the single-instance fallback used when no Redis address is
// configured, and in tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("dedup: empty key")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	// Opportunistic sweep: expired entries go on every call. The map only
	// grows with webhook volume, so this stays small.
	for k, exp := range m.entries {
		if now.After(exp) {
			delete(m.entries, k)
		}
	}

	if exp, ok := m.entries[key]; ok && now.Before(exp) {
		return true, nil
	}
	m.entries[key] = now.Add(ttl)
	return false, nil
}

func (m *Memory) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
