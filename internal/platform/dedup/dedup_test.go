package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestMemorySeen(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	seen, err := m.Seen(ctx, Key("voice", "evt_1"), time.Minute)
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Error("first sighting should report unseen")
	}

	seen, err = m.Seen(ctx, Key("voice", "evt_1"), time.Minute)
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if !seen {
		t.Error("second sighting should report seen")
	}

	// Different vendor, same event ID: distinct keys.
	seen, _ = m.Seen(ctx, Key("stripe", "evt_1"), time.Minute)
	if seen {
		t.Error("different vendor should not collide")
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if seen, _ := m.Seen(ctx, "wh:voice:evt_2", time.Minute); seen {
		t.Fatal("fresh key reported seen")
	}

	now = now.Add(2 * time.Minute)
	if seen, _ := m.Seen(ctx, "wh:voice:evt_2", time.Minute); seen {
		t.Error("expired key should report unseen again")
	}
}

func TestMemoryEmptyKey(t *testing.T) {
	m := NewMemory()
	if _, err := m.Seen(context.Background(), "", time.Minute); err == nil {
		t.Error("empty key should error")
	}
}

func TestRedisSeen(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	d := NewRedis(client, zerolog.Nop())
	ctx := context.Background()

	seen, err := d.Seen(ctx, Key("voice", "evt_9"), time.Minute)
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Error("first sighting should report unseen")
	}

	seen, _ = d.Seen(ctx, Key("voice", "evt_9"), time.Minute)
	if !seen {
		t.Error("second sighting should report seen")
	}

	// TTL expiry
	srv.FastForward(2 * time.Minute)
	seen, _ = d.Seen(ctx, Key("voice", "evt_9"), time.Minute)
	if seen {
		t.Error("expired key should report unseen")
	}
}

func TestMemoryForget(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Seen(ctx, Key("stripe", "evt_7"), time.Minute)
	if err := m.Forget(ctx, Key("stripe", "evt_7")); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if seen, _ := m.Seen(ctx, Key("stripe", "evt_7"), time.Minute); seen {
		t.Error("forgotten key should report unseen on redelivery")
	}
}

func TestRedisForget(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	d := NewRedis(client, zerolog.Nop())
	ctx := context.Background()

	d.Seen(ctx, Key("voice", "evt_8"), time.Minute)
	if err := d.Forget(ctx, Key("voice", "evt_8")); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if seen, _ := d.Seen(ctx, Key("voice", "evt_8"), time.Minute); seen {
		t.Error("forgotten key should report unseen on redelivery")
	}
}

func TestRedisFailsOpen(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	d := NewRedis(client, zerolog.Nop())

	srv.Close()

	seen, err := d.Seen(context.Background(), "wh:voice:evt_down", time.Minute)
	if err != nil {
		t.Fatalf("redis errors should not surface: %v", err)
	}
	if seen {
		t.Error("redis failure should treat the event as unseen")
	}
}
