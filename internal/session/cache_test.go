package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *clock) {
	t.Helper()
	store := NewInMemoryStore()
	t.Cleanup(func() { store.Close() })
	clk := &clock{t: time.Now()}
	return NewCache(store, func() time.Duration { return ttl }, WithClock(clk.Now)), clk
}

func TestCache_ReusesSession(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	var calls atomic.Int32
	create := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "sessions/1", nil
	}

	s1, created, err := c.GetOrCreate(ctx, "acc", "conv", create)
	if err != nil || !created {
		t.Fatalf("first GetOrCreate() = %v, created=%v", err, created)
	}
	s2, created, err := c.GetOrCreate(ctx, "acc", "conv", create)
	if err != nil || created {
		t.Fatalf("second GetOrCreate() = %v, created=%v", err, created)
	}
	if s1.Name != s2.Name || calls.Load() != 1 {
		t.Errorf("session not reused: %q vs %q, %d creates", s1.Name, s2.Name, calls.Load())
	}

	if _, created, _ := c.GetOrCreate(ctx, "other", "conv", create); !created {
		t.Error("sessions must not be shared between accounts")
	}
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c, clk := newTestCache(t, 10*time.Minute)
	ctx := context.Background()

	n := 0
	create := func(ctx context.Context) (string, error) {
		n++
		return "sessions/" + string(rune('0'+n)), nil
	}

	first, _, _ := c.GetOrCreate(ctx, "acc", "conv", create)
	clk.Advance(9 * time.Minute)
	if s, created, _ := c.GetOrCreate(ctx, "acc", "conv", create); created || s.Name != first.Name {
		t.Fatal("session recreated before TTL")
	}

	clk.Advance(time.Minute)
	s, created, _ := c.GetOrCreate(ctx, "acc", "conv", create)
	if !created || s.Name == first.Name {
		t.Errorf("session at TTL should be recreated, got %q created=%v", s.Name, created)
	}
}

func TestCache_SingleFlight(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	create := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "sessions/shared", nil
	}

	var wg sync.WaitGroup
	names := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _, err := c.GetOrCreate(ctx, "acc", "conv", create)
			if err != nil {
				t.Error(err)
				return
			}
			names <- s.Name
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(names)

	for name := range names {
		if name != "sessions/shared" {
			t.Errorf("name = %q", name)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("create called %d times, want 1", calls.Load())
	}
}

func TestCache_CancelledWaiterReturns(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)

	release := make(chan struct{})
	create := func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "sessions/slow", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := c.GetOrCreate(ctx, "acc", "conv", create)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("cancelled caller returned after %v", elapsed)
	}

	close(release)

	// The shared create was not tied to the cancelled caller.
	deadline := time.Now().Add(time.Second)
	for {
		s, created, err := c.GetOrCreate(context.Background(), "acc", "conv", create)
		if err != nil {
			t.Fatalf("GetOrCreate() after release = %v", err)
		}
		if s.Name == "sessions/slow" && !created {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session = %q, created=%v", s.Name, created)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCache_CreateTimeoutBoundsOrphanedCreate(t *testing.T) {
	store := NewInMemoryStore()
	t.Cleanup(func() { store.Close() })
	c := NewCache(store, func() time.Duration { return time.Hour }, WithCreateTimeout(30*time.Millisecond))

	_, _, err := c.GetOrCreate(context.Background(), "acc", "conv", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(err, domain.ErrSessionCreationFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want ErrSessionCreationFailed wrapping DeadlineExceeded", err)
	}
}

func TestCache_CreateError(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)

	_, _, err := c.GetOrCreate(context.Background(), "acc", "conv", func(ctx context.Context) (string, error) {
		return "", errors.New("403 from widgetCreateSession")
	})
	if !errors.Is(err, domain.ErrSessionCreationFailed) {
		t.Errorf("error = %v, want ErrSessionCreationFailed", err)
	}
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)
	ctx := context.Background()
	create := func(ctx context.Context) (string, error) { return "sessions/x", nil }

	_, _, _ = c.GetOrCreate(ctx, "acc", "conv", create)
	c.Invalidate(ctx, "acc", "conv")

	if _, created, _ := c.GetOrCreate(ctx, "acc", "conv", create); !created {
		t.Error("invalidated session should be recreated")
	}
}

func TestConversationKey(t *testing.T) {
	first := []domain.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}
	followUp := append(append([]domain.Message{}, first...),
		domain.Message{Role: "assistant", Content: "hi"},
		domain.Message{Role: "user", Content: "more"},
	)

	if ConversationKey("", "u1", first) != ConversationKey("", "u1", followUp) {
		t.Error("key should be stable as the conversation grows")
	}
	if ConversationKey("", "u1", first) == ConversationKey("", "u2", first) {
		t.Error("different users should not share a conversation")
	}
	if got := ConversationKey("abc", "u1", first); got != "id:abc" {
		t.Errorf("explicit key = %q", got)
	}
}

func TestRedisStore(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping redis test")
	}

	store, err := NewRedisStore(redisURL)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	key := Key("acc-redis-test", time.Now().Format(time.RFC3339Nano))
	sess := domain.Session{AccountID: "acc-redis-test", Name: "sessions/r", CreatedAt: time.Now().UTC()}

	if err := store.Set(ctx, key, sess, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := store.Get(ctx, key)
	if err != nil || !ok || got.Name != sess.Name {
		t.Fatalf("Get() = %+v, %v, %v", got, ok, err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Get(ctx, key); ok {
		t.Error("expected miss after delete")
	}
}
