// Package session reuses provider chat sessions per (account, conversation)
// and guarantees a single create in flight per key.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
)

// CreateFunc opens a new provider session and returns its resource name.
type CreateFunc func(ctx context.Context) (string, error)

// DefaultCreateTimeout bounds a shared create once every caller has gone.
const DefaultCreateTimeout = 2 * time.Minute

type Cache struct {
	store         Store
	group         singleflight.Group
	ttl           func() time.Duration
	now           func() time.Time
	createTimeout time.Duration
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithCreateTimeout(d time.Duration) Option {
	return func(c *Cache) { c.createTimeout = d }
}

// NewCache reads the TTL through ttl on every lookup so config reloads
// take effect for new sessions.
func NewCache(store Store, ttl func() time.Duration, opts ...Option) *Cache {
	c := &Cache{store: store, ttl: ttl, now: time.Now, createTimeout: DefaultCreateTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func Key(accountID, conversationKey string) string {
	return accountID + "|" + conversationKey
}

// GetOrCreate returns a live session, creating one if none exists or the
// cached one has outlived the TTL. created reports whether this call (or
// the flight it joined) opened a new session. A caller whose ctx ends
// returns at once; the create keeps running for anyone else joined to it.
func (c *Cache) GetOrCreate(ctx context.Context, accountID, conversationKey string, create CreateFunc) (sess domain.Session, created bool, err error) {
	key := Key(accountID, conversationKey)
	ttl := c.ttl()

	if sess, ok := c.lookup(ctx, key, ttl); ok {
		metrics.RecordSessionLookup("hit")
		return sess, false, nil
	}

	type result struct {
		sess    domain.Session
		created bool
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.createTimeout)
		defer cancel()

		if sess, ok := c.lookup(cctx, key, ttl); ok {
			return result{sess: sess}, nil
		}

		name, err := create(cctx)
		if err != nil {
			metrics.RecordSessionLookup("create_error")
			return nil, err
		}

		sess := domain.Session{
			AccountID:       accountID,
			ConversationKey: conversationKey,
			Name:            name,
			CreatedAt:       c.now(),
		}
		if err := c.store.Set(cctx, key, sess, ttl); err != nil {
			slog.Warn("failed to store session", "account_id", accountID, "error", err)
		}
		metrics.RecordSessionLookup("created")
		return result{sess: sess, created: true}, nil
	})

	select {
	case <-ctx.Done():
		return domain.Session{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Session{}, false, fmt.Errorf("%w: %w", domain.ErrSessionCreationFailed, res.Err)
		}
		r := res.Val.(result)
		return r.sess, r.created, nil
	}
}

func (c *Cache) lookup(ctx context.Context, key string, ttl time.Duration) (domain.Session, bool) {
	sess, ok, err := c.store.Get(ctx, key)
	if err != nil {
		slog.Warn("session store lookup failed", "key", key, "error", err)
		return domain.Session{}, false
	}
	if !ok || sess.Expired(c.now(), ttl) {
		return domain.Session{}, false
	}
	return sess, true
}

// Invalidate drops a session the provider no longer recognises.
func (c *Cache) Invalidate(ctx context.Context, accountID, conversationKey string) {
	if err := c.store.Delete(ctx, Key(accountID, conversationKey)); err != nil {
		slog.Warn("failed to invalidate session", "account_id", accountID, "error", err)
	}
}

// ConversationKey identifies a conversation across turns. An explicit id
// from the client wins; otherwise the caller identity plus the opening
// message is used, which stays stable as the history grows.
func ConversationKey(explicit, user string, messages []domain.Message) string {
	if explicit != "" {
		return "id:" + explicit
	}

	h := sha256.New()
	h.Write([]byte(user))
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		break
	}
	return "h:" + hex.EncodeToString(h.Sum(nil))[:32]
}
