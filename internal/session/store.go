package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// Store persists sessions keyed by account and conversation.
type Store interface {
	Get(ctx context.Context, key string) (domain.Session, bool, error)
	Set(ctx context.Context, key string, s domain.Session, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]storedSession
	stop  chan struct{}
	once  sync.Once
}

type storedSession struct {
	session   domain.Session
	expiresAt time.Time
}

func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{
		items: make(map[string]storedSession),
		stop:  make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (domain.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		return domain.Session{}, false, nil
	}
	return item.session, true, nil
}

func (s *InMemoryStore) Set(ctx context.Context, key string, sess domain.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = storedSession{session: sess, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *InMemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *InMemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for key, item := range s.items {
				if now.After(item.expiresAt) {
					delete(s.items, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// RedisStore shares sessions between gateway replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client, prefix: "gemini-gateway:session:"}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (domain.Session, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, err
	}

	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return domain.Session{}, false, nil
	}
	return sess, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, sess domain.Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, data, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Client exposes the connection so other components can share it.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
