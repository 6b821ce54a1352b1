package repository

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// AccountRepository is the storage capability the pool consumes. The pool
// owns runtime state; the repository persists it and is the source of
// account metadata and credentials.
type AccountRepository interface {
	List(ctx context.Context) ([]domain.Account, error)
	Get(ctx context.Context, id string) (*domain.Account, error)
	Save(ctx context.Context, account domain.Account) error
	UpdateStatus(ctx context.Context, id string, status domain.AccountStatus, until time.Time) error
	RecordFailure(ctx context.Context, id string, failureCount int) error
	// UpdatedAt is a change marker; it moves forward whenever any account
	// changes.
	UpdatedAt(ctx context.Context) (time.Time, error)
}

type InMemoryAccountRepository struct {
	mu        sync.RWMutex
	accounts  map[string]domain.Account
	order     []string
	updatedAt time.Time
}

func NewInMemoryAccountRepository(seed ...domain.Account) *InMemoryAccountRepository {
	repo := &InMemoryAccountRepository{
		accounts: make(map[string]domain.Account),
	}
	for _, acc := range seed {
		repo.put(acc)
	}
	repo.updatedAt = time.Now()
	return repo
}

func (r *InMemoryAccountRepository) put(acc domain.Account) {
	if _, ok := r.accounts[acc.ID]; !ok {
		r.order = append(r.order, acc.ID)
	}
	if acc.Status == "" {
		acc.Status = domain.StatusActive
	}
	r.accounts[acc.ID] = acc
}

func (r *InMemoryAccountRepository) List(ctx context.Context) ([]domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Account, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.accounts[id])
	}
	return out, nil
}

func (r *InMemoryAccountRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acc, ok := r.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &acc, nil
}

func (r *InMemoryAccountRepository) Save(ctx context.Context, account domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.put(account)
	r.touch()
	return nil
}

func (r *InMemoryAccountRepository) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acc.Status = status
	acc.CooldownUntil = until
	r.accounts[id] = acc
	r.touch()
	return nil
}

func (r *InMemoryAccountRepository) RecordFailure(ctx context.Context, id string, failureCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acc.FailureCount = failureCount
	r.accounts[id] = acc
	r.touch()
	return nil
}

func (r *InMemoryAccountRepository) UpdatedAt(ctx context.Context) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatedAt, nil
}

// Delete removes an account. Only tests and the admin seed path use it.
func (r *InMemoryAccountRepository) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.accounts, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.touch()
}

func (r *InMemoryAccountRepository) touch() {
	now := time.Now()
	if !now.After(r.updatedAt) {
		now = r.updatedAt.Add(time.Nanosecond)
	}
	r.updatedAt = now
}
