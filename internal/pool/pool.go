// Package pool tracks the health of provider accounts and hands out the
// next usable one.
//
// Status transitions:
//   - active -> cooling_down: provider rate limit; expires lazily at selection
//   - active -> disabled: consecutive failures reached the threshold
//   - active -> refreshing: account lifetime is inside the refresh window and
//     a refresh was requested from the registration automation
//   - refreshing/disabled -> active: fresh credentials or an admin reset
//
// A disable decided here is held against repository reads that started
// before it was persisted, so a sync cannot resurrect the account from a
// stale row.
//
// Each account has its own mutex. The pool-wide lock only guards
// membership and is read-locked on the selection path.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/gemini-gateway/internal/config"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/notifications"
	"github.com/felipepmaragno/gemini-gateway/internal/queue"
	"github.com/felipepmaragno/gemini-gateway/internal/repository"
)

// RefreshPublisher hands refresh work to the registration automation.
type RefreshPublisher interface {
	PublishRefresh(ctx context.Context, req queue.RefreshRequest) error
}

type entry struct {
	mu  sync.Mutex
	acc domain.Account

	// disabling is set while a local disable is being persisted. settled is
	// the read generation current once it was.
	disabling bool
	settled   uint64
}

// holdsDisable reports whether a repository read of generation gen may be
// older than this entry's last local disable. Caller holds e.mu.
func (e *entry) holdsDisable(gen uint64) bool {
	return e.disabling || gen <= e.settled
}

type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	cursor  atomic.Uint64

	repo     repository.AccountRepository
	notifier notifications.Notifier
	refresh  RefreshPublisher
	policy   func() config.RetryPolicy
	now      func() time.Time

	syncMu sync.Mutex
	marker time.Time
	reads  atomic.Uint64
}

type Option func(*Manager)

func WithNotifier(n notifications.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithRefreshPublisher enables the refreshing status. Without a publisher
// accounts stay active until their lifetime ends.
func WithRefreshPublisher(p RefreshPublisher) Option {
	return func(m *Manager) { m.refresh = p }
}

// WithPolicy reads thresholds from the current config snapshot on every
// decision so reloads apply without restarting.
func WithPolicy(fn func() config.RetryPolicy) Option {
	return func(m *Manager) { m.policy = fn }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(repo repository.AccountRepository, opts ...Option) *Manager {
	m := &Manager{
		entries:  make(map[string]*entry),
		repo:     repo,
		notifier: notifications.NewInMemoryNotifier(),
		policy:   func() config.RetryPolicy { return config.DefaultSnapshot().Retry },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Select returns the next eligible account in round-robin order, skipping
// the ids in exclude.
func (m *Manager) Select(ctx context.Context, exclude map[string]bool) (domain.Account, error) {
	m.mu.RLock()
	order := m.order
	entries := m.entries
	m.mu.RUnlock()

	n := len(order)
	if n == 0 {
		return domain.Account{}, domain.ErrNoAccountAvailable
	}

	policy := m.policy()
	start := m.cursor.Add(1) - 1
	for i := 0; i < n; i++ {
		id := order[(start+uint64(i))%uint64(n)]
		if exclude[id] {
			continue
		}
		if acc, ok := m.acquire(ctx, entries[id], policy); ok {
			return acc, nil
		}
	}
	return domain.Account{}, domain.ErrNoAccountAvailable
}

func (m *Manager) acquire(ctx context.Context, e *entry, policy config.RetryPolicy) (domain.Account, bool) {
	now := m.now()

	e.mu.Lock()
	acc := &e.acc
	var after func()

	switch acc.Status {
	case domain.StatusDisabled, domain.StatusRefreshing:
		e.mu.Unlock()
		return domain.Account{}, false
	case domain.StatusCoolingDown:
		if now.Before(acc.CooldownUntil) {
			e.mu.Unlock()
			return domain.Account{}, false
		}
		acc.Status = domain.StatusActive
		acc.CooldownUntil = time.Time{}
		id := acc.ID
		after = func() {
			m.persistStatus(ctx, id, domain.StatusActive, time.Time{})
			m.transitioned(domain.StatusActive)
		}
	}

	if !acc.ExpiresAt.IsZero() {
		if m.refresh != nil && acc.ExpiresAt.Sub(now) <= policy.RefreshWindow() {
			snapshot := *acc
			acc.Status = domain.StatusRefreshing
			e.mu.Unlock()
			m.requestRefresh(ctx, snapshot, "expiring")
			return domain.Account{}, false
		}
		if !now.Before(acc.ExpiresAt) {
			acc.Status = domain.StatusDisabled
			e.disabling = true
			id := acc.ID
			e.mu.Unlock()
			m.evict(ctx, e, id, "expired", 0)
			return domain.Account{}, false
		}
	}

	out := *acc
	e.mu.Unlock()

	if after != nil {
		after()
	}
	return out, true
}

// ReportSuccess clears the failure streak and any stale cooldown.
func (m *Manager) ReportSuccess(ctx context.Context, id string) {
	e := m.entry(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	hadFailures := e.acc.FailureCount > 0
	e.acc.FailureCount = 0
	cleared := false
	if e.acc.Status == domain.StatusCoolingDown && !m.now().Before(e.acc.CooldownUntil) {
		e.acc.Status = domain.StatusActive
		e.acc.CooldownUntil = time.Time{}
		cleared = true
	}
	e.mu.Unlock()

	if hadFailures {
		m.persistFailures(ctx, id, 0)
	}
	if cleared {
		m.persistStatus(ctx, id, domain.StatusActive, time.Time{})
	}
}

// ReportRateLimited puts the account in cooldown. The failure streak is
// left untouched: a rate limit says nothing about account health.
func (m *Manager) ReportRateLimited(ctx context.Context, id string) {
	e := m.entry(id)
	if e == nil {
		return
	}

	until := m.now().Add(m.policy().RateLimitCooldown())

	e.mu.Lock()
	if e.acc.Status == domain.StatusDisabled || e.acc.Status == domain.StatusRefreshing {
		e.mu.Unlock()
		return
	}
	e.acc.Status = domain.StatusCoolingDown
	e.acc.CooldownUntil = until
	e.mu.Unlock()

	slog.Info("account cooling down", "account_id", id, "until", until)
	m.persistStatus(ctx, id, domain.StatusCoolingDown, until)
	m.transitioned(domain.StatusCoolingDown)
}

// ReportFailure counts a failed request and reports whether the account
// was disabled by it.
func (m *Manager) ReportFailure(ctx context.Context, id string) bool {
	e := m.entry(id)
	if e == nil {
		return false
	}

	threshold := m.policy().AccountFailureThreshold

	e.mu.Lock()
	e.acc.FailureCount++
	count := e.acc.FailureCount
	disable := count >= threshold && e.acc.Status != domain.StatusDisabled
	if disable {
		e.acc.Status = domain.StatusDisabled
		e.acc.CooldownUntil = time.Time{}
		e.disabling = true
	}
	e.mu.Unlock()

	m.persistFailures(ctx, id, count)
	if disable {
		m.evict(ctx, e, id, "failure_threshold", count)
	}
	return disable
}

// Reset puts a disabled or refreshing account back into rotation.
func (m *Manager) Reset(ctx context.Context, id string) error {
	e := m.entry(id)
	if e == nil {
		return domain.ErrAccountNotFound
	}

	e.mu.Lock()
	e.acc.Status = domain.StatusActive
	e.acc.FailureCount = 0
	e.acc.CooldownUntil = time.Time{}
	e.mu.Unlock()

	m.persistFailures(ctx, id, 0)
	m.persistStatus(ctx, id, domain.StatusActive, time.Time{})
	m.notify(ctx, notifications.Event{Type: notifications.EventAccountRestored, AccountID: id, Reason: "reset"})
	m.transitioned(domain.StatusActive)
	return nil
}

// ApplyCredentials installs cookies produced by the registration
// automation and returns the account to rotation.
func (m *Manager) ApplyCredentials(ctx context.Context, id string, creds domain.Credentials, expiresAt time.Time) error {
	e := m.entry(id)
	if e == nil {
		return domain.ErrAccountNotFound
	}

	e.mu.Lock()
	e.acc.Credentials = creds
	if !expiresAt.IsZero() {
		e.acc.ExpiresAt = expiresAt
	}
	e.acc.Status = domain.StatusActive
	e.acc.FailureCount = 0
	e.acc.CooldownUntil = time.Time{}
	snapshot := e.acc
	e.mu.Unlock()

	if err := m.repo.Save(ctx, snapshot); err != nil {
		slog.Warn("failed to persist credentials", "account_id", id, "error", err)
	}
	m.notify(ctx, notifications.Event{Type: notifications.EventAccountRestored, AccountID: id, Reason: "credentials"})
	m.transitioned(domain.StatusActive)
	return nil
}

// UpdateToken caches a freshly minted bearer token on the account.
func (m *Manager) UpdateToken(id, token string, expiry time.Time) {
	e := m.entry(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.acc.Credentials.Token = token
	e.acc.Credentials.TokenExpiry = expiry
	e.mu.Unlock()
}

func (m *Manager) Get(id string) (domain.Account, error) {
	e := m.entry(id)
	if e == nil {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc, nil
}

// Snapshot returns every account in rotation order.
func (m *Manager) Snapshot() []domain.Account {
	m.mu.RLock()
	order := m.order
	entries := m.entries
	m.mu.RUnlock()

	out := make([]domain.Account, 0, len(order))
	for _, id := range order {
		e := entries[id]
		e.mu.Lock()
		out = append(out, e.acc)
		e.mu.Unlock()
	}
	return out
}

func (m *Manager) Counts() map[domain.AccountStatus]int {
	counts := map[domain.AccountStatus]int{
		domain.StatusActive:      0,
		domain.StatusCoolingDown: 0,
		domain.StatusRefreshing:  0,
		domain.StatusDisabled:    0,
	}
	now := m.now()
	for _, acc := range m.Snapshot() {
		status := acc.Status
		if status == domain.StatusCoolingDown && !now.Before(acc.CooldownUntil) {
			status = domain.StatusActive
		}
		counts[status]++
	}
	return counts
}

func (m *Manager) entry(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

// evict persists a disable already applied to e and then releases the hold
// on stale repository reads.
func (m *Manager) evict(ctx context.Context, e *entry, id, reason string, failures int) {
	slog.Warn("account disabled", "account_id", id, "reason", reason, "failure_count", failures)
	m.persistStatus(ctx, id, domain.StatusDisabled, time.Time{})

	e.mu.Lock()
	e.disabling = false
	e.settled = m.reads.Load()
	e.mu.Unlock()

	m.transitioned(domain.StatusDisabled)
	m.notify(ctx, notifications.Event{
		Type:         notifications.EventAccountEvicted,
		AccountID:    id,
		Reason:       reason,
		FailureCount: failures,
	})
}

func (m *Manager) requestRefresh(ctx context.Context, acc domain.Account, reason string) {
	m.persistStatus(ctx, acc.ID, domain.StatusRefreshing, time.Time{})
	m.transitioned(domain.StatusRefreshing)

	req := queue.RefreshRequest{
		ID:        uuid.New().String(),
		AccountID: acc.ID,
		Mail:      acc.Mailbox.Address,
		Reason:    reason,
		CreatedAt: m.now(),
	}
	if err := m.refresh.PublishRefresh(ctx, req); err != nil {
		slog.Error("failed to request account refresh", "account_id", acc.ID, "error", err)
	}
	m.notify(ctx, notifications.Event{Type: notifications.EventAccountRefreshed, AccountID: acc.ID, Reason: reason})
}

// transitioned records a status change and republishes the pool gauge.
// Must be called without any entry lock held.
func (m *Manager) transitioned(status domain.AccountStatus) {
	metrics.RecordAccountTransition(status)
	metrics.SetPoolAccounts(m.Counts())
}

func (m *Manager) notify(ctx context.Context, ev notifications.Event) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	if err := m.notifier.Notify(ctx, ev); err != nil {
		slog.Warn("failed to publish account event", "type", ev.Type, "account_id", ev.AccountID, "error", err)
	}
}

func (m *Manager) persistStatus(ctx context.Context, id string, status domain.AccountStatus, until time.Time) {
	if err := m.repo.UpdateStatus(context.WithoutCancel(ctx), id, status, until); err != nil {
		slog.Warn("failed to persist account status", "account_id", id, "status", status, "error", err)
	}
}

func (m *Manager) persistFailures(ctx context.Context, id string, count int) {
	if err := m.repo.RecordFailure(context.WithoutCancel(ctx), id, count); err != nil {
		slog.Warn("failed to persist failure count", "account_id", id, "error", err)
	}
}
