package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/notifications"
)

// Sync reloads the account list from the repository. Unless force is set
// it returns early when the repository change marker has not moved.
// Accounts missing from the repository are disabled, not dropped.
func (m *Manager) Sync(ctx context.Context, force bool) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	marker, err := m.repo.UpdatedAt(ctx)
	if err != nil {
		return fmt.Errorf("read accounts marker: %w", err)
	}
	if !force && !marker.IsZero() && marker.Equal(m.marker) {
		return nil
	}

	gen := m.reads.Add(1)
	accounts, err := m.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	now := m.now()
	seen := make(map[string]bool, len(accounts))
	var added, removed []string
	type pending struct {
		e      *entry
		stored domain.Account
	}
	var merges []pending

	m.mu.Lock()
	entries := make(map[string]*entry, len(m.entries)+len(accounts))
	for id, e := range m.entries {
		entries[id] = e
	}
	order := append([]string(nil), m.order...)

	for _, acc := range accounts {
		seen[acc.ID] = true
		if e, ok := entries[acc.ID]; ok {
			merges = append(merges, pending{e: e, stored: acc})
			continue
		}
		if acc.Status == "" {
			acc.Status = domain.StatusActive
		}
		acc.SyncedAt = now
		entries[acc.ID] = &entry{acc: acc}
		order = append(order, acc.ID)
		added = append(added, acc.ID)
	}
	for _, id := range order {
		if seen[id] {
			continue
		}
		e := entries[id]
		e.mu.Lock()
		if e.acc.Status != domain.StatusDisabled {
			e.acc.Status = domain.StatusDisabled
			removed = append(removed, id)
		}
		e.mu.Unlock()
	}

	// Copy-on-write so Select can keep iterating the previous slice.
	m.entries = entries
	m.order = order
	m.mu.Unlock()

	m.marker = marker

	for _, p := range merges {
		m.merge(ctx, p.e, p.stored, now, gen)
	}
	for _, id := range removed {
		slog.Warn("account removed from repository", "account_id", id)
		m.notify(ctx, notifications.Event{Type: notifications.EventAccountRemoved, AccountID: id, Reason: "removed"})
	}
	if len(added) > 0 || len(removed) > 0 {
		slog.Info("account pool synced", "total", len(order), "added", len(added), "removed", len(removed))
	}
	metrics.SetPoolAccounts(m.Counts())
	return nil
}

// RefreshIfDue re-reads one account's metadata from the repository when
// the auto refresh interval has elapsed since it was last synced.
func (m *Manager) RefreshIfDue(ctx context.Context, id string) error {
	interval := m.policy().AutoRefresh()
	if interval <= 0 {
		return nil
	}

	e := m.entry(id)
	if e == nil {
		return domain.ErrAccountNotFound
	}

	now := m.now()
	e.mu.Lock()
	due := now.Sub(e.acc.SyncedAt) >= interval
	e.mu.Unlock()
	if !due {
		return nil
	}

	gen := m.reads.Add(1)
	stored, err := m.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("refresh account %s: %w", id, err)
	}
	m.merge(ctx, e, *stored, now, gen)
	return nil
}

// merge applies repository metadata to a live entry. Runtime state
// (cooldown, failure streak) stays with the pool. Cookies are only taken
// over while the account waits for the registration automation, which is
// how a finished refresh shows up. gen is the read generation stored came
// from; a stored active row does not undo a newer local disable.
func (m *Manager) merge(ctx context.Context, e *entry, stored domain.Account, now time.Time, gen uint64) {
	e.mu.Lock()
	acc := &e.acc
	acc.Mailbox = stored.Mailbox
	acc.Proxies = stored.Proxies
	acc.ExpiresAt = stored.ExpiresAt
	acc.SyncedAt = now

	var restored, disabled bool
	switch {
	case stored.Status == domain.StatusDisabled && acc.Status != domain.StatusDisabled:
		acc.Status = domain.StatusDisabled
		disabled = true
	case stored.Status != domain.StatusDisabled && acc.Status == domain.StatusDisabled && !e.holdsDisable(gen):
		acc.Status = domain.StatusActive
		acc.FailureCount = 0
		restored = true
	case acc.Status == domain.StatusRefreshing && stored.Credentials.SecureCSes != acc.Credentials.SecureCSes:
		acc.Credentials = stored.Credentials
		acc.Status = domain.StatusActive
		restored = true
	}
	id := acc.ID
	e.mu.Unlock()

	switch {
	case disabled:
		m.notify(ctx, notifications.Event{Type: notifications.EventAccountEvicted, AccountID: id, Reason: "disabled_externally"})
		m.transitioned(domain.StatusDisabled)
	case restored:
		m.notify(ctx, notifications.Event{Type: notifications.EventAccountRestored, AccountID: id, Reason: "repository"})
		m.transitioned(domain.StatusActive)
	}
}

// Run keeps the pool in step with the repository until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sync(ctx, false); err != nil {
				slog.Warn("account sync failed", "error", err)
			}
		}
	}
}
