package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/felipepmaragno/gemini-gateway/internal/config"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/notifications"
	"github.com/felipepmaragno/gemini-gateway/internal/queue"
	"github.com/felipepmaragno/gemini-gateway/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testPolicy() config.RetryPolicy {
	p := config.DefaultSnapshot().Retry
	p.AccountFailureThreshold = 3
	p.RateLimitCooldownSeconds = 60
	p.RefreshWindowSeconds = 600
	return p
}

type fixture struct {
	pool     *Manager
	repo     *repository.InMemoryAccountRepository
	notifier *notifications.InMemoryNotifier
	clock    *fakeClock
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()

	var seed []domain.Account
	for _, id := range ids {
		seed = append(seed, domain.Account{ID: id, Status: domain.StatusActive})
	}
	f := &fixture{
		repo:     repository.NewInMemoryAccountRepository(seed...),
		notifier: notifications.NewInMemoryNotifier(),
		clock:    newFakeClock(),
	}
	f.pool = NewManager(f.repo,
		WithNotifier(f.notifier),
		WithClock(f.clock.Now),
		WithPolicy(testPolicy),
	)
	if err := f.pool.Sync(context.Background(), true); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	return f
}

func (f *fixture) mustSelect(t *testing.T, exclude map[string]bool) string {
	t.Helper()
	acc, err := f.pool.Select(context.Background(), exclude)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	return acc.ID
}

func TestSelect_RoundRobin(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, f.mustSelect(t, nil))
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selection order = %v, want %v", got, want)
		}
	}
}

func TestSelect_Exclude(t *testing.T) {
	f := newFixture(t, "a", "b")

	for i := 0; i < 4; i++ {
		if id := f.mustSelect(t, map[string]bool{"a": true}); id != "b" {
			t.Fatalf("Select() = %q, want b", id)
		}
	}

	_, err := f.pool.Select(context.Background(), map[string]bool{"a": true, "b": true})
	if !errors.Is(err, domain.ErrNoAccountAvailable) {
		t.Errorf("Select() error = %v, want ErrNoAccountAvailable", err)
	}
}

func TestSelect_EmptyPool(t *testing.T) {
	f := newFixture(t)
	if _, err := f.pool.Select(context.Background(), nil); !errors.Is(err, domain.ErrNoAccountAvailable) {
		t.Errorf("Select() error = %v, want ErrNoAccountAvailable", err)
	}
}

func TestReportRateLimited_CooldownExpiresLazily(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	f.pool.ReportFailure(ctx, "a")
	f.pool.ReportRateLimited(ctx, "a")

	acc, _ := f.pool.Get("a")
	if acc.Status != domain.StatusCoolingDown {
		t.Fatalf("Status = %q, want cooling_down", acc.Status)
	}
	if acc.FailureCount != 1 {
		t.Errorf("FailureCount = %d, rate limit must not change it", acc.FailureCount)
	}
	if !acc.CooldownUntil.Equal(f.clock.Now().Add(60 * time.Second)) {
		t.Errorf("CooldownUntil = %v", acc.CooldownUntil)
	}

	f.clock.Advance(59 * time.Second)
	if _, err := f.pool.Select(ctx, nil); !errors.Is(err, domain.ErrNoAccountAvailable) {
		t.Fatalf("Select() during cooldown error = %v", err)
	}

	f.clock.Advance(time.Second)
	if id := f.mustSelect(t, nil); id != "a" {
		t.Fatalf("Select() = %q, want a", id)
	}
	acc, _ = f.pool.Get("a")
	if acc.Status != domain.StatusActive {
		t.Errorf("Status after expiry = %q, want active", acc.Status)
	}

	stored, _ := f.repo.Get(ctx, "a")
	if stored.Status != domain.StatusActive {
		t.Errorf("persisted Status = %q, want active", stored.Status)
	}
}

func TestReportFailure_DisablesAtThreshold(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	if f.pool.ReportFailure(ctx, "a") || f.pool.ReportFailure(ctx, "a") {
		t.Fatal("account disabled before threshold")
	}
	if !f.pool.ReportFailure(ctx, "a") {
		t.Fatal("third failure should disable the account")
	}
	if f.pool.ReportFailure(ctx, "a") {
		t.Error("already disabled account must not be evicted twice")
	}

	acc, _ := f.pool.Get("a")
	if acc.Status != domain.StatusDisabled {
		t.Errorf("Status = %q, want disabled", acc.Status)
	}

	events := f.notifier.Events()
	if len(events) != 1 || events[0].Type != notifications.EventAccountEvicted || events[0].AccountID != "a" {
		t.Errorf("events = %+v, want one eviction for a", events)
	}

	stored, _ := f.repo.Get(ctx, "a")
	if stored.Status != domain.StatusDisabled || stored.FailureCount != 4 {
		t.Errorf("persisted = %s/%d", stored.Status, stored.FailureCount)
	}

	for i := 0; i < 3; i++ {
		if id := f.mustSelect(t, nil); id != "b" {
			t.Fatalf("disabled account selected: %q", id)
		}
	}
}

func TestReportSuccess_ResetsFailureCount(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	f.pool.ReportFailure(ctx, "a")
	f.pool.ReportFailure(ctx, "a")
	f.pool.ReportSuccess(ctx, "a")

	acc, _ := f.pool.Get("a")
	if acc.FailureCount != 0 {
		t.Errorf("FailureCount = %d, want 0", acc.FailureCount)
	}

	f.pool.ReportFailure(ctx, "a")
	f.pool.ReportFailure(ctx, "a")
	acc, _ = f.pool.Get("a")
	if acc.Status != domain.StatusActive {
		t.Errorf("streak should restart after success, Status = %q", acc.Status)
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.pool.ReportFailure(ctx, "a")
	}
	if err := f.pool.Reset(ctx, "a"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if id := f.mustSelect(t, nil); id != "a" {
		t.Errorf("Select() = %q after reset", id)
	}
	if err := f.pool.Reset(ctx, "missing"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("Reset(missing) error = %v", err)
	}
}

func TestSelect_RequestsRefreshInsideWindow(t *testing.T) {
	clock := newFakeClock()
	repo := repository.NewInMemoryAccountRepository(
		domain.Account{ID: "old", ExpiresAt: clock.Now().Add(5 * time.Minute)},
		domain.Account{ID: "new", ExpiresAt: clock.Now().Add(24 * time.Hour)},
	)
	q := queue.NewInMemoryQueue()
	p := NewManager(repo, WithClock(clock.Now), WithPolicy(testPolicy), WithRefreshPublisher(q))
	ctx := context.Background()
	if err := p.Sync(ctx, true); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		acc, err := p.Select(ctx, nil)
		if err != nil || acc.ID != "new" {
			t.Fatalf("Select() = %q, %v; want new", acc.ID, err)
		}
	}

	old, _ := p.Get("old")
	if old.Status != domain.StatusRefreshing {
		t.Fatalf("Status = %q, want refreshing", old.Status)
	}
	reqs := q.Requests()
	if len(reqs) != 1 || reqs[0].AccountID != "old" || reqs[0].Reason != "expiring" {
		t.Fatalf("refresh requests = %+v", reqs)
	}

	creds := domain.Credentials{SecureCSes: "fresh"}
	if err := p.ApplyCredentials(ctx, "old", creds, clock.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("ApplyCredentials() error = %v", err)
	}
	old, _ = p.Get("old")
	if old.Status != domain.StatusActive || old.Credentials.SecureCSes != "fresh" {
		t.Errorf("after ApplyCredentials = %s/%q", old.Status, old.Credentials.SecureCSes)
	}
}

func TestSelect_ExpiredWithoutPublisherIsDisabled(t *testing.T) {
	clock := newFakeClock()
	repo := repository.NewInMemoryAccountRepository(domain.Account{ID: "a", ExpiresAt: clock.Now().Add(time.Minute)})
	n := notifications.NewInMemoryNotifier()
	p := NewManager(repo, WithClock(clock.Now), WithPolicy(testPolicy), WithNotifier(n))
	ctx := context.Background()
	_ = p.Sync(ctx, true)

	if _, err := p.Select(ctx, nil); err != nil {
		t.Fatalf("Select() before expiry error = %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := p.Select(ctx, nil); !errors.Is(err, domain.ErrNoAccountAvailable) {
		t.Fatalf("Select() after expiry error = %v", err)
	}
	acc, _ := p.Get("a")
	if acc.Status != domain.StatusDisabled {
		t.Errorf("Status = %q, want disabled", acc.Status)
	}
	if ev := n.Events(); len(ev) != 1 || ev[0].Reason != "expired" {
		t.Errorf("events = %+v", ev)
	}
}

func TestSync_AddsAndDisablesRemoved(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	f.repo.Delete("b")
	if err := f.repo.Save(ctx, domain.Account{ID: "c"}); err != nil {
		t.Fatal(err)
	}
	if err := f.pool.Sync(ctx, false); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	snap := f.pool.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len(Snapshot()) = %d, want 3", len(snap))
	}
	b, _ := f.pool.Get("b")
	if b.Status != domain.StatusDisabled {
		t.Errorf("removed account Status = %q, want disabled", b.Status)
	}
	if _, err := f.pool.Get("c"); err != nil {
		t.Errorf("new account missing: %v", err)
	}

	counts := f.pool.Counts()
	if counts[domain.StatusActive] != 2 || counts[domain.StatusDisabled] != 1 {
		t.Errorf("Counts() = %v", counts)
	}
}

func TestSync_SkipsUnchangedMarker(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	f.pool.ReportRateLimited(ctx, "a")
	marker, _ := f.repo.UpdatedAt(ctx)
	f.pool.marker = marker

	if err := f.pool.Sync(ctx, false); err != nil {
		t.Fatal(err)
	}
	acc, _ := f.pool.Get("a")
	if acc.Status != domain.StatusCoolingDown {
		t.Errorf("Status = %q, cooldown should survive a sync", acc.Status)
	}
}

func TestRefreshIfDue(t *testing.T) {
	clock := newFakeClock()
	repo := repository.NewInMemoryAccountRepository(domain.Account{
		ID:          "a",
		Mailbox:     domain.Mailbox{Address: "old@x"},
		Credentials: domain.Credentials{SecureCSes: "cookie-1"},
	})
	policy := testPolicy()
	policy.AutoRefreshAccountsSeconds = 300
	p := NewManager(repo, WithClock(clock.Now), WithPolicy(func() config.RetryPolicy { return policy }))
	ctx := context.Background()
	_ = p.Sync(ctx, true)

	_ = repo.Save(ctx, domain.Account{
		ID:          "a",
		Mailbox:     domain.Mailbox{Address: "new@x"},
		Credentials: domain.Credentials{SecureCSes: "cookie-2"},
	})

	if err := p.RefreshIfDue(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	acc, _ := p.Get("a")
	if acc.Mailbox.Address != "old@x" {
		t.Fatal("refresh ran before the interval elapsed")
	}

	clock.Advance(5 * time.Minute)
	if err := p.RefreshIfDue(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	acc, _ = p.Get("a")
	if acc.Mailbox.Address != "new@x" {
		t.Errorf("Mailbox = %q, want new@x", acc.Mailbox.Address)
	}
	if acc.Credentials.SecureCSes != "cookie-1" {
		t.Errorf("credentials must not change on metadata refresh, got %q", acc.Credentials.SecureCSes)
	}

	if err := p.RefreshIfDue(ctx, "missing"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("RefreshIfDue(missing) error = %v", err)
	}
}

// gatedRepository holds disable writes until released.
type gatedRepository struct {
	*repository.InMemoryAccountRepository
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRepository) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus, until time.Time) error {
	if status == domain.StatusDisabled {
		close(r.entered)
		<-r.release
	}
	return r.InMemoryAccountRepository.UpdateStatus(ctx, id, status, until)
}

func TestSync_KeepsDisableWhilePersisting(t *testing.T) {
	inner := repository.NewInMemoryAccountRepository(domain.Account{ID: "a", Status: domain.StatusActive})
	repo := &gatedRepository{InMemoryAccountRepository: inner, entered: make(chan struct{}), release: make(chan struct{})}
	p := NewManager(repo, WithClock(newFakeClock().Now), WithPolicy(testPolicy))
	ctx := context.Background()
	if err := p.Sync(ctx, true); err != nil {
		t.Fatal(err)
	}

	p.ReportFailure(ctx, "a")
	p.ReportFailure(ctx, "a")

	done := make(chan bool, 1)
	go func() { done <- p.ReportFailure(ctx, "a") }()
	<-repo.entered

	// The repository still says active.
	if err := p.Sync(ctx, true); err != nil {
		t.Fatal(err)
	}
	if acc, _ := p.Get("a"); acc.Status != domain.StatusDisabled {
		t.Fatalf("Status = %q after sync with stale row, want disabled", acc.Status)
	}

	close(repo.release)
	if !<-done {
		t.Fatal("third failure should disable the account")
	}

	if err := p.Sync(ctx, true); err != nil {
		t.Fatal(err)
	}
	if acc, _ := p.Get("a"); acc.Status != domain.StatusDisabled {
		t.Fatalf("Status = %q after sync with persisted row, want disabled", acc.Status)
	}

	// An operator re-enabling the row afterwards still wins.
	if err := inner.UpdateStatus(ctx, "a", domain.StatusActive, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := p.Sync(ctx, true); err != nil {
		t.Fatal(err)
	}
	if acc, _ := p.Get("a"); acc.Status != domain.StatusActive || acc.FailureCount != 0 {
		t.Errorf("account = %s failures=%d, want restored", acc.Status, acc.FailureCount)
	}
}

func TestManager_PublishesPoolGauge(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()

	gauge := func(status domain.AccountStatus) float64 {
		return testutil.ToFloat64(metrics.PoolAccounts.WithLabelValues(string(status)))
	}

	if got := gauge(domain.StatusActive); got != 3 {
		t.Errorf("active after sync = %v, want 3", got)
	}

	for i := 0; i < 3; i++ {
		f.pool.ReportFailure(ctx, "a")
	}
	if gauge(domain.StatusActive) != 2 || gauge(domain.StatusDisabled) != 1 {
		t.Errorf("after eviction active=%v disabled=%v", gauge(domain.StatusActive), gauge(domain.StatusDisabled))
	}

	f.pool.ReportRateLimited(ctx, "b")
	if gauge(domain.StatusCoolingDown) != 1 || gauge(domain.StatusActive) != 1 {
		t.Errorf("after rate limit cooling=%v active=%v", gauge(domain.StatusCoolingDown), gauge(domain.StatusActive))
	}

	if err := f.pool.Reset(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if gauge(domain.StatusActive) != 2 || gauge(domain.StatusDisabled) != 0 {
		t.Errorf("after reset active=%v disabled=%v", gauge(domain.StatusActive), gauge(domain.StatusDisabled))
	}
}

func TestManager_ConcurrentReports(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acc, err := f.pool.Select(ctx, nil)
			if err != nil {
				return
			}
			switch i % 3 {
			case 0:
				f.pool.ReportSuccess(ctx, acc.ID)
			case 1:
				f.pool.ReportFailure(ctx, acc.ID)
			default:
				f.pool.ReportRateLimited(ctx, acc.ID)
			}
		}(i)
	}
	wg.Wait()

	for _, acc := range f.pool.Snapshot() {
		if acc.Status == domain.StatusDisabled && acc.FailureCount < 3 {
			t.Errorf("%s disabled with %d failures", acc.ID, acc.FailureCount)
		}
	}
}

type countingMinter struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (m *countingMinter) MintToken(ctx context.Context, acc domain.Account) (string, time.Time, error) {
	m.calls.Add(1)
	if m.release != nil {
		<-m.release
	}
	if m.err != nil {
		return "", time.Time{}, m.err
	}
	return "jwt-" + acc.ID, time.Now().Add(5 * time.Minute), nil
}

func TestTokenSource_ReusesValidToken(t *testing.T) {
	f := newFixture(t, "a")
	minter := &countingMinter{}
	ts := NewTokenSource(f.pool, minter)

	acc := domain.Account{ID: "a", Credentials: domain.Credentials{
		Token:       "cached",
		TokenExpiry: f.clock.Now().Add(4 * time.Minute),
	}}
	tok, err := ts.Token(context.Background(), acc)
	if err != nil || tok != "cached" {
		t.Fatalf("Token() = %q, %v", tok, err)
	}
	if minter.calls.Load() != 0 {
		t.Error("valid token should not be re-minted")
	}
}

func TestTokenSource_SingleFlight(t *testing.T) {
	repo := repository.NewInMemoryAccountRepository(domain.Account{ID: "a"})
	p := NewManager(repo)
	_ = p.Sync(context.Background(), true)

	minter := &countingMinter{release: make(chan struct{})}
	ts := NewTokenSource(p, minter)

	var wg sync.WaitGroup
	results := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ts.Token(context.Background(), domain.Account{ID: "a"})
			if err != nil {
				t.Error(err)
				return
			}
			results <- tok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(minter.release)
	wg.Wait()
	close(results)

	for tok := range results {
		if tok != "jwt-a" {
			t.Errorf("token = %q", tok)
		}
	}
	if n := minter.calls.Load(); n != 1 {
		t.Errorf("MintToken called %d times, want 1", n)
	}
	acc, _ := p.Get("a")
	if acc.Credentials.Token != "jwt-a" {
		t.Error("minted token should be cached on the account")
	}
}

func TestTokenSource_MintError(t *testing.T) {
	f := newFixture(t, "a")
	ts := NewTokenSource(f.pool, &countingMinter{err: errors.New("xsrf 401")})

	_, err := ts.Token(context.Background(), domain.Account{ID: "a"})
	if !errors.Is(err, domain.ErrTokenUnavailable) {
		t.Errorf("Token() error = %v, want ErrTokenUnavailable", err)
	}
}
