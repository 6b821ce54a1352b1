package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// MinReadTimeout is the floor for the chat transport read timeout; deep
// answers can stream for a long time before the provider closes.
const MinReadTimeout = 1800 * time.Second

type RetryPolicy struct {
	MaxNewSessionTries         int `json:"max_new_session_tries"`
	MaxRequestRetries          int `json:"max_request_retries"`
	MaxAccountSwitchTries      int `json:"max_account_switch_tries"`
	AccountFailureThreshold    int `json:"account_failure_threshold"`
	RateLimitCooldownSeconds   int `json:"rate_limit_cooldown_seconds"`
	SessionCacheTTLSeconds     int `json:"session_cache_ttl_seconds"`
	StreamAutoRetryTimes       int `json:"stream_auto_retry_times"`
	AutoRefreshAccountsSeconds int `json:"auto_refresh_accounts_seconds"`
	RefreshWindowSeconds       int `json:"refresh_window_seconds"`
	TokenSkewSeconds           int `json:"token_skew_seconds"`
	PollIntervalSeconds        int `json:"poll_interval_seconds"`
	PollMaxWaitSeconds         int `json:"poll_max_wait_seconds"`
	PollMaxRetries             int `json:"poll_max_retries"`
}

func (p RetryPolicy) RateLimitCooldown() time.Duration { return seconds(p.RateLimitCooldownSeconds) }
func (p RetryPolicy) SessionTTL() time.Duration        { return seconds(p.SessionCacheTTLSeconds) }
func (p RetryPolicy) AutoRefresh() time.Duration       { return seconds(p.AutoRefreshAccountsSeconds) }
func (p RetryPolicy) RefreshWindow() time.Duration     { return seconds(p.RefreshWindowSeconds) }
func (p RetryPolicy) TokenSkew() time.Duration         { return seconds(p.TokenSkewSeconds) }
func (p RetryPolicy) PollInterval() time.Duration      { return seconds(p.PollIntervalSeconds) }
func (p RetryPolicy) PollMaxWait() time.Duration       { return seconds(p.PollMaxWaitSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ModelEntry adds or replaces one advertised model.
type ModelEntry struct {
	Name    string   `json:"name"`
	ModelID string   `json:"model_id,omitempty"`
	Tools   []string `json:"tools,omitempty"`
	Agent   bool     `json:"agent,omitempty"`
}

func (e ModelEntry) Virtual() (domain.VirtualModel, error) {
	vm := domain.VirtualModel{Name: e.Name, ModelID: e.ModelID, Mode: domain.ModeNormal}
	if e.Agent {
		vm.Mode = domain.ModeAgent
	}
	for _, t := range e.Tools {
		flag, ok := domain.ParseTool(t)
		if !ok {
			return vm, fmt.Errorf("model %q: unknown tool %q", e.Name, t)
		}
		vm.Tools |= flag
	}
	return vm, nil
}

// Snapshot is an immutable view of the tunable settings. A dispatch reads
// one snapshot for its whole lifetime.
type Snapshot struct {
	Version            int64        `json:"version"`
	Retry              RetryPolicy  `json:"retry"`
	ProxyAuth          string       `json:"proxy_auth,omitempty"`
	ProxyChat          string       `json:"proxy_chat,omitempty"`
	LanguageCode       string       `json:"language_code"`
	TimeZone           string       `json:"time_zone"`
	ReadTimeoutSeconds int          `json:"read_timeout_seconds"`
	Models             []ModelEntry `json:"models,omitempty"`
}

func (s Snapshot) ReadTimeout() time.Duration {
	if d := seconds(s.ReadTimeoutSeconds); d > MinReadTimeout {
		return d
	}
	return MinReadTimeout
}

// Redacted hides proxy credentials so the snapshot can be shown to operators.
func (s Snapshot) Redacted() Snapshot {
	s.ProxyAuth = redactURL(s.ProxyAuth)
	s.ProxyChat = redactURL(s.ProxyChat)
	return s
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "redacted"
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	return u.String()
}

func DefaultSnapshot() Snapshot {
	return Snapshot{
		Version: 1,
		Retry: RetryPolicy{
			MaxNewSessionTries:       5,
			MaxRequestRetries:        3,
			MaxAccountSwitchTries:    5,
			AccountFailureThreshold:  3,
			RateLimitCooldownSeconds: 600,
			SessionCacheTTLSeconds:   3600,
			StreamAutoRetryTimes:     2,
			RefreshWindowSeconds:     3600,
			TokenSkewSeconds:         60,
			PollIntervalSeconds:      5,
			PollMaxWaitSeconds:       1800,
			PollMaxRetries:           5,
		},
		LanguageCode:       "en-US",
		TimeZone:           "UTC",
		ReadTimeoutSeconds: int(MinReadTimeout / time.Second),
	}
}

func (s Snapshot) Validate() error {
	r := s.Retry
	var errs []error
	if r.MaxNewSessionTries < 1 {
		errs = append(errs, errors.New("max_new_session_tries must be >= 1"))
	}
	if r.MaxRequestRetries < 0 {
		errs = append(errs, errors.New("max_request_retries must be >= 0"))
	}
	if r.MaxAccountSwitchTries < 0 {
		errs = append(errs, errors.New("max_account_switch_tries must be >= 0"))
	}
	if r.AccountFailureThreshold < 1 {
		errs = append(errs, errors.New("account_failure_threshold must be >= 1"))
	}
	if r.RateLimitCooldownSeconds < 0 || r.SessionCacheTTLSeconds < 1 {
		errs = append(errs, errors.New("cooldown and session ttl must be positive"))
	}
	if r.StreamAutoRetryTimes < 0 || r.AutoRefreshAccountsSeconds < 0 {
		errs = append(errs, errors.New("stream retries and auto refresh must be >= 0"))
	}
	if r.PollIntervalSeconds < 1 || r.PollMaxWaitSeconds < r.PollIntervalSeconds {
		errs = append(errs, errors.New("poll interval must be >= 1 and <= poll max wait"))
	}
	for _, m := range s.Models {
		if m.Name == "" {
			errs = append(errs, errors.New("model entry without name"))
			continue
		}
		if _, err := m.Virtual(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadSnapshotFile reads a settings file. Missing keys keep their defaults.
func LoadSnapshotFile(path string) (Snapshot, error) {
	snap := DefaultSnapshot()
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode settings: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return snap, fmt.Errorf("invalid settings: %w", err)
	}
	return snap, nil
}

// Store holds the current snapshot. Readers never block; a reload swaps
// the pointer and bumps the version.
type Store struct {
	current atomic.Pointer[Snapshot]
	path    string
	mu      sync.Mutex
}

func NewStore(initial Snapshot, path string) *Store {
	s := &Store{path: path}
	if initial.Version == 0 {
		initial.Version = 1
	}
	s.current.Store(&initial)
	return s
}

func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Swap validates next and installs it with the following version number.
func (s *Store) Swap(next Snapshot) (*Snapshot, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next.Version = s.current.Load().Version + 1
	s.current.Store(&next)
	return &next, nil
}

// Reload re-reads the settings file. Without a file it is a no-op.
func (s *Store) Reload() (*Snapshot, error) {
	if s.path == "" {
		return s.Current(), nil
	}
	next, err := LoadSnapshotFile(s.path)
	if err != nil {
		return nil, err
	}
	return s.Swap(next)
}
