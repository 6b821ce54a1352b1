package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// HealthChecker is one dependency probed by the health endpoints.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type HealthStatus struct {
	Status        string                 `json:"status"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
	Version       string                 `json:"version,omitempty"`
	ConfigVersion int64                  `json:"config_version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RedisHealthChecker pings the session store.
type RedisHealthChecker struct {
	client redis.UniversalClient
}

func NewRedisHealthChecker(redisURL string) (*RedisHealthChecker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisHealthChecker{client: redis.NewClient(opts)}, nil
}

func NewRedisHealthCheckerWithClient(client redis.UniversalClient) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string { return "redis" }

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisHealthChecker) Close() error { return c.client.Close() }

// PostgresHealthChecker pings the account database.
type PostgresHealthChecker struct {
	db *sql.DB
}

func NewPostgresHealthChecker(db *sql.DB) *PostgresHealthChecker {
	return &PostgresHealthChecker{db: db}
}

func (c *PostgresHealthChecker) Name() string { return "postgres" }

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// PoolCounter reports how many accounts sit in each status.
type PoolCounter interface {
	Counts() map[domain.AccountStatus]int
}

// PoolHealthChecker fails while no account is active. Cooling accounts
// come back on their own, so the gateway is not ready until one does.
type PoolHealthChecker struct {
	pool PoolCounter
}

func NewPoolHealthChecker(pool PoolCounter) *PoolHealthChecker {
	return &PoolHealthChecker{pool: pool}
}

func (c *PoolHealthChecker) Name() string { return "account_pool" }

func (c *PoolHealthChecker) Check(ctx context.Context) error {
	counts := c.pool.Counts()
	if counts[domain.StatusActive] == 0 {
		return fmt.Errorf("%w: %d cooling down, %d disabled",
			domain.ErrNoAccountAvailable, counts[domain.StatusCoolingDown], counts[domain.StatusDisabled])
	}
	return nil
}

// runHealthChecks executes all health checks concurrently.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			result := CheckResult{Status: "ok", Duration: time.Since(start).String()}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)

		status := HealthStatus{Status: "ready", Checks: results, Version: Version}
		httpStatus := http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				status.Status = "not_ready"
				httpStatus = http.StatusServiceUnavailable
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(status)
	}
}
