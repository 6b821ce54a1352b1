package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
)

// TokenMinter exchanges an account's cookies for a short-lived bearer token.
type TokenMinter interface {
	MintToken(ctx context.Context, acc domain.Account) (token string, expiry time.Time, err error)
}

// TokenSource returns a bearer token that outlives the configured skew,
// minting at most one token per account at a time.
type TokenSource struct {
	pool   *Manager
	minter TokenMinter
	group  singleflight.Group
}

func NewTokenSource(pool *Manager, minter TokenMinter) *TokenSource {
	return &TokenSource{pool: pool, minter: minter}
}

func (ts *TokenSource) Token(ctx context.Context, acc domain.Account) (string, error) {
	skew := ts.pool.policy().TokenSkew()
	if acc.TokenValid(ts.pool.now(), skew) {
		return acc.Credentials.Token, nil
	}

	v, err, shared := ts.group.Do(acc.ID, func() (interface{}, error) {
		// Another caller may have minted while this one waited.
		if current, err := ts.pool.Get(acc.ID); err == nil && current.TokenValid(ts.pool.now(), skew) {
			return current.Credentials.Token, nil
		}

		start := time.Now()
		token, expiry, err := ts.minter.MintToken(ctx, acc)
		if err != nil {
			metrics.RecordTokenMint("error", time.Since(start))
			return "", err
		}
		metrics.RecordTokenMint("ok", time.Since(start))
		ts.pool.UpdateToken(acc.ID, token, expiry)
		return token, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrTokenUnavailable, acc.ID, err)
	}
	if shared {
		slog.Debug("token mint shared", "account_id", acc.ID)
	}
	return v.(string), nil
}
