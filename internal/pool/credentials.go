package pool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/queue"
)

// CredentialSource delivers fresh cookies from the registration automation.
type CredentialSource interface {
	ReceiveUpdates(ctx context.Context, maxMessages int) ([]queue.CredentialUpdate, error)
	Ack(ctx context.Context, receiptHandle string) error
}

const credentialBatch = 10

// ApplyUpdates drains one batch from src and returns how many accounts were
// restored. Updates for accounts the pool does not know are acked and
// dropped; a failed apply is left on the queue for redelivery.
func (m *Manager) ApplyUpdates(ctx context.Context, src CredentialSource) (int, error) {
	updates, err := src.ReceiveUpdates(ctx, credentialBatch)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, upd := range updates {
		err := m.ApplyCredentials(ctx, upd.AccountID, upd.Credentials, upd.ExpiresAt)
		switch {
		case errors.Is(err, domain.ErrAccountNotFound):
			slog.Warn("credential update for unknown account", "account_id", upd.AccountID)
		case err != nil:
			slog.Error("failed to apply credential update", "account_id", upd.AccountID, "error", err)
			continue
		default:
			applied++
			slog.Info("credentials refreshed", "account_id", upd.AccountID, "expires_at", upd.ExpiresAt)
		}

		if err := src.Ack(ctx, upd.ReceiptHandle); err != nil {
			slog.Warn("failed to ack credential update", "account_id", upd.AccountID, "error", err)
		}
	}
	return applied, nil
}

// ConsumeCredentials applies updates until ctx is done, resting for idle
// after an empty batch or an error.
func (m *Manager) ConsumeCredentials(ctx context.Context, src CredentialSource, idle time.Duration) {
	for {
		n, err := m.ApplyUpdates(ctx, src)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("credential queue receive failed", "error", err)
		}
		if err == nil && n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idle):
		}
	}
}
