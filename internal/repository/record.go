package repository

import (
	"fmt"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// Sealer encrypts credential fields at rest. A nil Sealer stores them as is.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(value string) (string, error)
}

// record is the persisted account layout written by the login automation.
// Field names match what that collaborator produces.
type record struct {
	ID            string `json:"id"`
	CSesIdx       string `json:"csesidx"`
	ConfigID      string `json:"config_id"`
	SecureCSes    string `json:"secure_c_ses"`
	HostCOses     string `json:"host_c_oses"`
	Token         string `json:"token,omitempty"`
	TokenExpiry   string `json:"token_expiry,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	MailProvider  string `json:"mail_provider,omitempty"`
	MailAddress   string `json:"mail_address,omitempty"`
	ProxyAuth     string `json:"proxy_auth,omitempty"`
	ProxyChat     string `json:"proxy_chat,omitempty"`
	Disabled      bool   `json:"disabled"`
	Status        string `json:"status,omitempty"`
	CooldownUntil string `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count,omitempty"`
}

// expires_at is written as a local wall-clock string by older tooling.
var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toRecord(acc domain.Account, sealer Sealer) (record, error) {
	rec := record{
		ID:            acc.ID,
		CSesIdx:       acc.Credentials.CSesIdx,
		ConfigID:      acc.Credentials.ConfigID,
		SecureCSes:    acc.Credentials.SecureCSes,
		HostCOses:     acc.Credentials.HostCOses,
		Token:         acc.Credentials.Token,
		TokenExpiry:   formatTime(acc.Credentials.TokenExpiry),
		ExpiresAt:     formatTime(acc.ExpiresAt),
		CreatedAt:     formatTime(acc.CreatedAt),
		MailProvider:  acc.Mailbox.Provider,
		MailAddress:   acc.Mailbox.Address,
		ProxyAuth:     acc.Proxies.Auth,
		ProxyChat:     acc.Proxies.Chat,
		Disabled:      acc.Status == domain.StatusDisabled,
		Status:        string(acc.Status),
		CooldownUntil: formatTime(acc.CooldownUntil),
		FailureCount:  acc.FailureCount,
	}
	if sealer == nil {
		return rec, nil
	}
	for _, field := range []*string{&rec.SecureCSes, &rec.HostCOses, &rec.Token} {
		if *field == "" {
			continue
		}
		sealed, err := sealer.Seal(*field)
		if err != nil {
			return record{}, fmt.Errorf("seal credentials for %s: %w", acc.ID, err)
		}
		*field = sealed
	}
	return rec, nil
}

func (rec record) toAccount(sealer Sealer) (domain.Account, error) {
	acc := domain.Account{
		ID: rec.ID,
		Mailbox: domain.Mailbox{
			Provider: rec.MailProvider,
			Address:  rec.MailAddress,
		},
		Credentials: domain.Credentials{
			SecureCSes: rec.SecureCSes,
			HostCOses:  rec.HostCOses,
			CSesIdx:    rec.CSesIdx,
			ConfigID:   rec.ConfigID,
			Token:      rec.Token,
		},
		Proxies:      domain.Proxies{Auth: rec.ProxyAuth, Chat: rec.ProxyChat},
		Status:       domain.AccountStatus(rec.Status),
		FailureCount: rec.FailureCount,
	}

	var err error
	if acc.ExpiresAt, err = parseTime(rec.ExpiresAt); err != nil {
		return acc, fmt.Errorf("account %s expires_at: %w", rec.ID, err)
	}
	if acc.CreatedAt, err = parseTime(rec.CreatedAt); err != nil {
		return acc, fmt.Errorf("account %s created_at: %w", rec.ID, err)
	}
	if acc.CooldownUntil, err = parseTime(rec.CooldownUntil); err != nil {
		return acc, fmt.Errorf("account %s cooldown_until: %w", rec.ID, err)
	}
	if acc.Credentials.TokenExpiry, err = parseTime(rec.TokenExpiry); err != nil {
		return acc, fmt.Errorf("account %s token_expiry: %w", rec.ID, err)
	}

	switch {
	case rec.Disabled:
		acc.Status = domain.StatusDisabled
	case acc.Status == "" || acc.Status == domain.StatusDisabled:
		acc.Status = domain.StatusActive
	}

	if sealer == nil {
		return acc, nil
	}
	creds := &acc.Credentials
	for _, field := range []*string{&creds.SecureCSes, &creds.HostCOses, &creds.Token} {
		if *field == "" {
			continue
		}
		opened, err := sealer.Open(*field)
		if err != nil {
			return acc, fmt.Errorf("open credentials for %s: %w", rec.ID, err)
		}
		*field = opened
	}
	return acc, nil
}
