package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

type prefixSealer struct {
	fail bool
}

func (s prefixSealer) Seal(v string) (string, error) {
	if s.fail {
		return "", errors.New("seal failed")
	}
	return "sealed:" + v, nil
}

func (s prefixSealer) Open(v string) (string, error) {
	if !strings.HasPrefix(v, "sealed:") {
		return "", errors.New("not sealed")
	}
	return strings.TrimPrefix(v, "sealed:"), nil
}

func testAccount(id string) domain.Account {
	return domain.Account{
		ID:      id,
		Mailbox: domain.Mailbox{Provider: "duckmail", Address: id},
		Credentials: domain.Credentials{
			SecureCSes: "ses-" + id,
			HostCOses:  "oses-" + id,
			CSesIdx:    "123",
			ConfigID:   "cfg-" + id,
		},
		Status:    domain.StatusActive,
		ExpiresAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestInMemoryAccountRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryAccountRepository(testAccount("a@x"), testAccount("b@x"))

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "a@x" || list[1].ID != "b@x" {
		t.Fatalf("List() = %v, want insertion order", list)
	}

	before, _ := repo.UpdatedAt(ctx)
	until := time.Now().Add(time.Minute)
	if err := repo.UpdateStatus(ctx, "a@x", domain.StatusCoolingDown, until); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := repo.RecordFailure(ctx, "a@x", 2); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}

	got, err := repo.Get(ctx, "a@x")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.StatusCoolingDown || !got.CooldownUntil.Equal(until) || got.FailureCount != 2 {
		t.Errorf("Get() = %+v", got)
	}

	after, _ := repo.UpdatedAt(ctx)
	if !after.After(before) {
		t.Error("UpdatedAt should move forward after a change")
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
	if err := repo.UpdateStatus(ctx, "missing", domain.StatusActive, time.Time{}); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("UpdateStatus(missing) error = %v", err)
	}

	repo.Delete("b@x")
	list, _ = repo.List(ctx)
	if len(list) != 1 {
		t.Errorf("len(List()) = %d after delete, want 1", len(list))
	}
}

func TestFileAccountRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "accounts.json")
	repo := NewFileAccountRepository(path, prefixSealer{})

	if list, err := repo.List(ctx); err != nil || len(list) != 0 {
		t.Fatalf("List() on missing file = %v, %v", list, err)
	}

	if err := repo.Save(ctx, testAccount("a@x")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.Save(ctx, testAccount("b@x")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), `"ses-a@x"`) {
		t.Error("credentials should be sealed on disk")
	}

	if err := repo.UpdateStatus(ctx, "b@x", domain.StatusDisabled, time.Time{}); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}
	if list[0].Credentials.SecureCSes != "ses-a@x" {
		t.Errorf("SecureCSes = %q", list[0].Credentials.SecureCSes)
	}
	if list[1].Status != domain.StatusDisabled {
		t.Errorf("Status = %q, want disabled", list[1].Status)
	}
	if !list[0].ExpiresAt.Equal(testAccount("a@x").ExpiresAt) {
		t.Errorf("ExpiresAt = %v", list[0].ExpiresAt)
	}

	if err := repo.RecordFailure(ctx, "missing", 1); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("RecordFailure(missing) error = %v", err)
	}
}

func TestFileAccountRepository_AutomationFormat(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "accounts.json")
	content := `[
  {"id": "a@x", "csesidx": "42", "config_id": "cfg", "secure_c_ses": "s", "host_c_oses": "h",
   "expires_at": "2026-02-01 08:30:00", "mail_provider": "moemail", "mail_address": "a@x", "disabled": false},
  {"id": "b@x", "csesidx": "43", "config_id": "cfg", "secure_c_ses": "s", "host_c_oses": "h", "disabled": true}
]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	repo := NewFileAccountRepository(path, nil)
	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	want := time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC)
	if !list[0].ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", list[0].ExpiresAt, want)
	}
	if list[0].Status != domain.StatusActive {
		t.Errorf("Status = %q, want active", list[0].Status)
	}
	if list[1].Status != domain.StatusDisabled {
		t.Errorf("Status = %q, want disabled", list[1].Status)
	}

	marker, err := repo.UpdatedAt(ctx)
	if err != nil || marker.IsZero() {
		t.Errorf("UpdatedAt() = %v, %v", marker, err)
	}
}

func TestToRecord_SealError(t *testing.T) {
	if _, err := toRecord(testAccount("a@x"), prefixSealer{fail: true}); err == nil {
		t.Error("expected seal error")
	}
}

func TestRecord_ReenabledWhenDisabledFlagCleared(t *testing.T) {
	rec := record{ID: "a@x", Status: "disabled", Disabled: false}
	acc, err := rec.toAccount(nil)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Status != domain.StatusActive {
		t.Errorf("Status = %q, want active", acc.Status)
	}
}
