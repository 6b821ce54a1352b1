package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// FileAccountRepository keeps accounts in a JSON array on disk, the format
// the login automation writes. The file is re-read on every call so edits
// made by that process are picked up.
type FileAccountRepository struct {
	mu     sync.RWMutex
	path   string
	sealer Sealer
}

func NewFileAccountRepository(path string, sealer Sealer) *FileAccountRepository {
	return &FileAccountRepository{path: path, sealer: sealer}
}

func (r *FileAccountRepository) load() ([]record, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode accounts file: %w", err)
	}
	return records, nil
}

func (r *FileAccountRepository) store(records []record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write accounts file: %w", err)
	}
	return os.Rename(tmp, r.path)
}

func (r *FileAccountRepository) List(ctx context.Context) ([]domain.Account, error) {
	r.mu.RLock()
	records, err := r.load()
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	accounts := make([]domain.Account, 0, len(records))
	for _, rec := range records {
		acc, err := rec.toAccount(r.sealer)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func (r *FileAccountRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	r.mu.RLock()
	records, err := r.load()
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		if rec.ID == id {
			acc, err := rec.toAccount(r.sealer)
			if err != nil {
				return nil, err
			}
			return &acc, nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

func (r *FileAccountRepository) Save(ctx context.Context, account domain.Account) error {
	rec, err := toRecord(account, r.sealer)
	if err != nil {
		return err
	}
	return r.modify(account.ID, true, func(existing *record) {
		*existing = rec
	})
}

func (r *FileAccountRepository) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus, until time.Time) error {
	return r.modify(id, false, func(rec *record) {
		rec.Status = string(status)
		rec.Disabled = status == domain.StatusDisabled
		rec.CooldownUntil = formatTime(until)
	})
}

func (r *FileAccountRepository) RecordFailure(ctx context.Context, id string, failureCount int) error {
	return r.modify(id, false, func(rec *record) {
		rec.FailureCount = failureCount
	})
}

func (r *FileAccountRepository) modify(id string, upsert bool, fn func(*record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].ID == id {
			fn(&records[i])
			return r.store(records)
		}
	}
	if !upsert {
		return domain.ErrAccountNotFound
	}
	rec := record{ID: id}
	fn(&rec)
	return r.store(append(records, rec))
}

// UpdatedAt uses the file's modification time as the change marker.
func (r *FileAccountRepository) UpdatedAt(ctx context.Context) (time.Time, error) {
	info, err := os.Stat(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
