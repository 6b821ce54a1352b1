package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/auth"
	"github.com/felipepmaragno/gemini-gateway/internal/config"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// AccountAdmin is the part of the pool the admin API drives.
type AccountAdmin interface {
	Snapshot() []domain.Account
	Counts() map[domain.AccountStatus]int
	Reset(ctx context.Context, id string) error
	ApplyCredentials(ctx context.Context, id string, creds domain.Credentials, expiresAt time.Time) error
	Sync(ctx context.Context, force bool) error
}

type SettingsStore interface {
	Current() *config.Snapshot
	Reload() (*config.Snapshot, error)
}

// SessionLister asks the provider which chat sessions an account holds.
type SessionLister interface {
	AccountSessions(ctx context.Context, accountID string) ([]string, error)
}

type AdminHandler struct {
	pool     AccountAdmin
	settings SettingsStore
	sessions SessionLister
	mux      *http.ServeMux
}

type AdminOption func(*AdminHandler)

// WithSessionLister enables GET /admin/accounts/{id}/sessions.
func WithSessionLister(l SessionLister) AdminOption {
	return func(h *AdminHandler) { h.sessions = l }
}

// NewAdminHandler registers the admin routes. A nil middleware leaves them
// open, which is only meant for tests and local runs.
func NewAdminHandler(pool AccountAdmin, settings SettingsStore, mw *auth.Middleware, opts ...AdminOption) *AdminHandler {
	h := &AdminHandler{
		pool:     pool,
		settings: settings,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	guard := func(p auth.Permission, fn http.HandlerFunc) http.Handler {
		if mw == nil {
			return fn
		}
		return mw.RequireAuth(mw.RequirePermission(p, fn))
	}

	h.mux.Handle("GET /admin/accounts", guard(auth.PermissionAccountsRead, h.listAccounts))
	h.mux.Handle("POST /admin/accounts/sync", guard(auth.PermissionAccountsRead, h.syncAccounts))
	h.mux.Handle("POST /admin/accounts/{id}/reset", guard(auth.PermissionAccountsWrite, h.resetAccount))
	h.mux.Handle("PUT /admin/accounts/{id}/credentials", guard(auth.PermissionAccountsWrite, h.updateCredentials))
	if h.sessions != nil {
		h.mux.Handle("GET /admin/accounts/{id}/sessions", guard(auth.PermissionAccountsRead, h.listSessions))
	}
	h.mux.Handle("GET /admin/config", guard(auth.PermissionConfigRead, h.getConfig))
	h.mux.Handle("POST /admin/config/reload", guard(auth.PermissionConfigWrite, h.reloadConfig))

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := h.pool.Snapshot()
	views := make([]domain.AccountView, 0, len(accounts))
	for _, acc := range accounts {
		views = append(views, acc.View())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": views,
		"count":    len(views),
		"counts":   h.pool.Counts(),
	})
}

func (h *AdminHandler) syncAccounts(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Sync(r.Context(), true); err != nil {
		slog.Error("account sync failed", "error", err)
		writeAdminError(w, http.StatusBadGateway, "account sync failed")
		return
	}
	counts := h.pool.Counts()

	slog.Info("accounts synced via admin API", "counts", counts)
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (h *AdminHandler) resetAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.pool.Reset(r.Context(), id); err != nil {
		h.accountError(w, id, err)
		return
	}

	slog.Info("account reset", "account_id", id, "by", adminName(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	names, err := h.sessions.AccountSessions(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			writeAdminError(w, http.StatusNotFound, "account not found")
			return
		}
		slog.Warn("session listing failed", "account_id", id, "error", err)
		writeAdminError(w, http.StatusBadGateway, "session listing failed")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "sessions": names, "count": len(names)})
}

// CredentialsRequest is what the registration automation pushes back after
// a login or refresh.
type CredentialsRequest struct {
	SecureCSes string    `json:"secure_c_ses"`
	HostCOses  string    `json:"host_c_oses"`
	CSesIdx    string    `json:"csesidx"`
	ConfigID   string    `json:"config_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (h *AdminHandler) updateCredentials(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SecureCSes == "" || req.CSesIdx == "" || req.ConfigID == "" {
		writeAdminError(w, http.StatusBadRequest, "secure_c_ses, csesidx and config_id are required")
		return
	}

	creds := domain.Credentials{
		SecureCSes: req.SecureCSes,
		HostCOses:  req.HostCOses,
		CSesIdx:    req.CSesIdx,
		ConfigID:   req.ConfigID,
	}
	if err := h.pool.ApplyCredentials(r.Context(), id, creds, req.ExpiresAt); err != nil {
		h.accountError(w, id, err)
		return
	}

	slog.Info("account credentials updated", "account_id", id, "expires_at", req.ExpiresAt, "by", adminName(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Current().Redacted())
}

func (h *AdminHandler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	prev := h.settings.Current().Version

	snap, err := h.settings.Reload()
	if err != nil {
		slog.Error("settings reload failed", "error", err)
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("settings reloaded", "from_version", prev, "to_version", snap.Version, "by", adminName(r))
	writeJSON(w, http.StatusOK, snap.Redacted())
}

func (h *AdminHandler) accountError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, domain.ErrAccountNotFound) {
		writeAdminError(w, http.StatusNotFound, "account not found")
		return
	}
	slog.Error("account update failed", "account_id", id, "error", err)
	writeAdminError(w, http.StatusInternalServerError, "account update failed")
}

func adminName(r *http.Request) string {
	if u, ok := auth.UserFromContext(r.Context()); ok {
		return u.Username
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
