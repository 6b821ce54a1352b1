// Package auth guards the admin API with bcrypt-checked basic auth and a
// small role table.
package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

type Permission string

const (
	PermissionAccountsRead  Permission = "accounts:read"
	PermissionAccountsWrite Permission = "accounts:write"
	PermissionConfigRead    Permission = "config:read"
	PermissionConfigWrite   Permission = "config:write"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionAccountsRead,
		PermissionAccountsWrite,
		PermissionConfigRead,
		PermissionConfigWrite,
	},
	// Operators may look and resync but not change credentials or settings.
	RoleOperator: {
		PermissionAccountsRead,
		PermissionConfigRead,
	},
}

func HasPermission(role Role, permission Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

type AdminUser struct {
	Username     string
	PasswordHash string
	Role         Role
}

// Users is a fixed set of admin identities loaded at startup.
type Users struct {
	mu    sync.RWMutex
	users map[string]AdminUser
}

func NewUsers(users ...AdminUser) *Users {
	u := &Users{users: make(map[string]AdminUser, len(users))}
	for _, user := range users {
		u.users[user.Username] = user
	}
	return u
}

func (u *Users) Authenticate(username, password string) (AdminUser, error) {
	u.mu.RLock()
	user, ok := u.users[username]
	u.mu.RUnlock()
	if !ok {
		// Compare anyway so unknown names cost the same as bad passwords.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return AdminUser{}, ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return AdminUser{}, ErrInvalidPassword
	}
	return user, nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("unused"), bcrypt.MinCost)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type contextKey string

const userContextKey contextKey = "admin_user"

func WithUser(ctx context.Context, user AdminUser) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func UserFromContext(ctx context.Context) (AdminUser, bool) {
	user, ok := ctx.Value(userContextKey).(AdminUser)
	return user, ok
}

type Middleware struct {
	users *Users
}

func NewMiddleware(users *Users) *Middleware {
	return &Middleware{users: users}
}

func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="Gateway Admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := m.users.Authenticate(username, password)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (m *Middleware) RequirePermission(permission Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !HasPermission(user.Role, permission) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
