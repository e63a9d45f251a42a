// Package auth resolves request identities and serves the login surface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/moemail/moemail/internal/apikeys"
	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/shared"
	"github.com/moemail/moemail/internal/users"
)

// CredentialStore resolves hashed API keys.
type CredentialStore interface {
	FindByHash(ctx context.Context, hash string) (apikeys.Key, error)
	TouchKey(ctx context.Context, id string, at time.Time) error
}

// AccountStore reads accounts.
type AccountStore interface {
	GetUser(ctx context.Context, id string) (users.User, error)
}

// SessionProvider maps a session token to a user id.
type SessionProvider interface {
	UserID(ctx context.Context, token string) (string, error)
	CookieName() string
}

// Resolver determines the acting principal. A credential header always wins
// over a session cookie and a rejected credential never falls back to it.
type Resolver struct {
	credentials CredentialStore
	accounts    AccountStore
	sessions    SessionProvider
	logger      *slog.Logger
	now         func() time.Time
}

// NewResolver constructs a Resolver.
func NewResolver(credentials CredentialStore, accounts AccountStore, sessions SessionProvider, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{credentials: credentials, accounts: accounts, sessions: sessions, logger: logger, now: time.Now}
}

// Resolve implements rbac.IdentityResolver.
func (r *Resolver) Resolve(req *http.Request) (rbac.Principal, error) {
	ctx := req.Context()
	if raw, ok := credentialHeader(req); ok {
		return r.fromCredential(ctx, raw)
	}
	userID, err := r.sessionUser(req)
	if err != nil {
		return rbac.Principal{}, err
	}
	return r.principal(ctx, userID, false)
}

func credentialHeader(req *http.Request) (string, bool) {
	values, present := req.Header[http.CanonicalHeaderKey(apikeys.Header)]
	if !present {
		return "", false
	}
	if len(values) == 0 {
		return "", true
	}
	return strings.TrimSpace(values[0]), true
}

func (r *Resolver) fromCredential(ctx context.Context, raw string) (rbac.Principal, error) {
	if raw == "" {
		return rbac.Principal{}, shared.ErrUnauthenticated
	}
	key, err := r.credentials.FindByHash(ctx, apikeys.Hash(raw))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return rbac.Principal{}, shared.ErrUnauthenticated
		}
		return rbac.Principal{}, fmt.Errorf("auth: lookup credential: %w", err)
	}
	now := r.now()
	if !key.Usable(now) {
		return rbac.Principal{}, shared.ErrUnauthenticated
	}
	if err := r.credentials.TouchKey(ctx, key.ID, now); err != nil {
		r.logger.Warn("auth touch api key", slog.Any("error", err))
	}
	return r.principal(ctx, key.UserID, true)
}

func (r *Resolver) sessionUser(req *http.Request) (string, error) {
	if sess := shared.SessionFromContext(req.Context()); sess != nil {
		if id := sess.User(); id != "" {
			return id, nil
		}
		return "", shared.ErrUnauthenticated
	}
	if r.sessions == nil {
		return "", shared.ErrUnauthenticated
	}
	cookie, err := req.Cookie(r.sessions.CookieName())
	if err != nil || cookie.Value == "" {
		return "", shared.ErrUnauthenticated
	}
	return r.sessions.UserID(req.Context(), cookie.Value)
}

// principal re-reads the role so a change takes effect on the next request.
func (r *Resolver) principal(ctx context.Context, userID string, viaKey bool) (rbac.Principal, error) {
	user, err := r.accounts.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return rbac.Principal{}, shared.ErrUnauthenticated
		}
		return rbac.Principal{}, fmt.Errorf("auth: load account: %w", err)
	}
	if !user.IsActive || !user.Role.Valid() {
		return rbac.Principal{}, shared.ErrUnauthenticated
	}
	return rbac.Principal{UserID: user.ID, Role: user.Role, ViaAPIKey: viaKey}, nil
}
