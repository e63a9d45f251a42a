package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/shared"
)

type anonymousResolver struct{}

func (anonymousResolver) Resolve(*http.Request) (rbac.Principal, error) {
	return rbac.Principal{}, shared.ErrUnauthenticated
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &Config{AppEnv: "test", RateLimitPerMinute: 1000}
	return NewRouter(RouterParams{
		Config:         cfg,
		SessionManager: shared.NewSessionManager(client, "moemail_session", "session-secret", time.Hour, false),
		CSRFManager:    shared.NewCSRFManager("csrf-secret"),
		Gate:           rbac.NewGate(anonymousResolver{}, rbac.DefaultRules(), nil),
		RolesHandler:   rbac.NewHandler(),
	})
}

func TestRouterHealthz(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRouterGatesProtectedPrefixes(t *testing.T) {
	router := newTestRouter(t)

	for _, path := range []string{"/api/admin/card-keys", "/api/emails", "/api/api-keys", "/api/users"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestRouterRolesRequiresPrincipal(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/roles", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
