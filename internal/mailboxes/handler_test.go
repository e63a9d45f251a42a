package mailboxes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/settings"
)

type staticSnapshot settings.Snapshot

func (s staticSnapshot) Snapshot(context.Context) (settings.Snapshot, error) {
	return settings.Snapshot(s), nil
}

func newTestRouter(f fixture, principal rbac.Principal, snap settings.Snapshot) http.Handler {
	h := NewHandler(nil, f.svc, staticSnapshot(snap))
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(rbac.ContextWithPrincipal(req.Context(), principal)))
		})
	})
	r.Route("/api/emails", h.MountRoutes)
	return r
}

func postGenerate(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/emails/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGenerateEndpoint(t *testing.T) {
	f := newFixture(t)
	snap := enabled()
	snap.MaxEmails = 1
	h := newTestRouter(f, rbac.Principal{UserID: "k", Role: rbac.RoleKnight}, snap)

	rec := postGenerate(t, h, `{"name":"inbox","domain":"moemail.app","expiryTime":3600000}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "inbox@moemail.app", out.Email)
	assert.NotEmpty(t, out.ID)

	rec = postGenerate(t, h, `{"name":"second","domain":"moemail.app","expiryTime":3600000}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postGenerate(t, h, `{"name":"inbox","domain":"moemail.app","expiryTime":7}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postGenerate(t, h, `{"name":"inbox","expiryTime":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateEndpointConflict(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f, rbac.Principal{UserID: "e", Role: rbac.RoleEmperor}, enabled())

	rec := postGenerate(t, h, `{"name":"vip","domain":"moemail.app","expiryTime":0}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = postGenerate(t, h, `{"name":"VIP","domain":"moemail.app","expiryTime":0}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
