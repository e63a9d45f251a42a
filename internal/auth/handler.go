package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/moemail/moemail/internal/platform/httpx"
	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/settings"
	"github.com/moemail/moemail/internal/shared"
	"github.com/moemail/moemail/internal/users"
)

// SnapshotSource supplies the current site configuration.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (settings.Snapshot, error)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	settings       SnapshotSource
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, settings SnapshotSource, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		settings:       settings,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      httpx.NewValidator(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/register", h.handleRegister)
	r.Get("/session", h.showSession)
}

type credentialsRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type userView struct {
	ID          string            `json:"id"`
	Username    string            `json:"username"`
	Role        rbac.Role         `json:"role"`
	Permissions []rbac.Permission `json:"permissions"`
}

func viewOf(u users.User) userView {
	return userView{ID: u.ID, Username: u.Username, Role: u.Role, Permissions: rbac.CapabilitiesOf(u.Role)}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.service.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "authenticate", err)
		return
	}
	h.startSession(w, r, user, http.StatusOK)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, err := h.settings.Snapshot(r.Context())
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "register snapshot", err)
		return
	}
	user, err := h.service.Register(r.Context(), snap, req.Username, req.Password)
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "register", err)
		return
	}
	h.startSession(w, r, user, http.StatusCreated)
}

// startSession binds user to a fresh session id; the cookie is written by the
// session middleware together with the response header.
func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, user users.User, status int) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	h.sessionManager.Renew(sess)
	sess.SetUser(user.ID)
	httpx.JSON(w, status, map[string]any{
		"user":      viewOf(user),
		"csrfToken": h.csrfManager.Token(sess),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) showSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	body := map[string]any{
		"userId":      principal.UserID,
		"role":        principal.Role,
		"permissions": rbac.CapabilitiesOf(principal.Role),
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil && !principal.ViaAPIKey {
		body["csrfToken"] = h.csrfManager.Token(sess)
	}
	httpx.JSON(w, http.StatusOK, body)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := httpx.Validate(h.validator, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}
