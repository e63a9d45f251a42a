package apikeys

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/moemail/moemail/internal/platform/httpx"
	"github.com/moemail/moemail/internal/rbac"
)

// Handler exposes /api/api-keys.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountRoutes registers key routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Patch("/{id}", h.toggle)
	r.Delete("/{id}", h.delete)
}

type keyView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Enabled    bool       `json:"enabled"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	LastUsedAt *time.Time `json:"lastUsedAt"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func toView(k Key) keyView {
	return keyView{ID: k.ID, Name: k.Name, Prefix: k.KeyPrefix, Enabled: k.Enabled, ExpiresAt: k.ExpiresAt, LastUsedAt: k.LastUsedAt, CreatedAt: k.CreatedAt}
}

type createRequest struct {
	Name          string `json:"name" validate:"required,max=64"`
	ExpiresInDays int    `json:"expiresInDays" validate:"min=0,max=365"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	keys, err := h.service.List(r.Context(), caller(r))
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "list api keys", err)
		return
	}
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, toView(k))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"apiKeys": out})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validator, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	created, err := h.service.Create(r.Context(), caller(r), CreateInput{Name: req.Name, ExpiresInDays: req.ExpiresInDays})
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "create api key", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"apiKey": toView(created.Key), "key": created.Raw})
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validator, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	k, err := h.service.SetEnabled(r.Context(), caller(r), chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "toggle api key", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"apiKey": toView(k)})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		httpx.RespondErrorLogged(w, h.logger, "delete api key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func caller(r *http.Request) string {
	p, _ := rbac.PrincipalFromContext(r.Context())
	return p.UserID
}
