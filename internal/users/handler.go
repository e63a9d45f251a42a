package users

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/moemail/moemail/internal/platform/httpx"
	"github.com/moemail/moemail/internal/rbac"
)

// Handler manages user management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountRoutes registers /api/users routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listUsers)
	r.Post("/", h.createUser)
	r.Patch("/{id}", h.updateUser)
	r.Delete("/{id}", h.deleteUser)
}

// MountPromote registers POST /api/roles/promote.
func (h *Handler) MountPromote(r chi.Router) {
	r.Post("/promote", h.promote)
}

type userView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      rbac.Role `json:"role"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

func toView(u User) userView {
	return userView{ID: u.ID, Username: u.Username, Role: u.Role, IsActive: u.IsActive, CreatedAt: u.CreatedAt}
}

type createUserRequest struct {
	Username string `json:"username" validate:"required,max=20"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"required,oneof=duke knight civilian"`
}

type updateUserRequest struct {
	Role     *string `json:"role" validate:"omitempty,oneof=duke knight civilian"`
	IsActive *bool   `json:"isActive"`
	Password *string `json:"password" validate:"omitempty,min=8"`
}

type promoteRequest struct {
	UserID string `json:"userId" validate:"required,uuid"`
	Role   string `json:"role" validate:"required,oneof=duke knight civilian"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := h.service.List(r.Context(), q.Get("search"), q.Get("cursor"))
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "list users", err)
		return
	}
	out := make([]userView, 0, len(page.Items))
	for _, u := range page.Items {
		out = append(out, toView(u))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": out, "nextCursor": page.NextCursor, "total": page.Total})
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validator, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, err := h.service.Create(r.Context(), CreateInput{Username: req.Username, Password: req.Password, Role: rbac.Role(req.Role)})
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "create user", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"user": toView(user)})
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validator, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := UpdateInput{IsActive: req.IsActive, Password: req.Password}
	if req.Role != nil {
		role := rbac.Role(*req.Role)
		in.Role = &role
	}
	user, err := h.service.Update(r.Context(), actorID(r), chi.URLParam(r, "id"), in)
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "update user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user": toView(user)})
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), actorID(r), chi.URLParam(r, "id")); err != nil {
		httpx.RespondErrorLogged(w, h.logger, "delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) promote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validator, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, err := h.service.SetRole(r.Context(), actorID(r), req.UserID, rbac.Role(req.Role))
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "promote user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user": toView(user)})
}

func actorID(r *http.Request) string {
	p, _ := rbac.PrincipalFromContext(r.Context())
	return p.UserID
}
