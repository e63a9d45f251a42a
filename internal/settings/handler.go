package settings

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/moemail/moemail/internal/platform/httpx"
	"github.com/moemail/moemail/internal/rbac"
)

// Handler exposes /api/config.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountRoutes registers configuration routes. Authorization is applied by
// the gate on the /api/config prefixes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.getPublic)
	r.Post("/", h.updateGeneral)
	r.Get("/email-service", h.getEmailService)
	r.Post("/email-service", h.updateEmailService)
	r.Get("/registration", h.getRegistration)
	r.Post("/registration", h.updateRegistration)
}

type generalRequest struct {
	DefaultRole  *string `json:"defaultRole" validate:"omitempty,oneof=duke knight civilian"`
	AdminContact *string `json:"adminContact" validate:"omitempty,max=200"`
	MaxEmails    *int    `json:"maxEmails" validate:"omitempty,min=1,max=1000"`
}

type emailServiceRequest struct {
	Enabled    *bool          `json:"enabled" validate:"required"`
	RoleLimits map[string]int `json:"roleLimits"`
}

type registrationRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (h *Handler) getPublic(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context())
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "get config", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"defaultRole":       snap.DefaultRole,
		"adminContact":      snap.AdminContact,
		"maxEmails":         snap.MaxEmails,
		"allowRegistration": snap.AllowRegistration,
	})
}

func (h *Handler) updateGeneral(w http.ResponseWriter, r *http.Request) {
	var req generalRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, err := h.service.Update(r.Context(), Patch{DefaultRole: req.DefaultRole, AdminContact: req.AdminContact, MaxEmails: req.MaxEmails})
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "update config", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"defaultRole":  snap.DefaultRole,
		"adminContact": snap.AdminContact,
		"maxEmails":    snap.MaxEmails,
	})
}

func (h *Handler) getEmailService(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context())
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "get email service config", err)
		return
	}
	h.writeEmailService(w, snap)
}

func (h *Handler) updateEmailService(w http.ResponseWriter, r *http.Request) {
	var req emailServiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, err := h.service.Update(r.Context(), Patch{EmailServiceEnabled: req.Enabled, RoleLimits: req.RoleLimits})
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "update email service config", err)
		return
	}
	h.writeEmailService(w, snap)
}

func (h *Handler) writeEmailService(w http.ResponseWriter, snap Snapshot) {
	limits := map[rbac.Role]int{}
	for _, role := range rbac.Roles() {
		limits[role] = snap.SendLimit(role)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"enabled": snap.EmailServiceEnabled, "roleLimits": limits})
}

func (h *Handler) getRegistration(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context())
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "get registration config", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"enabled": snap.AllowRegistration})
}

func (h *Handler) updateRegistration(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, err := h.service.Update(r.Context(), Patch{AllowRegistration: req.Enabled})
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "update registration config", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"enabled": snap.AllowRegistration})
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
