package mailboxes

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/moemail/moemail/internal/platform/httpx"
	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/settings"
)

// SnapshotSource supplies the current site configuration.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (settings.Snapshot, error)
}

// Handler exposes /api/emails.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	settings  SnapshotSource
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, settings SnapshotSource) *Handler {
	return &Handler{logger: logger, service: service, settings: settings, validator: httpx.NewValidator()}
}

// MountRoutes registers mailbox routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/generate", h.create)
	r.Post("/{id}/send", h.send)
}

type mailboxView struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type createRequest struct {
	Name       string `json:"name" validate:"max=64"`
	Domain     string `json:"domain" validate:"required,fqdn"`
	ExpiryTime int64  `json:"expiryTime" validate:"oneof=0 3600000 86400000 259200000"`
}

type sendRequest struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject" validate:"required,max=255"`
	Content string `json:"content" validate:"required,max=100000"`
	HTML    string `json:"html" validate:"max=500000"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principal, _ := rbac.PrincipalFromContext(r.Context())
	q := r.URL.Query()
	page, err := h.service.List(r.Context(), principal.UserID, q.Get("search"), q.Get("cursor"))
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "list mailboxes", err)
		return
	}
	out := make([]mailboxView, 0, len(page.Items))
	for _, m := range page.Items {
		out = append(out, mailboxView{ID: m.ID, Address: m.Address, CreatedAt: m.CreatedAt, ExpiresAt: m.ExpiresAt})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"emails": out, "nextCursor": page.NextCursor, "total": page.Total})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	principal, _ := rbac.PrincipalFromContext(r.Context())
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validator, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	snap, err := h.settings.Snapshot(r.Context())
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "create snapshot", err)
		return
	}
	mb, err := h.service.Create(r.Context(), principal, snap, CreateInput{
		Name:     req.Name,
		Domain:   req.Domain,
		Lifetime: time.Duration(req.ExpiryTime) * time.Millisecond,
	})
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "create mailbox", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"id": mb.ID, "email": mb.Address, "expiresAt": mb.ExpiresAt})
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	principal, _ := rbac.PrincipalFromContext(r.Context())
	var req sendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validator, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	snap, err := h.settings.Snapshot(r.Context())
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "send snapshot", err)
		return
	}
	res, err := h.service.Send(r.Context(), principal, snap, chi.URLParam(r, "id"), SendInput{
		To:      req.To,
		Subject: req.Subject,
		Content: req.Content,
		HTML:    req.HTML,
	})
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "send message", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{
		"success":         true,
		"messageId":       res.MessageID,
		"remainingEmails": res.Remaining,
	})
}
