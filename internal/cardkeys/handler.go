package cardkeys

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/moemail/moemail/internal/platform/httpx"
	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/settings"
	"github.com/moemail/moemail/internal/shared"
)

// IdempotencyHeader deduplicates generate requests.
const IdempotencyHeader = "Idempotency-Key"

const idempotencyModule = "card_keys.generate"

// SnapshotSource supplies the current site configuration.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (settings.Snapshot, error)
}

// Idempotency guards against replayed generate requests.
type Idempotency interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Handler exposes the admin card-key routes and public redemption.
type Handler struct {
	logger      *slog.Logger
	engine      *Engine
	settings    SnapshotSource
	sessions    *shared.SessionManager
	csrf        *shared.CSRFManager
	idempotency Idempotency
	validator   *validator.Validate
}

// NewHandler constructs a Handler. idem may be nil.
func NewHandler(logger *slog.Logger, engine *Engine, settings SnapshotSource, sessions *shared.SessionManager, csrf *shared.CSRFManager, idem Idempotency) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		engine:      engine,
		settings:    settings,
		sessions:    sessions,
		csrf:        csrf,
		idempotency: idem,
		validator:   httpx.NewValidator(),
	}
}

// MountRoutes registers the admin routes under /api/admin/card-keys.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.generate)
	r.Delete("/{id}", h.delete)
}

// MountRedeem registers the public redemption route under /api/card-keys.
func (h *Handler) MountRedeem(r chi.Router) {
	r.Post("/redeem", h.redeem)
}

type generateRequest struct {
	EmailAddresses []string `json:"emailAddresses" validate:"required,min=1,max=500,dive,required,max=254"`
	ExpiryDays     int      `json:"expiryDays" validate:"required,min=1,max=365"`
	AutoRelease    bool     `json:"autoReleaseReserved"`
}

type redeemRequest struct {
	Code     string `json:"code" validate:"required,max=64"`
	Password string `json:"password" validate:"max=128"`
}

type cardKeyView struct {
	ID             string     `json:"id"`
	Code           string     `json:"code"`
	EmailAddress   string     `json:"emailAddress"`
	Status         Status     `json:"status"`
	IsUsed         bool       `json:"isUsed"`
	UsedBy         *string    `json:"usedBy,omitempty"`
	UsedByUsername *string    `json:"usedByUsername,omitempty"`
	UsedAt         *time.Time `json:"usedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
}

func viewOf(k CardKey, now time.Time) cardKeyView {
	return cardKeyView{
		ID:           k.ID,
		Code:         k.Code,
		EmailAddress: k.EmailAddress,
		Status:       k.Status(now),
		IsUsed:       k.IsUsed,
		UsedBy:       k.UsedBy,
		UsedAt:       k.UsedAt,
		CreatedAt:    k.CreatedAt,
		ExpiresAt:    k.ExpiresAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principal, _ := rbac.PrincipalFromContext(r.Context())
	q := r.URL.Query()
	page, err := h.engine.List(r.Context(), principal, ListQuery{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Cursor: q.Get("cursor"),
	})
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "list card keys", err)
		return
	}
	now := h.engine.now()
	out := make([]cardKeyView, 0, len(page.Items))
	for _, l := range page.Items {
		v := viewOf(l.CardKey, now)
		v.UsedByUsername = l.UsedByUsername
		out = append(out, v)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"cardKeys": out, "nextCursor": page.NextCursor, "total": page.Total})
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	principal, _ := rbac.PrincipalFromContext(r.Context())
	var req generateRequest
	if !h.decode(w, r, &req) {
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if idemKey != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), idemKey, idempotencyModule); err != nil {
			httpx.RespondErrorLogged(w, h.logger, "card keys idempotency", err)
			return
		}
	}

	result, err := h.engine.Generate(r.Context(), principal, GenerateInput{
		Addresses:   req.EmailAddresses,
		ExpiryDays:  req.ExpiryDays,
		AutoRelease: req.AutoRelease,
	})
	if err != nil {
		// a failed batch wrote nothing, so the key may be retried
		if idemKey != "" && h.idempotency != nil {
			if derr := h.idempotency.Delete(r.Context(), idemKey, idempotencyModule); derr != nil {
				h.logger.Warn("card keys idempotency release", slog.Any("error", derr))
			}
		}
		httpx.RespondErrorLogged(w, h.logger, "generate card keys", err)
		return
	}

	now := h.engine.now()
	keys := make([]cardKeyView, 0, len(result.Keys))
	for _, k := range result.Keys {
		keys = append(keys, viewOf(k, now))
	}
	warnings := result.Warnings
	if warnings == nil {
		warnings = []Warning{}
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"cardKeys": keys, "warnings": warnings})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	principal, _ := rbac.PrincipalFromContext(r.Context())
	result, err := h.engine.Delete(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "delete card key", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "accountDeleted": result.AccountDeleted})
}

func (h *Handler) redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, err := h.settings.Snapshot(r.Context())
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "redeem snapshot", err)
		return
	}
	out, err := h.engine.Redeem(r.Context(), RedeemInput{Code: req.Code, Password: req.Password}, snap.RedemptionRole())
	if err != nil {
		httpx.RespondErrorLogged(w, h.logger, "redeem card key", err)
		return
	}

	body := map[string]any{
		"user": map[string]any{
			"id":          out.User.ID,
			"username":    out.User.Username,
			"role":        out.User.Role,
			"permissions": rbac.CapabilitiesOf(out.User.Role),
		},
		"email": map[string]any{
			"id":        out.Mailbox.ID,
			"address":   out.Mailbox.Address,
			"expiresAt": out.Mailbox.ExpiresAt,
		},
		"accountCreated": out.Created,
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil && h.sessions != nil {
		h.sessions.Renew(sess)
		sess.SetUser(out.User.ID)
		if h.csrf != nil {
			body["csrfToken"] = h.csrf.Token(sess)
		}
	}
	status := http.StatusOK
	if out.Created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, body)
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
