package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/moemail/moemail/internal/apikeys"
	"github.com/moemail/moemail/internal/auth"
	"github.com/moemail/moemail/internal/cardkeys"
	"github.com/moemail/moemail/internal/mailboxes"
	"github.com/moemail/moemail/internal/observability"
	"github.com/moemail/moemail/internal/platform/httpx"
	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/settings"
	"github.com/moemail/moemail/internal/shared"
	"github.com/moemail/moemail/internal/users"
	"github.com/moemail/moemail/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Gate           *rbac.Gate
	Metrics        *observability.Metrics

	AuthHandler      *auth.Handler
	SettingsHandler  *settings.Handler
	APIKeysHandler   *apikeys.Handler
	UsersHandler     *users.Handler
	RolesHandler     *rbac.Handler
	MailboxesHandler *mailboxes.Handler
	CardKeysHandler  *cardkeys.Handler
	JobHandler       *jobs.Handler
}

// NewRouter constructs the chi.Router with moemail defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Route("/api", func(r chi.Router) {
		if params.Gate != nil {
			r.Use(params.Gate.Handler)
		}
		if params.AuthHandler != nil {
			r.Route("/auth", params.AuthHandler.MountRoutes)
		}
		if params.SettingsHandler != nil {
			r.Route("/config", params.SettingsHandler.MountRoutes)
		}
		if params.APIKeysHandler != nil {
			r.Route("/api-keys", params.APIKeysHandler.MountRoutes)
		}
		if params.UsersHandler != nil {
			r.Route("/users", params.UsersHandler.MountRoutes)
		}
		r.Route("/roles", func(r chi.Router) {
			if params.RolesHandler != nil {
				params.RolesHandler.MountRoutes(r)
			}
			if params.UsersHandler != nil {
				params.UsersHandler.MountPromote(r)
			}
		})
		if params.CardKeysHandler != nil {
			r.Route("/admin/card-keys", params.CardKeysHandler.MountRoutes)
			r.Route("/card-keys", params.CardKeysHandler.MountRedeem)
		}
		if params.MailboxesHandler != nil {
			r.Route("/emails", params.MailboxesHandler.MountRoutes)
		}
	})

	return r
}
