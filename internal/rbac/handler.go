package rbac

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/moemail/moemail/internal/platform/httpx"
)

// Handler exposes the role matrix.
type Handler struct{}

// NewHandler constructs a Handler.
func NewHandler() *Handler { return &Handler{} }

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(RequirePrincipal).Get("/", h.listRoles)
	r.With(RequirePrincipal).Get("/me", h.me)
}

type roleView struct {
	Name        Role         `json:"name"`
	Tier        int          `json:"tier"`
	Permissions []Permission `json:"permissions"`
}

func viewOf(role Role) roleView {
	return roleView{Name: role, Tier: role.Tier(), Permissions: CapabilitiesOf(role)}
}

func (h *Handler) listRoles(w http.ResponseWriter, _ *http.Request) {
	roles := Roles()
	out := make([]roleView, 0, len(roles))
	for _, role := range roles {
		out = append(out, viewOf(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, map[string]any{
		"userId": principal.UserID,
		"role":   viewOf(principal.Role),
	})
}
