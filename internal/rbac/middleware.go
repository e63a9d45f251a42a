package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/moemail/moemail/internal/platform/httpx"
	"github.com/moemail/moemail/internal/shared"
)

// IdentityResolver determines the acting principal of a request.
type IdentityResolver interface {
	Resolve(r *http.Request) (Principal, error)
}

// Rule requires Permission for every path under Prefix.
type Rule struct {
	Prefix     string
	Permission Permission
}

// DefaultRules lists the protected API prefixes.
func DefaultRules() []Rule {
	return []Rule{
		{Prefix: "/api/config/email-domains", Permission: PermManageEmail},
		{Prefix: "/api/config/registration", Permission: PermPromoteUser},
		{Prefix: "/api/config", Permission: PermManageConfig},
		{Prefix: "/api/admin/card-keys", Permission: PermManageCardKeys},
		{Prefix: "/api/emails", Permission: PermManageEmail},
		{Prefix: "/api/webhook", Permission: PermManageWebhook},
		{Prefix: "/api/roles/promote", Permission: PermPromoteUser},
		{Prefix: "/api/users", Permission: PermPromoteUser},
		{Prefix: "/api/api-keys", Permission: PermManageAPIKey},
	}
}

const publicConfigPath = "/api/config"

// Gate authorizes every request against its route rules.
type Gate struct {
	resolver IdentityResolver
	rules    []Rule
	logger   *slog.Logger
}

// NewGate builds a Gate. Rules are evaluated most specific prefix first
// regardless of the order given.
func NewGate(resolver IdentityResolver, rules []Rule, logger *slog.Logger) *Gate {
	sorted := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		rule.Prefix = normalizePath(rule.Prefix)
		sorted = append(sorted, rule)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{resolver: resolver, rules: sorted, logger: logger}
}

// Match returns the rule governing p, if any.
func (g *Gate) Match(p string) (Rule, bool) {
	p = normalizePath(p)
	for _, rule := range g.rules {
		if p == rule.Prefix || strings.HasPrefix(p, rule.Prefix+"/") {
			return rule, true
		}
	}
	return Rule{}, false
}

// Handler is the gate middleware.
func (g *Gate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule, protected := g.Match(r.URL.Path)
		if !protected || isPublicConfigRead(r) {
			next.ServeHTTP(w, g.withOptionalPrincipal(r))
			return
		}
		principal, err := g.resolver.Resolve(r)
		if errors.Is(err, shared.ErrUnauthenticated) {
			httpx.RespondError(w, shared.ErrUnauthenticated)
			return
		}
		if err != nil {
			httpx.RespondErrorLogged(w, g.logger, "rbac resolve identity", err)
			return
		}
		if !principal.Can(rule.Permission) {
			httpx.RespondError(w, shared.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

func (g *Gate) withOptionalPrincipal(r *http.Request) *http.Request {
	principal, err := g.resolver.Resolve(r)
	if err != nil {
		if !errors.Is(err, shared.ErrUnauthenticated) {
			g.logger.Warn("rbac optional identity", slog.Any("error", err))
		}
		return r
	}
	return r.WithContext(ContextWithPrincipal(r.Context(), principal))
}

// RequirePrincipal rejects requests without a resolved principal. It is used
// on public routes that still need a signed-in caller.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok {
			httpx.RespondError(w, shared.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAny ensures the principal holds at least one of perms.
func RequireAny(perms ...Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			for _, perm := range perms {
				if principal.Can(perm) {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.RespondError(w, shared.ErrForbidden)
		})
	}
}

func isPublicConfigRead(r *http.Request) bool {
	return r.Method == http.MethodGet && normalizePath(r.URL.Path) == publicConfigPath
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}
