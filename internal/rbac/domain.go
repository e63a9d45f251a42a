// Package rbac holds the fixed role/permission matrix and the route gate
// enforcing it.
package rbac

import (
	"fmt"
	"strings"

	"github.com/moemail/moemail/internal/shared"
)

// Role is a privilege tier. The zero value is not a valid role.
type Role string

// Roles, highest tier first.
const (
	RoleEmperor  Role = "emperor"
	RoleDuke     Role = "duke"
	RoleKnight   Role = "knight"
	RoleCivilian Role = "civilian"
)

// Permission is an atomic capability.
type Permission string

// Permissions known to the matrix.
const (
	PermManageCardKeys Permission = "manage-card-keys"
	PermManageConfig   Permission = "manage-config"
	PermManageEmail    Permission = "manage-email"
	PermManageAPIKey   Permission = "manage-api-key"
	PermPromoteUser    Permission = "promote-user"
	PermManageWebhook  Permission = "manage-webhook"
)

var allRoles = []Role{RoleEmperor, RoleDuke, RoleKnight, RoleCivilian}

// Roles returns every role ordered by tier, highest first.
func Roles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// ParseRole converts a wire name into a Role.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.TrimSpace(raw))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", shared.ErrValidation, raw)
	}
	return r, nil
}

// Valid reports whether r is one of the fixed tiers.
func (r Role) Valid() bool {
	switch r {
	case RoleEmperor, RoleDuke, RoleKnight, RoleCivilian:
		return true
	}
	return false
}

// Tier orders roles for display; lower is more privileged. Unknown roles sort last.
func (r Role) Tier() int {
	for i, role := range allRoles {
		if role == r {
			return i
		}
	}
	return len(allRoles)
}

// Assignable reports whether r may be granted through user management or
// redemption. Only the seeded Emperor holds that tier.
func (r Role) Assignable() bool {
	return r.Valid() && r != RoleEmperor
}

func (r Role) String() string { return string(r) }

// Principal is the resolved identity of one request.
type Principal struct {
	UserID string
	Role   Role
	// ViaAPIKey is set when the identity came from a credential header.
	ViaAPIKey bool
}

// Can reports whether the principal holds perm.
func (p Principal) Can(perm Permission) bool {
	return HasCapability(p.Role, perm)
}
