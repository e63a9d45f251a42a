package rbac

import "sort"

var matrix = map[Role]map[Permission]struct{}{
	RoleEmperor: set(
		PermManageCardKeys,
		PermManageConfig,
		PermManageEmail,
		PermManageAPIKey,
		PermPromoteUser,
		PermManageWebhook,
	),
	RoleDuke:     set(PermManageEmail, PermManageWebhook, PermManageAPIKey),
	RoleKnight:   set(PermManageEmail, PermManageWebhook),
	RoleCivilian: set(),
}

func set(perms ...Permission) map[Permission]struct{} {
	out := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		out[p] = struct{}{}
	}
	return out
}

// CapabilitiesOf returns the sorted permissions held by role. Unknown roles
// hold nothing.
func CapabilitiesOf(role Role) []Permission {
	granted := matrix[role]
	out := make([]Permission, 0, len(granted))
	for p := range granted {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasCapability reports whether role holds perm.
func HasCapability(role Role, perm Permission) bool {
	_, ok := matrix[role][perm]
	return ok
}
