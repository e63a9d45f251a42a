// Package settings stores runtime-mutable site configuration and hands it to
// engines as an immutable Snapshot.
package settings

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/shared"
)

// Stored keys in site_config.
const (
	KeyDefaultRole         = "default_role"
	KeyAdminContact        = "admin_contact"
	KeyMaxEmails           = "max_emails"
	KeyAllowRegistration   = "allow_registration"
	KeyEmailServiceEnabled = "email_service_enabled"
	KeyEmailRoleLimits     = "email_role_limits"
)

// Send limits.
const (
	LimitUnlimited = 0
	LimitDenied    = -1
)

const defaultMaxEmails = 20

var defaultSendLimits = map[rbac.Role]int{
	rbac.RoleDuke:   5,
	rbac.RoleKnight: 2,
}

// Snapshot is a read-only view of the site configuration.
type Snapshot struct {
	DefaultRole         rbac.Role         `json:"defaultRole"`
	AdminContact        string            `json:"adminContact"`
	MaxEmails           int               `json:"maxEmails"`
	AllowRegistration   bool              `json:"allowRegistration"`
	EmailServiceEnabled bool              `json:"emailServiceEnabled"`
	RoleLimits          map[rbac.Role]int `json:"roleLimits"`
}

// Defaults is the configuration of a fresh deployment.
func Defaults() Snapshot {
	limits := make(map[rbac.Role]int, len(defaultSendLimits))
	for r, n := range defaultSendLimits {
		limits[r] = n
	}
	return Snapshot{
		DefaultRole: rbac.RoleCivilian,
		MaxEmails:   defaultMaxEmails,
		RoleLimits:  limits,
	}
}

// SendLimit resolves the daily send cap for role. Emperor is always
// unlimited and Civilian always denied; unknown roles are denied.
func (s Snapshot) SendLimit(role rbac.Role) int {
	switch role {
	case rbac.RoleEmperor:
		return LimitUnlimited
	case rbac.RoleDuke, rbac.RoleKnight:
		if n, ok := s.RoleLimits[role]; ok && n >= LimitDenied {
			return n
		}
		return defaultSendLimits[role]
	default:
		return LimitDenied
	}
}

// RedemptionRole is the role granted to accounts created by redemption or
// registration.
func (s Snapshot) RedemptionRole() rbac.Role {
	if s.DefaultRole.Assignable() {
		return s.DefaultRole
	}
	return rbac.RoleCivilian
}

func fromValues(values map[string]string) Snapshot {
	snap := Defaults()
	if raw, ok := values[KeyDefaultRole]; ok {
		if role, err := rbac.ParseRole(raw); err == nil && role.Assignable() {
			snap.DefaultRole = role
		}
	}
	snap.AdminContact = values[KeyAdminContact]
	if raw, ok := values[KeyMaxEmails]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			snap.MaxEmails = n
		}
	}
	snap.AllowRegistration = values[KeyAllowRegistration] == "true"
	snap.EmailServiceEnabled = values[KeyEmailServiceEnabled] == "true"
	if raw, ok := values[KeyEmailRoleLimits]; ok && raw != "" {
		var overrides map[string]int
		if err := json.Unmarshal([]byte(raw), &overrides); err == nil {
			for name, n := range overrides {
				role := rbac.Role(name)
				if role == rbac.RoleDuke || role == rbac.RoleKnight {
					snap.RoleLimits[role] = n
				}
			}
		}
	}
	return snap
}

// Patch lists changes; nil fields are untouched.
type Patch struct {
	DefaultRole         *string
	AdminContact        *string
	MaxEmails           *int
	AllowRegistration   *bool
	EmailServiceEnabled *bool
	RoleLimits          map[string]int
}

func (p Patch) values() (map[string]string, error) {
	out := map[string]string{}
	if p.DefaultRole != nil {
		role, err := rbac.ParseRole(*p.DefaultRole)
		if err != nil || !role.Assignable() {
			return nil, shared.NewValidationError("defaultRole", "must be one of duke, knight, civilian")
		}
		out[KeyDefaultRole] = string(role)
	}
	if p.AdminContact != nil {
		out[KeyAdminContact] = strings.TrimSpace(*p.AdminContact)
	}
	if p.MaxEmails != nil {
		if *p.MaxEmails < 1 {
			return nil, shared.NewValidationError("maxEmails", "must be positive")
		}
		out[KeyMaxEmails] = strconv.Itoa(*p.MaxEmails)
	}
	if p.AllowRegistration != nil {
		out[KeyAllowRegistration] = strconv.FormatBool(*p.AllowRegistration)
	}
	if p.EmailServiceEnabled != nil {
		out[KeyEmailServiceEnabled] = strconv.FormatBool(*p.EmailServiceEnabled)
	}
	if p.RoleLimits != nil {
		clean := make(map[string]int, len(p.RoleLimits))
		for name, n := range p.RoleLimits {
			role := rbac.Role(name)
			if role != rbac.RoleDuke && role != rbac.RoleKnight {
				return nil, shared.NewValidationError("roleLimits", fmt.Sprintf("%q cannot be overridden", name))
			}
			if n < LimitDenied {
				return nil, shared.NewValidationError("roleLimits", "limits must be -1, 0 or positive")
			}
			clean[name] = n
		}
		raw, err := json.Marshal(clean)
		if err != nil {
			return nil, err
		}
		out[KeyEmailRoleLimits] = string(raw)
	}
	return out, nil
}
