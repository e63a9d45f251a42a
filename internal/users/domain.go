// Package users is the account and role store plus the user-management API.
package users

import (
	"time"

	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/shared"
)

// User represents an account.
type User struct {
	ID           string
	Username     string
	PasswordHash *string
	Role         rbac.Role
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateUserParams describes a new account.
type CreateUserParams struct {
	ID           string
	Username     string
	PasswordHash *string
	Role         rbac.Role
}

// UpdateUserParams lists optional changes; nil fields are left untouched.
type UpdateUserParams struct {
	ID           string
	Role         *rbac.Role
	IsActive     *bool
	PasswordHash *string
}

// ListUsersParams filters a keyset page of accounts.
type ListUsersParams struct {
	Search string
	Cursor *shared.Cursor
	Limit  int
}
