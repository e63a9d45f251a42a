package users

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/shared"
)

const (
	maxUsernameLen   = 20
	minPasswordLen   = 8
	maxPasswordBytes = 72
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Repository is the account/role store.
type Repository interface {
	CreateUser(ctx context.Context, arg CreateUserParams) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	UpdateUser(ctx context.Context, arg UpdateUserParams) (User, error)
	DeleteUser(ctx context.Context, id string) (bool, error)
	ListUsers(ctx context.Context, arg ListUsersParams) ([]User, error)
	CountUsers(ctx context.Context, search string) (int, error)
}

// Service handles user business logic.
type Service struct {
	repo   Repository
	audit  shared.Auditor
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo Repository, audit shared.Auditor, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger}
}

// CreateInput describes an account created through user management or
// registration.
type CreateInput struct {
	Username string
	Password string
	Role     rbac.Role
}

// UpdateInput lists optional changes.
type UpdateInput struct {
	Role     *rbac.Role
	IsActive *bool
	Password *string
}

// ValidateUsername enforces the username format for self-chosen names.
func ValidateUsername(username string) error {
	switch {
	case username == "":
		return shared.NewValidationError("username", "is required")
	case len(username) > maxUsernameLen:
		return shared.NewValidationError("username", fmt.Sprintf("must be at most %d characters", maxUsernameLen))
	case strings.Contains(username, "@"):
		return shared.NewValidationError("username", "must not contain @")
	case !usernamePattern.MatchString(username):
		return shared.NewValidationError("username", "may only contain letters, digits, _ and -")
	}
	return nil
}

// HashPassword bcrypt-hashes a password after checking its length.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", shared.NewValidationError("password", fmt.Sprintf("must be at least %d characters", minPasswordLen))
	}
	// bcrypt reads at most 72 bytes
	if len(password) > maxPasswordBytes {
		return "", shared.NewValidationError("password", fmt.Sprintf("must be at most %d bytes", maxPasswordBytes))
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("users: hash password: %w", err)
	}
	return string(hashed), nil
}

// Create inserts a new account. The Emperor tier is never assignable.
func (s *Service) Create(ctx context.Context, in CreateInput) (User, error) {
	username := strings.TrimSpace(in.Username)
	if err := ValidateUsername(username); err != nil {
		return User{}, err
	}
	if !in.Role.Assignable() {
		return User{}, shared.NewValidationError("role", "is not assignable")
	}
	hashed, err := HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}
	return s.repo.CreateUser(ctx, CreateUserParams{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: &hashed,
		Role:         in.Role,
	})
}

// Get returns a single account.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return User{}, shared.ErrNotFound
	}
	return s.repo.GetUser(ctx, id)
}

// GetRole returns the current role of an account.
func (s *Service) GetRole(ctx context.Context, id string) (rbac.Role, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return u.Role, nil
}

// SetRole changes the role of a non-Emperor account.
func (s *Service) SetRole(ctx context.Context, actorID, id string, role rbac.Role) (User, error) {
	return s.Update(ctx, actorID, id, UpdateInput{Role: &role})
}

// Update applies changes to a non-Emperor account.
func (s *Service) Update(ctx context.Context, actorID, id string, in UpdateInput) (User, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return User{}, err
	}
	if current.Role == rbac.RoleEmperor {
		return User{}, fmt.Errorf("%w: the emperor account cannot be modified", shared.ErrForbidden)
	}
	params := UpdateUserParams{ID: id, Role: in.Role, IsActive: in.IsActive}
	if in.Role != nil && !in.Role.Assignable() {
		return User{}, shared.NewValidationError("role", "is not assignable")
	}
	if in.Password != nil {
		hashed, err := HashPassword(*in.Password)
		if err != nil {
			return User{}, err
		}
		params.PasswordHash = &hashed
	}
	updated, err := s.repo.UpdateUser(ctx, params)
	if err != nil {
		return User{}, err
	}
	if in.Role != nil && *in.Role != current.Role {
		s.record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   shared.AuditUserRoleChanged,
			Entity:   "user",
			EntityID: id,
			Meta:     map[string]any{"from": current.Role, "to": *in.Role},
		})
	}
	return updated, nil
}

// Delete removes a non-Emperor account and everything it owns.
func (s *Service) Delete(ctx context.Context, actorID, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Role == rbac.RoleEmperor {
		return fmt.Errorf("%w: the emperor account cannot be deleted", shared.ErrForbidden)
	}
	deleted, err := s.repo.DeleteUser(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return shared.ErrNotFound
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   shared.AuditUserDeleted,
		Entity:   "user",
		EntityID: id,
		Meta:     map[string]any{"username": current.Username},
	})
	return nil
}

// List returns a keyset page of accounts plus the total for search.
func (s *Service) List(ctx context.Context, search, cursor string) (shared.Page[User], error) {
	c, err := shared.ParseCursor(cursor)
	if err != nil {
		return shared.Page[User]{}, err
	}
	var (
		rows  []User
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = s.repo.ListUsers(gctx, ListUsersParams{Search: search, Cursor: c, Limit: shared.DefaultPageSize + 1})
		return err
	})
	g.Go(func() error {
		var err error
		total, err = s.repo.CountUsers(gctx, search)
		return err
	})
	if err := g.Wait(); err != nil {
		return shared.Page[User]{}, err
	}
	items, next := shared.Paginate(rows, shared.DefaultPageSize, func(u User) (time.Time, string) {
		return u.CreatedAt, u.ID
	})
	return shared.Page[User]{Items: items, NextCursor: next, Total: total}, nil
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("users audit", slog.String("action", log.Action), slog.Any("error", err))
	}
}
