package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/moemail/moemail/internal/settings"
	"github.com/moemail/moemail/internal/shared"
	"github.com/moemail/moemail/internal/users"
)

// UserFinder looks accounts up by username.
type UserFinder interface {
	GetUserByUsername(ctx context.Context, username string) (users.User, error)
}

// AccountCreator creates self-registered accounts.
type AccountCreator interface {
	Create(ctx context.Context, in users.CreateInput) (users.User, error)
}

// Service wraps authentication business rules.
type Service struct {
	finder  UserFinder
	creator AccountCreator
}

// NewService constructs a new Service.
func NewService(finder UserFinder, creator AccountCreator) *Service {
	return &Service{finder: finder, creator: creator}
}

// Authenticate validates username/password credentials.
func (s *Service) Authenticate(ctx context.Context, username, password string) (users.User, error) {
	username = strings.TrimSpace(username)
	if strings.Contains(username, "@") {
		username = shared.NormalizeAddress(username)
	}
	user, err := s.finder.GetUserByUsername(ctx, username)
	if errors.Is(err, shared.ErrNotFound) {
		return users.User{}, shared.ErrInvalidCredentials
	}
	if err != nil {
		return users.User{}, fmt.Errorf("authenticate: %w", err)
	}
	if !user.IsActive || user.PasswordHash == nil {
		return users.User{}, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(password)); err != nil {
		return users.User{}, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Register creates an account with the configured default role.
func (s *Service) Register(ctx context.Context, snap settings.Snapshot, username, password string) (users.User, error) {
	if !snap.AllowRegistration {
		return users.User{}, fmt.Errorf("%w: registration is disabled", shared.ErrForbidden)
	}
	return s.creator.Create(ctx, users.CreateInput{
		Username: username,
		Password: password,
		Role:     snap.RedemptionRole(),
	})
}
