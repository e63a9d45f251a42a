package apikeys

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/moemail/moemail/internal/shared"
)

// Repository persists credentials.
type Repository interface {
	CreateKey(ctx context.Context, k Key) (Key, error)
	FindByHash(ctx context.Context, hash string) (Key, error)
	ListKeys(ctx context.Context, userID string) ([]Key, error)
	SetEnabled(ctx context.Context, userID, id string, enabled bool) (Key, error)
	DeleteKey(ctx context.Context, userID, id string) (bool, error)
	TouchKey(ctx context.Context, id string, at time.Time) error
}

// Service manages the caller's API keys.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// CreateInput describes a new key. ExpiresInDays of zero never expires.
type CreateInput struct {
	Name          string
	ExpiresInDays int
}

// Created is returned once; Raw is never retrievable again.
type Created struct {
	Key Key
	Raw string
}

// Create issues a key for userID.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (Created, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Created{}, shared.NewValidationError("name", "is required")
	}
	raw, prefix, err := NewSecret()
	if err != nil {
		return Created{}, err
	}
	k := Key{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   Hash(raw),
		KeyPrefix: prefix,
		Enabled:   true,
	}
	if in.ExpiresInDays > 0 {
		exp := s.now().Add(time.Duration(in.ExpiresInDays) * 24 * time.Hour)
		k.ExpiresAt = &exp
	}
	stored, err := s.repo.CreateKey(ctx, k)
	if err != nil {
		return Created{}, err
	}
	return Created{Key: stored, Raw: raw}, nil
}

// List returns the keys of userID.
func (s *Service) List(ctx context.Context, userID string) ([]Key, error) {
	return s.repo.ListKeys(ctx, userID)
}

// SetEnabled toggles one of the caller's keys.
func (s *Service) SetEnabled(ctx context.Context, userID, id string, enabled bool) (Key, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Key{}, shared.ErrNotFound
	}
	return s.repo.SetEnabled(ctx, userID, id, enabled)
}

// Delete removes one of the caller's keys.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return shared.ErrNotFound
	}
	ok, err := s.repo.DeleteKey(ctx, userID, id)
	if err != nil {
		return err
	}
	if !ok {
		return shared.ErrNotFound
	}
	return nil
}
