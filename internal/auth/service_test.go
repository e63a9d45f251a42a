package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/moemail/moemail/internal/auth"
	"github.com/moemail/moemail/internal/shared"
	"github.com/moemail/moemail/internal/users"
)

type failingFinder struct {
	err error
}

func (f failingFinder) GetUserByUsername(context.Context, string) (users.User, error) {
	return users.User{}, f.err
}

func hashed(t *testing.T, password string) *string {
	t.Helper()
	raw, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	h := string(raw)
	return &h
}

func TestAuthenticateNormalizesAddressUsernames(t *testing.T) {
	user := &users.User{ID: "u1", Username: "vip@moemail.app", PasswordHash: hashed(t, "password123"), IsActive: true}
	svc := auth.NewService(&stubFinder{user: user}, &stubCreator{})

	got, err := svc.Authenticate(context.Background(), "  VIP@MoeMail.App ", "password123")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	_, err = svc.Authenticate(context.Background(), "VIP@MoeMail.App", "wrong-password")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestAuthenticateKeepsPlainUsernamesVerbatim(t *testing.T) {
	user := &users.User{ID: "u2", Username: "Alice", PasswordHash: hashed(t, "password123"), IsActive: true}
	svc := auth.NewService(&stubFinder{user: user}, &stubCreator{})

	_, err := svc.Authenticate(context.Background(), " Alice ", "password123")
	require.NoError(t, err)
}

func TestAuthenticateSurfacesStorageErrors(t *testing.T) {
	storage := errors.New("connection refused")
	svc := auth.NewService(failingFinder{err: storage}, &stubCreator{})

	_, err := svc.Authenticate(context.Background(), "alice", "password123")
	require.ErrorIs(t, err, storage)
	assert.NotErrorIs(t, err, shared.ErrInvalidCredentials)

	svc = auth.NewService(failingFinder{err: shared.ErrNotFound}, &stubCreator{})
	_, err = svc.Authenticate(context.Background(), "alice", "password123")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}
