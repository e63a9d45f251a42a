package users

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/shared"
)

type memRepo struct {
	mu    sync.Mutex
	users map[string]User
}

func newMemRepo() *memRepo {
	return &memRepo{users: map[string]User{}}
}

func (m *memRepo) CreateUser(_ context.Context, arg CreateUserParams) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == arg.Username {
			return User{}, shared.ErrConflict
		}
	}
	now := time.Now()
	u := User{ID: arg.ID, Username: arg.Username, PasswordHash: arg.PasswordHash, Role: arg.Role, IsActive: true, CreatedAt: now, UpdatedAt: now}
	m.users[u.ID] = u
	return u, nil
}

func (m *memRepo) GetUser(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, shared.ErrNotFound
	}
	return u, nil
}

func (m *memRepo) GetUserByUsername(_ context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, shared.ErrNotFound
}

func (m *memRepo) UpdateUser(_ context.Context, arg UpdateUserParams) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[arg.ID]
	if !ok || u.Role == rbac.RoleEmperor {
		return User{}, shared.ErrNotFound
	}
	if arg.Role != nil {
		u.Role = *arg.Role
	}
	if arg.IsActive != nil {
		u.IsActive = *arg.IsActive
	}
	if arg.PasswordHash != nil {
		u.PasswordHash = arg.PasswordHash
	}
	m.users[arg.ID] = u
	return u, nil
}

func (m *memRepo) DeleteUser(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.Role == rbac.RoleEmperor {
		return false, nil
	}
	delete(m.users, id)
	return true, nil
}

func (m *memRepo) filtered(search string) []User {
	var out []User
	for _, u := range m.users {
		if search == "" || shared.ContainsFold(u.Username, search) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *memRepo) ListUsers(_ context.Context, arg ListUsersParams) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []User
	for _, u := range m.filtered(arg.Search) {
		if arg.Cursor != nil && !arg.Cursor.After(u.CreatedAt, u.ID) {
			continue
		}
		out = append(out, u)
		if len(out) == arg.Limit {
			break
		}
	}
	return out, nil
}

func (m *memRepo) CountUsers(_ context.Context, search string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filtered(search)), nil
}

func (m *memRepo) seed(username string, role rbac.Role, created time.Time) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := User{ID: uuid.NewString(), Username: username, Role: role, IsActive: true, CreatedAt: created, UpdatedAt: created}
	m.users[u.ID] = u
	return u
}

func TestCreateHashesPasswordAndRejectsEmperor(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil)

	u, err := svc.Create(context.Background(), CreateInput{Username: "alice", Password: "password123", Role: rbac.RoleKnight})
	require.NoError(t, err)
	require.NotNil(t, u.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(*u.PasswordHash), []byte("password123")))

	_, err = svc.Create(context.Background(), CreateInput{Username: "bob", Password: "password123", Role: rbac.RoleEmperor})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Create(context.Background(), CreateInput{Username: "alice", Password: "password123", Role: rbac.RoleDuke})
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("a_b-C9"))
	for _, bad := range []string{"", "a@b", "has space", strings.Repeat("x", 21), "dot.name"} {
		assert.ErrorIs(t, ValidateUsername(bad), shared.ErrValidation, bad)
	}
}

func TestEmperorIsUntouchable(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil)
	emperor := repo.seed("emperor", rbac.RoleEmperor, time.Now())

	_, err := svc.SetRole(context.Background(), "actor", emperor.ID, rbac.RoleCivilian)
	assert.ErrorIs(t, err, shared.ErrForbidden)
	assert.ErrorIs(t, svc.Delete(context.Background(), "actor", emperor.ID), shared.ErrForbidden)

	role, err := svc.GetRole(context.Background(), emperor.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleEmperor, role)
}

func TestSetRoleAndDelete(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil)
	u := repo.seed("knight", rbac.RoleKnight, time.Now())

	updated, err := svc.SetRole(context.Background(), "actor", u.ID, rbac.RoleDuke)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleDuke, updated.Role)

	_, err = svc.SetRole(context.Background(), "actor", u.ID, rbac.RoleEmperor)
	assert.ErrorIs(t, err, shared.ErrValidation)

	require.NoError(t, svc.Delete(context.Background(), "actor", u.ID))
	assert.ErrorIs(t, svc.Delete(context.Background(), "actor", u.ID), shared.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(context.Background(), "actor", "not-a-uuid"), shared.ErrNotFound)
}

func TestListPagesWithCursor(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		repo.seed(fmt.Sprintf("user%02d", i), rbac.RoleCivilian, base.Add(time.Duration(i)*time.Minute))
	}

	first, err := svc.List(context.Background(), "", "")
	require.NoError(t, err)
	assert.Len(t, first.Items, 20)
	assert.Equal(t, 25, first.Total)
	require.NotNil(t, first.NextCursor)
	assert.Equal(t, "user24", first.Items[0].Username)

	second, err := svc.List(context.Background(), "", *first.NextCursor)
	require.NoError(t, err)
	assert.Len(t, second.Items, 5)
	assert.Nil(t, second.NextCursor)
	assert.Equal(t, "user04", second.Items[0].Username)

	_, err = svc.List(context.Background(), "", "garbage!")
	assert.ErrorIs(t, err, shared.ErrInvalidCursor)
}

func TestHandlerRejectsEmperorCreation(t *testing.T) {
	repo := newMemRepo()
	h := NewHandler(nil, NewService(repo, nil, nil))
	r := chi.NewRouter()
	r.Route("/api/users", h.MountRoutes)

	req := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"username":"eve","password":"password123","role":"emperor"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "role")

	req = httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"username":"eve","password":"password123","role":"duke"}`))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"username":"eve","password":"password123","role":"duke"}`))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
