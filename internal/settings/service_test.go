package settings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/shared"
)

type memStore struct {
	mu     sync.Mutex
	values map[string]string
	loads  int
}

func (m *memStore) Load(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) Save(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func newService(t *testing.T, values map[string]string) (*Service, *memStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := &memStore{values: values}
	return NewService(store, client, time.Minute, nil), store, mr
}

func TestDefaultsAndLimits(t *testing.T) {
	snap := Defaults()
	assert.Equal(t, LimitUnlimited, snap.SendLimit(rbac.RoleEmperor))
	assert.Equal(t, 5, snap.SendLimit(rbac.RoleDuke))
	assert.Equal(t, 2, snap.SendLimit(rbac.RoleKnight))
	assert.Equal(t, LimitDenied, snap.SendLimit(rbac.RoleCivilian))
	assert.Equal(t, LimitDenied, snap.SendLimit("ghost"))
	assert.Equal(t, rbac.RoleCivilian, snap.RedemptionRole())

	snap.DefaultRole = rbac.RoleEmperor
	assert.Equal(t, rbac.RoleCivilian, snap.RedemptionRole())
}

func TestSnapshotParsesStoredValues(t *testing.T) {
	svc, _, _ := newService(t, map[string]string{
		KeyDefaultRole:         "knight",
		KeyMaxEmails:           "7",
		KeyAllowRegistration:   "true",
		KeyEmailServiceEnabled: "true",
		KeyEmailRoleLimits:     `{"duke":10,"knight":0,"emperor":-1}`,
	})
	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleKnight, snap.DefaultRole)
	assert.Equal(t, 7, snap.MaxEmails)
	assert.True(t, snap.AllowRegistration)
	assert.True(t, snap.EmailServiceEnabled)
	assert.Equal(t, 10, snap.SendLimit(rbac.RoleDuke))
	assert.Equal(t, LimitUnlimited, snap.SendLimit(rbac.RoleKnight))
	assert.Equal(t, LimitUnlimited, snap.SendLimit(rbac.RoleEmperor))
}

func TestSnapshotIsCachedAndInvalidated(t *testing.T) {
	svc, store, mr := newService(t, map[string]string{})
	ctx := context.Background()

	_, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	_, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, store.loads)
	assert.True(t, mr.Exists(cacheKey))

	enabled := true
	snap, err := svc.Update(ctx, Patch{AllowRegistration: &enabled})
	require.NoError(t, err)
	assert.True(t, snap.AllowRegistration)
	assert.Equal(t, 2, store.loads)
}

func TestUpdateRejectsEmperorDefaultRole(t *testing.T) {
	svc, store, _ := newService(t, map[string]string{})
	role := "emperor"
	_, err := svc.Update(context.Background(), Patch{DefaultRole: &role})
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Empty(t, store.values)

	_, err = svc.Update(context.Background(), Patch{RoleLimits: map[string]int{"civilian": 3}})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestSnapshotWithoutCache(t *testing.T) {
	svc := NewService(&memStore{values: map[string]string{KeyAdminContact: "ops@example.com"}}, nil, 0, nil)
	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", snap.AdminContact)
}
