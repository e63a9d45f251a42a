package cardkeys

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moemail/moemail/internal/mailboxes"
	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/shared"
	"github.com/moemail/moemail/internal/users"
)

type memState struct {
	keys      map[string]CardKey
	codes     map[string]bool
	users     map[string]users.User
	mailboxes map[string]mailboxes.Mailbox
}

func (s memState) clone() memState {
	out := memState{
		keys:      make(map[string]CardKey, len(s.keys)),
		codes:     make(map[string]bool, len(s.codes)),
		users:     make(map[string]users.User, len(s.users)),
		mailboxes: make(map[string]mailboxes.Mailbox, len(s.mailboxes)),
	}
	for k, v := range s.keys {
		out.keys[k] = v
	}
	for k, v := range s.codes {
		out.codes[k] = v
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.mailboxes {
		out.mailboxes[k] = v
	}
	return out
}

// memStore serialises transactions under one mutex and restores a snapshot
// when fn fails.
type memStore struct {
	mu    sync.Mutex
	state memState
	clock func() time.Time
	// loseRace makes MarkUsed report a concurrent winner.
	loseRace bool
	// deleteOnMark makes MarkUsed observe a concurrent Delete of the key.
	deleteOnMark bool
}

func newMemStore(clock func() time.Time) *memStore {
	return &memStore{
		clock: clock,
		state: memState{
			keys:      map[string]CardKey{},
			codes:     map[string]bool{},
			users:     map[string]users.User{},
			mailboxes: map[string]mailboxes.Mailbox{},
		},
	}
}

func (s *memStore) InTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.state.clone()
	if err := fn(&memTx{s: s}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *memStore) addUser(u users.User) users.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.IsActive = true
	s.state.users[u.ID] = u
	return u
}

func (s *memStore) addMailbox(m mailboxes.Mailbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.mailboxes[m.ID] = m
}

func (s *memStore) snapshot() memState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *memStore) matching(arg ListParams) []Listed {
	var out []Listed
	for _, k := range s.state.keys {
		switch arg.Status {
		case StatusUnused:
			if k.IsUsed || k.Expired(arg.Now) {
				continue
			}
		case StatusUsed:
			if !k.IsUsed {
				continue
			}
		case StatusExpired:
			if k.IsUsed || !k.Expired(arg.Now) {
				continue
			}
		case StatusExpiring:
			if k.Expired(arg.Now) || k.ExpiresAt.After(arg.Now.Add(ExpiringWindow)) {
				continue
			}
		}
		l := Listed{CardKey: k}
		if k.UsedBy != nil {
			if u, ok := s.state.users[*k.UsedBy]; ok {
				name := u.Username
				l.UsedByUsername = &name
			}
		}
		if term := arg.Search; term != "" {
			name := ""
			if l.UsedByUsername != nil {
				name = *l.UsedByUsername
			}
			if !shared.ContainsFold(k.Code, term) && !shared.ContainsFold(k.EmailAddress, term) && !shared.ContainsFold(name, term) {
				continue
			}
		}
		out = append(out, l)
	}
	return out
}

func (s *memStore) ListKeys(_ context.Context, arg ListParams) ([]Listed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.matching(arg)
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	var out []Listed
	for _, r := range rows {
		if arg.Cursor != nil && !arg.Cursor.After(r.CreatedAt, r.ID) {
			continue
		}
		out = append(out, r)
		if len(out) == arg.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) CountKeys(_ context.Context, arg ListParams) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matching(arg)), nil
}

type memTx struct {
	s *memStore
}

func (t *memTx) st() *memState { return &t.s.state }

func (t *memTx) ReservedAddresses(_ context.Context, addresses []string, now time.Time) ([]mailboxes.Reservation, error) {
	want := map[string]bool{}
	for _, a := range addresses {
		want[a] = true
	}
	var out []mailboxes.Reservation
	for _, m := range t.st().mailboxes {
		owner := t.st().users[m.UserID]
		if want[m.Address] && m.Active(now) && owner.Role == rbac.RoleEmperor {
			out = append(out, mailboxes.Reservation{MailboxID: m.ID, Address: m.Address, UserID: owner.ID, Username: owner.Username})
		}
	}
	return out, nil
}

func (t *memTx) ReleaseMailbox(_ context.Context, id string) error {
	delete(t.st().mailboxes, id)
	return nil
}

func (t *memTx) ClaimCode(_ context.Context, code string) (bool, error) {
	if t.st().codes[code] {
		return false, nil
	}
	t.st().codes[code] = true
	return true, nil
}

func (t *memTx) InsertKey(_ context.Context, key CardKey) (CardKey, error) {
	for _, k := range t.st().keys {
		if k.Code == key.Code {
			return CardKey{}, fmt.Errorf("%w: card key already exists", shared.ErrConflict)
		}
	}
	key.CreatedAt = t.s.clock()
	t.st().keys[key.ID] = key
	return key, nil
}

func (t *memTx) FindByCode(_ context.Context, code string) (CardKey, error) {
	for _, k := range t.st().keys {
		if k.Code == code {
			return k, nil
		}
	}
	return CardKey{}, shared.ErrNotFound
}

func (t *memTx) MarkUsed(_ context.Context, id, userID string, now time.Time) (bool, error) {
	if t.s.loseRace {
		return false, nil
	}
	if t.s.deleteOnMark {
		delete(t.st().keys, id)
		return false, nil
	}
	k, ok := t.st().keys[id]
	if !ok || k.IsUsed || k.Expired(now) {
		return false, nil
	}
	uid, at := userID, now
	k.IsUsed, k.UsedBy, k.UsedAt = true, &uid, &at
	t.st().keys[id] = k
	return true, nil
}

func (t *memTx) FindAccount(_ context.Context, username string) (users.User, error) {
	for _, u := range t.st().users {
		if u.Username == username {
			return u, nil
		}
	}
	return users.User{}, shared.ErrNotFound
}

func (t *memTx) CreateAccount(_ context.Context, arg users.CreateUserParams) (users.User, error) {
	for _, u := range t.st().users {
		if strings.EqualFold(u.Username, arg.Username) {
			return users.User{}, fmt.Errorf("%w: username already taken", shared.ErrConflict)
		}
	}
	u := users.User{ID: arg.ID, Username: arg.Username, PasswordHash: arg.PasswordHash, Role: arg.Role, IsActive: true, CreatedAt: t.s.clock()}
	t.st().users[u.ID] = u
	return u, nil
}

func (t *memTx) BindMailbox(_ context.Context, m mailboxes.Mailbox, now time.Time) (mailboxes.Mailbox, error) {
	for id, existing := range t.st().mailboxes {
		if existing.Address != m.Address {
			continue
		}
		if existing.Active(now) {
			return mailboxes.Mailbox{}, fmt.Errorf("%w: address already bound", shared.ErrConflict)
		}
		delete(t.st().mailboxes, id)
	}
	m.CreatedAt = now
	t.st().mailboxes[m.ID] = m
	return m, nil
}

func (t *memTx) LockKey(_ context.Context, id string) (CardKey, error) {
	k, ok := t.st().keys[id]
	if !ok {
		return CardKey{}, shared.ErrNotFound
	}
	return k, nil
}

func (t *memTx) DeleteKey(_ context.Context, id string) error {
	delete(t.st().keys, id)
	return nil
}

func (t *memTx) DeleteAccount(_ context.Context, userID string) (bool, error) {
	u, ok := t.st().users[userID]
	if !ok || u.Role == rbac.RoleEmperor {
		return false, nil
	}
	delete(t.st().users, userID)
	for id, m := range t.st().mailboxes {
		if m.UserID == userID {
			delete(t.st().mailboxes, id)
		}
	}
	for id, k := range t.st().keys {
		if k.UsedBy != nil && *k.UsedBy == userID {
			delete(t.st().keys, id)
		}
	}
	return true, nil
}
