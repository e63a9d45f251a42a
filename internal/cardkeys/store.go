package cardkeys

import (
	"context"
	"time"

	"github.com/moemail/moemail/internal/mailboxes"
	"github.com/moemail/moemail/internal/shared"
	"github.com/moemail/moemail/internal/users"
)

// ListParams selects a keyset page of card keys.
type ListParams struct {
	Status Status
	Search string
	Cursor *shared.Cursor
	Limit  int
	Now    time.Time
}

// Tx is the set of statements the engine runs inside one transaction.
type Tx interface {
	// ReservedAddresses returns the active Emperor mailboxes among addresses,
	// locked until the transaction ends.
	ReservedAddresses(ctx context.Context, addresses []string, now time.Time) ([]mailboxes.Reservation, error)
	ReleaseMailbox(ctx context.Context, id string) error
	// ClaimCode records code in the issued-code ledger. False means the code
	// was issued before.
	ClaimCode(ctx context.Context, code string) (bool, error)
	InsertKey(ctx context.Context, key CardKey) (CardKey, error)

	FindByCode(ctx context.Context, code string) (CardKey, error)
	// MarkUsed flips is_used only if the key is still unused and unexpired.
	MarkUsed(ctx context.Context, id, userID string, now time.Time) (bool, error)
	FindAccount(ctx context.Context, username string) (users.User, error)
	CreateAccount(ctx context.Context, arg users.CreateUserParams) (users.User, error)
	// BindMailbox drops an expired binding of the address, then binds it.
	BindMailbox(ctx context.Context, m mailboxes.Mailbox, now time.Time) (mailboxes.Mailbox, error)

	LockKey(ctx context.Context, id string) (CardKey, error)
	DeleteKey(ctx context.Context, id string) error
	// DeleteAccount removes a non-Emperor account and everything it owns.
	DeleteAccount(ctx context.Context, userID string) (bool, error)
}

// Store persists card keys. InTx commits when fn returns nil and rolls back
// otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	ListKeys(ctx context.Context, arg ListParams) ([]Listed, error)
	CountKeys(ctx context.Context, arg ListParams) (int, error)
}
