package cardkeys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moemail/moemail/internal/mailboxes"
	"github.com/moemail/moemail/internal/platform/db"
	"github.com/moemail/moemail/internal/shared"
	"github.com/moemail/moemail/internal/users"
)

// Repository is the Postgres Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InTx runs fn at read committed. Redemption is ordered by the conditional
// update in MarkUsed, generation by the row locks in ReservedAddresses.
func (r *Repository) InTx(ctx context.Context, fn func(Tx) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(newTxQueries(tx))
	})
}

// ListKeys returns up to Limit keys in (created_at DESC, id DESC) order.
func (r *Repository) ListKeys(ctx context.Context, arg ListParams) ([]Listed, error) {
	return listKeys(ctx, r.pool, arg)
}

// CountKeys counts keys matching the filter.
func (r *Repository) CountKeys(ctx context.Context, arg ListParams) (int, error) {
	where, args := keyFilter(arg)
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM card_keys ck LEFT JOIN users u ON u.id = ck.used_by`+whereSQL(where), args...).Scan(&total)
	if err != nil {
		return 0, translate("count card keys", err)
	}
	return total, nil
}

const keyColumns = `ck.id::text, ck.code, ck.email_address, ck.is_used, ck.used_by::text, ck.used_at, ck.created_at, ck.expires_at`

func scanKey(row pgx.Row, extra ...any) (CardKey, error) {
	var k CardKey
	dest := append([]any{&k.ID, &k.Code, &k.EmailAddress, &k.IsUsed, &k.UsedBy, &k.UsedAt, &k.CreatedAt, &k.ExpiresAt}, extra...)
	err := row.Scan(dest...)
	return k, err
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return shared.ErrNotFound
	case db.IsCode(err, db.CodeSerializationFailure):
		return fmt.Errorf("%w: concurrent redemption", shared.ErrAlreadyUsed)
	case db.IsCode(err, db.CodeUniqueViolation):
		return fmt.Errorf("%w: card key already exists", shared.ErrConflict)
	default:
		return fmt.Errorf("cardkeys: %s: %w", op, err)
	}
}

func keyFilter(arg ListParams) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	switch arg.Status {
	case StatusUnused:
		where = append(where, `NOT ck.is_used AND ck.expires_at >= `+next(arg.Now))
	case StatusUsed:
		where = append(where, `ck.is_used`)
	case StatusExpired:
		where = append(where, `NOT ck.is_used AND ck.expires_at < `+next(arg.Now))
	case StatusExpiring:
		now := next(arg.Now)
		where = append(where, `ck.expires_at >= `+now+` AND ck.expires_at <= `+next(arg.Now.Add(ExpiringWindow)))
	}
	if shared.FoldCase(arg.Search) != "" {
		p := next(shared.LikePattern(arg.Search))
		where = append(where, `(LOWER(ck.code) LIKE `+p+` ESCAPE '\' OR LOWER(ck.email_address) LIKE `+p+` ESCAPE '\' OR LOWER(COALESCE(u.username, '')) LIKE `+p+` ESCAPE '\')`)
	}
	return where, args
}

func whereSQL(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func listKeys(ctx context.Context, q db.DBTX, arg ListParams) ([]Listed, error) {
	where, args := keyFilter(arg)
	if arg.Cursor != nil {
		pred, cargs := shared.KeysetPredicate("ck.created_at", "ck.id", arg.Cursor, len(args)+1)
		where = append(where, pred)
		args = append(args, cargs...)
	}
	args = append(args, arg.Limit)
	sql := `SELECT ` + keyColumns + `, u.username FROM card_keys ck LEFT JOIN users u ON u.id = ck.used_by` +
		whereSQL(where) +
		` ORDER BY ` + shared.KeysetOrder("ck.created_at", "ck.id") +
		fmt.Sprintf(` LIMIT $%d`, len(args))
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate("list card keys", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Listed, error) {
		var l Listed
		k, err := scanKey(row, &l.UsedByUsername)
		l.CardKey = k
		return l, err
	})
	if err != nil {
		return nil, translate("list card keys", err)
	}
	return out, nil
}

// txQueries composes the card-key, account and mailbox statements over one
// transaction.
type txQueries struct {
	tx        pgx.Tx
	users     *users.Queries
	mailboxes *mailboxes.Queries
}

func newTxQueries(tx pgx.Tx) *txQueries {
	return &txQueries{tx: tx, users: users.NewQueries(tx), mailboxes: mailboxes.NewQueries(tx)}
}

func (q *txQueries) ReservedAddresses(ctx context.Context, addresses []string, now time.Time) ([]mailboxes.Reservation, error) {
	return q.mailboxes.ReservedAddresses(ctx, addresses, now, true)
}

func (q *txQueries) ReleaseMailbox(ctx context.Context, id string) error {
	_, err := q.mailboxes.DeleteMailbox(ctx, id)
	return err
}

func (q *txQueries) ClaimCode(ctx context.Context, code string) (bool, error) {
	tag, err := q.tx.Exec(ctx, `INSERT INTO card_key_codes (code) VALUES ($1) ON CONFLICT DO NOTHING`, code)
	if err != nil {
		return false, translate("claim code", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *txQueries) InsertKey(ctx context.Context, key CardKey) (CardKey, error) {
	out, err := scanKey(q.tx.QueryRow(ctx, `INSERT INTO card_keys AS ck (id, code, email_address, expires_at)
VALUES ($1, $2, $3, $4)
RETURNING `+keyColumns, key.ID, key.Code, key.EmailAddress, key.ExpiresAt))
	if err != nil {
		return CardKey{}, translate("insert card key", err)
	}
	return out, nil
}

func (q *txQueries) FindByCode(ctx context.Context, code string) (CardKey, error) {
	k, err := scanKey(q.tx.QueryRow(ctx, `SELECT `+keyColumns+` FROM card_keys ck WHERE ck.code = $1`, code))
	if err != nil {
		return CardKey{}, translate("find card key", err)
	}
	return k, nil
}

func (q *txQueries) MarkUsed(ctx context.Context, id, userID string, now time.Time) (bool, error) {
	tag, err := q.tx.Exec(ctx, `UPDATE card_keys SET is_used = TRUE, used_by = $2, used_at = $3
WHERE id = $1 AND NOT is_used AND expires_at >= $3`, id, userID, now)
	if err != nil {
		return false, translate("mark card key used", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *txQueries) FindAccount(ctx context.Context, username string) (users.User, error) {
	return q.users.GetUserByUsername(ctx, username)
}

func (q *txQueries) CreateAccount(ctx context.Context, arg users.CreateUserParams) (users.User, error) {
	return q.users.CreateUser(ctx, arg)
}

func (q *txQueries) BindMailbox(ctx context.Context, m mailboxes.Mailbox, now time.Time) (mailboxes.Mailbox, error) {
	if _, err := q.mailboxes.DeleteExpiredByAddress(ctx, m.Address, now); err != nil {
		return mailboxes.Mailbox{}, err
	}
	return q.mailboxes.InsertMailbox(ctx, m)
}

func (q *txQueries) LockKey(ctx context.Context, id string) (CardKey, error) {
	k, err := scanKey(q.tx.QueryRow(ctx, `SELECT `+keyColumns+` FROM card_keys ck WHERE ck.id = $1 FOR UPDATE`, id))
	if err != nil {
		return CardKey{}, translate("lock card key", err)
	}
	return k, nil
}

func (q *txQueries) DeleteKey(ctx context.Context, id string) error {
	if _, err := q.tx.Exec(ctx, `DELETE FROM card_keys WHERE id = $1`, id); err != nil {
		return translate("delete card key", err)
	}
	return nil
}

func (q *txQueries) DeleteAccount(ctx context.Context, userID string) (bool, error) {
	return q.users.DeleteUser(ctx, userID)
}
