package mailboxes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/moemail/moemail/internal/platform/db"
	"github.com/moemail/moemail/internal/shared"
)

// Queries runs mailbox statements against a pool or a transaction.
type Queries struct {
	db db.DBTX
}

// NewQueries binds the query set to db.
func NewQueries(dbtx db.DBTX) *Queries {
	return &Queries{db: dbtx}
}

const mailboxColumns = `m.id::text, m.address, m.user_id::text, m.created_at, m.expires_at`

func scanMailbox(row pgx.Row) (Mailbox, error) {
	var m Mailbox
	err := row.Scan(&m.ID, &m.Address, &m.UserID, &m.CreatedAt, &m.ExpiresAt)
	return m, err
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return shared.ErrNotFound
	case db.IsCode(err, db.CodeUniqueViolation):
		return fmt.Errorf("%w: address already bound", shared.ErrConflict)
	default:
		return fmt.Errorf("mailboxes: %s: %w", op, err)
	}
}

// InsertMailbox binds an address.
func (q *Queries) InsertMailbox(ctx context.Context, m Mailbox) (Mailbox, error) {
	out, err := scanMailbox(q.db.QueryRow(ctx, `INSERT INTO mailboxes AS m (id, address, user_id, expires_at)
VALUES ($1, $2, $3, $4)
RETURNING `+mailboxColumns, m.ID, m.Address, m.UserID, m.ExpiresAt))
	if err != nil {
		return Mailbox{}, translate("insert mailbox", err)
	}
	return out, nil
}

// GetMailbox fetches a mailbox by id.
func (q *Queries) GetMailbox(ctx context.Context, id string) (Mailbox, error) {
	m, err := scanMailbox(q.db.QueryRow(ctx, `SELECT `+mailboxColumns+` FROM mailboxes m WHERE m.id = $1`, id))
	if err != nil {
		return Mailbox{}, translate("get mailbox", err)
	}
	return m, nil
}

// DeleteMailbox removes a mailbox and its messages.
func (q *Queries) DeleteMailbox(ctx context.Context, id string) (bool, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM mailboxes WHERE id = $1`, id)
	if err != nil {
		return false, translate("delete mailbox", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteExpiredByAddress frees an address whose previous binding lapsed.
func (q *Queries) DeleteExpiredByAddress(ctx context.Context, address string, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM mailboxes WHERE address = $1 AND expires_at <= $2`, address, now)
	if err != nil {
		return 0, translate("delete expired by address", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeExpired removes every lapsed mailbox.
func (q *Queries) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM mailboxes WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, translate("purge expired", err)
	}
	return tag.RowsAffected(), nil
}

// ReservedAddresses returns the active Emperor-owned mailboxes among
// addresses. With lock set the rows are locked for the enclosing transaction.
func (q *Queries) ReservedAddresses(ctx context.Context, addresses []string, now time.Time, lock bool) ([]Reservation, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	sql := `SELECT m.id::text, m.address, u.id::text, u.username
FROM mailboxes m
JOIN users u ON u.id = m.user_id
WHERE m.address = ANY($1) AND m.expires_at > $2 AND u.role = 'emperor'`
	if lock {
		sql += ` FOR UPDATE OF m`
	}
	rows, err := q.db.Query(ctx, sql, addresses, now)
	if err != nil {
		return nil, translate("reserved addresses", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Reservation, error) {
		var r Reservation
		err := row.Scan(&r.MailboxID, &r.Address, &r.UserID, &r.Username)
		return r, err
	})
	if err != nil {
		return nil, translate("reserved addresses", err)
	}
	return out, nil
}

func listFilter(arg ListParams) (string, []string, []any) {
	join := ""
	where := []string{"m.user_id = $1", "m.expires_at > $2"}
	args := []any{arg.UserID, arg.Now}
	if shared.FoldCase(arg.Search) != "" {
		join = ` LEFT JOIN messages msg ON msg.mailbox_id = m.id`
		args = append(args, shared.LikePattern(arg.Search))
		p := fmt.Sprintf("$%d", len(args))
		where = append(where, "(LOWER(m.address) LIKE "+p+` ESCAPE '\'`+
			" OR LOWER(msg.subject) LIKE "+p+` ESCAPE '\'`+
			" OR LOWER(msg.from_address) LIKE "+p+` ESCAPE '\'`+
			" OR LOWER(msg.to_address) LIKE "+p+` ESCAPE '\')`)
	}
	return join, where, args
}

// ListMailboxes returns up to Limit mailboxes, one row per mailbox even when
// several messages match the search.
func (q *Queries) ListMailboxes(ctx context.Context, arg ListParams) ([]Mailbox, error) {
	join, where, args := listFilter(arg)
	if arg.Cursor != nil {
		pred, cargs := shared.KeysetPredicate("m.created_at", "m.id", arg.Cursor, len(args)+1)
		where = append(where, pred)
		args = append(args, cargs...)
	}
	args = append(args, arg.Limit)
	sql := `SELECT ` + mailboxColumns + ` FROM mailboxes m` + join +
		` WHERE ` + strings.Join(where, " AND ") +
		` GROUP BY m.id` +
		` ORDER BY ` + shared.KeysetOrder("m.created_at", "m.id") +
		fmt.Sprintf(` LIMIT $%d`, len(args))
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate("list mailboxes", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Mailbox, error) {
		return scanMailbox(row)
	})
	if err != nil {
		return nil, translate("list mailboxes", err)
	}
	return out, nil
}

// CountMailboxes counts distinct mailboxes matching arg, ignoring the cursor.
func (q *Queries) CountMailboxes(ctx context.Context, arg ListParams) (int, error) {
	join, where, args := listFilter(arg)
	var total int
	err := q.db.QueryRow(ctx, `SELECT COUNT(DISTINCT m.id) FROM mailboxes m`+join+` WHERE `+strings.Join(where, " AND "), args...).Scan(&total)
	if err != nil {
		return 0, translate("count mailboxes", err)
	}
	return total, nil
}

// InsertMessage stores a message.
func (q *Queries) InsertMessage(ctx context.Context, msg Message) error {
	_, err := q.db.Exec(ctx, `INSERT INTO messages (id, mailbox_id, from_address, to_address, subject, content, html, type, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.MailboxID, msg.FromAddress, msg.ToAddress, msg.Subject, msg.Content, msg.HTML, msg.Type, msg.ReceivedAt)
	if err != nil {
		return translate("insert message", err)
	}
	return nil
}
