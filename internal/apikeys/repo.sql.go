package apikeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/moemail/moemail/internal/platform/db"
	"github.com/moemail/moemail/internal/shared"
)

// Queries runs credential statements.
type Queries struct {
	db db.DBTX
}

// NewQueries binds the query set to db.
func NewQueries(dbtx db.DBTX) *Queries {
	return &Queries{db: dbtx}
}

const keyColumns = `id::text, user_id::text, name, key_hash, key_prefix, enabled, expires_at, last_used_at, created_at`

func scanKey(row pgx.Row) (Key, error) {
	var k Key
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Enabled, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt)
	return k, err
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return shared.ErrNotFound
	case db.IsCode(err, db.CodeUniqueViolation):
		return fmt.Errorf("%w: duplicate api key", shared.ErrConflict)
	default:
		return fmt.Errorf("apikeys: %s: %w", op, err)
	}
}

// CreateKey inserts a credential.
func (q *Queries) CreateKey(ctx context.Context, k Key) (Key, error) {
	out, err := scanKey(q.db.QueryRow(ctx, `INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, enabled, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+keyColumns, k.ID, k.UserID, k.Name, k.KeyHash, k.KeyPrefix, k.Enabled, k.ExpiresAt))
	if err != nil {
		return Key{}, translate("create key", err)
	}
	return out, nil
}

// FindByHash resolves a presented key hash.
func (q *Queries) FindByHash(ctx context.Context, hash string) (Key, error) {
	k, err := scanKey(q.db.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
	if err != nil {
		return Key{}, translate("find key", err)
	}
	return k, nil
}

// ListKeys returns the keys owned by userID, newest first.
func (q *Queries) ListKeys(ctx context.Context, userID string) ([]Key, error) {
	rows, err := q.db.Query(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, translate("list keys", err)
	}
	defer rows.Close()
	var out []Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, translate("scan key", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list keys", err)
	}
	return out, nil
}

// SetEnabled toggles a key owned by userID.
func (q *Queries) SetEnabled(ctx context.Context, userID, id string, enabled bool) (Key, error) {
	k, err := scanKey(q.db.QueryRow(ctx, `UPDATE api_keys SET enabled = $3 WHERE id = $1 AND user_id = $2 RETURNING `+keyColumns, id, userID, enabled))
	if err != nil {
		return Key{}, translate("set enabled", err)
	}
	return k, nil
}

// DeleteKey removes a key owned by userID.
func (q *Queries) DeleteKey(ctx context.Context, userID, id string) (bool, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, translate("delete key", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TouchKey stamps last_used_at.
func (q *Queries) TouchKey(ctx context.Context, id string, at time.Time) error {
	if _, err := q.db.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at); err != nil {
		return translate("touch key", err)
	}
	return nil
}
