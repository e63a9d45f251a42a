package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/moemail/moemail/internal/platform/db"
	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/shared"
)

// Queries runs account statements against a pool or a transaction.
type Queries struct {
	db db.DBTX
}

// NewQueries binds the query set to db.
func NewQueries(dbtx db.DBTX) *Queries {
	return &Queries{db: dbtx}
}

const userColumns = `id::text, username, password_hash, role, is_active, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var (
		u    User
		role string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return User{}, err
	}
	u.Role = rbac.Role(role)
	return u, nil
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return shared.ErrNotFound
	case db.IsCode(err, db.CodeUniqueViolation):
		return fmt.Errorf("%w: username already taken", shared.ErrConflict)
	default:
		return fmt.Errorf("users: %s: %w", op, err)
	}
}

const createUser = `INSERT INTO users (id, username, password_hash, role)
VALUES ($1, $2, $3, $4)
RETURNING ` + userColumns

// CreateUser inserts an account.
func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) (User, error) {
	u, err := scanUser(q.db.QueryRow(ctx, createUser, arg.ID, arg.Username, arg.PasswordHash, string(arg.Role)))
	if err != nil {
		return User{}, translate("create user", err)
	}
	return u, nil
}

const getUser = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

// GetUser fetches an account by id.
func (q *Queries) GetUser(ctx context.Context, id string) (User, error) {
	u, err := scanUser(q.db.QueryRow(ctx, getUser, id))
	if err != nil {
		return User{}, translate("get user", err)
	}
	return u, nil
}

const getUserByUsername = `SELECT ` + userColumns + ` FROM users WHERE username = $1`

// GetUserByUsername fetches an account by username.
func (q *Queries) GetUserByUsername(ctx context.Context, username string) (User, error) {
	u, err := scanUser(q.db.QueryRow(ctx, getUserByUsername, username))
	if err != nil {
		return User{}, translate("get user by username", err)
	}
	return u, nil
}

const updateUser = `UPDATE users SET
	role = COALESCE($2, role),
	is_active = COALESCE($3, is_active),
	password_hash = COALESCE($4, password_hash),
	updated_at = NOW()
WHERE id = $1 AND role <> 'emperor'
RETURNING ` + userColumns

// UpdateUser applies the non-nil fields. The Emperor row never matches.
func (q *Queries) UpdateUser(ctx context.Context, arg UpdateUserParams) (User, error) {
	var role *string
	if arg.Role != nil {
		r := string(*arg.Role)
		role = &r
	}
	u, err := scanUser(q.db.QueryRow(ctx, updateUser, arg.ID, role, arg.IsActive, arg.PasswordHash))
	if err != nil {
		return User{}, translate("update user", err)
	}
	return u, nil
}

const deleteUser = `DELETE FROM users WHERE id = $1 AND role <> 'emperor'`

// DeleteUser removes an account; mailboxes, messages and api keys cascade.
func (q *Queries) DeleteUser(ctx context.Context, id string) (bool, error) {
	tag, err := q.db.Exec(ctx, deleteUser, id)
	if err != nil {
		return false, translate("delete user", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListUsers returns up to Limit accounts in (created_at DESC, id DESC) order.
func (q *Queries) ListUsers(ctx context.Context, arg ListUsersParams) ([]User, error) {
	where, args := listFilter(arg.Search)
	if arg.Cursor != nil {
		pred, cargs := shared.KeysetPredicate("created_at", "id", arg.Cursor, len(args)+1)
		where = append(where, pred)
		args = append(args, cargs...)
	}
	args = append(args, arg.Limit)
	sql := `SELECT ` + userColumns + ` FROM users` + whereClause(where) +
		` ORDER BY ` + shared.KeysetOrder("created_at", "id") +
		fmt.Sprintf(` LIMIT $%d`, len(args))
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate("list users", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, translate("scan user", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list users", err)
	}
	return out, nil
}

// CountUsers counts accounts matching search.
func (q *Queries) CountUsers(ctx context.Context, search string) (int, error) {
	where, args := listFilter(search)
	var total int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`+whereClause(where), args...).Scan(&total); err != nil {
		return 0, translate("count users", err)
	}
	return total, nil
}

func listFilter(search string) ([]string, []any) {
	if shared.FoldCase(search) == "" {
		return nil, nil
	}
	return []string{`LOWER(username) LIKE $1 ESCAPE '\'`}, []any{shared.LikePattern(search)}
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	out := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}
