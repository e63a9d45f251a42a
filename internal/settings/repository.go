package settings

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moemail/moemail/internal/platform/db"
)

// Repository reads and writes site_config.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Load returns every stored key.
func (r *Repository) Load(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value FROM site_config`)
	if err != nil {
		return nil, fmt.Errorf("settings: load: %w", err)
	}
	values, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (kv, error) {
		var item kv
		err := row.Scan(&item.key, &item.value)
		return item, err
	})
	if err != nil {
		return nil, fmt.Errorf("settings: load: %w", err)
	}
	out := make(map[string]string, len(values))
	for _, item := range values {
		out[item.key] = item.value
	}
	return out, nil
}

type kv struct {
	key, value string
}

// Save upserts all values in one transaction.
func (r *Repository) Save(ctx context.Context, values map[string]string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for k, v := range values {
			if _, err := tx.Exec(ctx, `INSERT INTO site_config (key, value, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, k, v); err != nil {
				return fmt.Errorf("settings: save %s: %w", k, err)
			}
		}
		return nil
	})
}
