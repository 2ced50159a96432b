package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ConfigRepository implements repository.ConfigRepository using PostgreSQL.
type ConfigRepository struct {
	db *sqlx.DB
}

// NewConfigRepository constructs a new repository.
func NewConfigRepository(db *sqlx.DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// All returns every stored key/value pair.
func (r *ConfigRepository) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT key, value FROM scheduler_config`)
	if err != nil {
		return nil, fmt.Errorf("config repo: all: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("config repo: scan: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config repo: rows err: %w", err)
	}
	return out, nil
}

// Set writes one key, inserting or updating as needed. The description is
// only written on first insert.
func (r *ConfigRepository) Set(ctx context.Context, key, value, description string) error {
	q := `INSERT INTO scheduler_config (key, value, description, updated_at)
	 VALUES (:key, :value, :description, NOW())
	 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	params := map[string]any{
		"key":         key,
		"value":       value,
		"description": description,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("config repo: set %s: %w", key, err)
	}
	return nil
}
