package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps the whole keyspace in one two-column table.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS store (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := p.pool.QueryRow(ctx, `SELECT value FROM store WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO store (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Remove(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM store WHERE key = $1`, key); err != nil {
		return fmt.Errorf("store: remove %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) FindKeys(ctx context.Context, pattern, notPattern string) ([]string, error) {
	var notRe *regexp.Regexp
	if notPattern != "" {
		var err error
		if notRe, err = globRegexp(notPattern); err != nil {
			return nil, err
		}
	}
	rows, err := p.pool.Query(ctx,
		`SELECT key FROM store WHERE key LIKE $1 ORDER BY key`, globLike(pattern))
	if err != nil {
		return nil, fmt.Errorf("store: find %s: %w", pattern, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		if notRe != nil && notRe.MatchString(key) {
			continue
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}

// globLike converts a '*' glob into a LIKE pattern.
func globLike(pattern string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(pattern)
	return strings.ReplaceAll(escaped, "*", "%")
}
