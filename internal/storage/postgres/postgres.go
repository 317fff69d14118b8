package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/FranksOps/pinpoint/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

type postgresBackend struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS resolutions (
	id TEXT PRIMARY KEY,
	entry TEXT NOT NULL,
	query TEXT NOT NULL,
	brand TEXT,
	product TEXT,
	url TEXT,
	source TEXT,
	status TEXT NOT NULL,
	reason TEXT,
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS resolutions_created_at ON resolutions (created_at);
`

// New creates a new Postgres-backed storage.Backend.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create pg schema: %w", err)
	}

	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) Save(ctx context.Context, r *storage.Resolution) error {
	query := `
	INSERT INTO resolutions (
		id, entry, query, brand, product, url, source, status, reason, duration_ms, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := b.pool.Exec(ctx, query,
		r.ID,
		r.Entry,
		r.Query,
		r.Brand,
		r.Product,
		r.URL,
		r.Source,
		r.Status,
		r.Reason,
		r.Duration.Milliseconds(),
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}
	return nil
}

func (b *postgresBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Resolution, error) {
	query := `SELECT id, entry, query, brand, product, url, source, status, reason, duration_ms, created_at FROM resolutions WHERE 1=1`
	args := []any{}
	paramCount := 1

	if filter.Entry != "" {
		query += fmt.Sprintf(` AND entry = $%d`, paramCount)
		args = append(args, filter.Entry)
		paramCount++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, paramCount)
		args = append(args, filter.Status)
		paramCount++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, paramCount)
		args = append(args, *filter.Since)
		paramCount++
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramCount)
		args = append(args, filter.Limit)
		paramCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, paramCount)
		args = append(args, filter.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query resolutions: %w", err)
	}
	defer rows.Close()

	var results []*storage.Resolution
	for rows.Next() {
		var r storage.Resolution
		var durationMs int64

		err := rows.Scan(
			&r.ID, &r.Entry, &r.Query, &r.Brand, &r.Product, &r.URL,
			&r.Source, &r.Status, &r.Reason, &durationMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resolutions: %w", err)
	}
	return results, nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
