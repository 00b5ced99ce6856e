package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the minimal pool surface the Postgres store needs. It is
// implemented by *pgxpool.Pool and by pgxmock.PgxPoolIface in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres stores each record as one JSONB document in the records table and
// each appended event as a row in the events table.
type Postgres struct {
	pool PgxPool
}

// NewPostgres connects a pool for the given DSN.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool (or a mock).
func NewPostgresWithPool(pool PgxPool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the underlying pool.
func (p *Postgres) Close() { p.pool.Close() }

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx,
		`SELECT doc FROM records WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return doc, nil
}

// Set implements Store.
func (p *Postgres) Set(ctx context.Context, collection, key string, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO records (collection, key, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (collection, key) DO UPDATE SET doc = EXCLUDED.doc`,
		collection, key, b,
	)
	if err != nil {
		return fmt.Errorf("set record: %w", err)
	}
	return nil
}

// UpdateField implements Store using jsonb_set so only the named field is
// rewritten.
func (p *Postgres) UpdateField(ctx context.Context, collection, key, field string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal field %s: %w", field, err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE records SET doc = jsonb_set(doc, ARRAY[$3], $4::jsonb, true)
		 WHERE collection = $1 AND key = $2`,
		collection, key, field, b,
	)
	if err != nil {
		return fmt.Errorf("update field %s: %w", field, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Increment implements Store with a single SQL statement, so concurrent
// increments on the same field never lose updates.
func (p *Postgres) Increment(ctx context.Context, collection, key, field string, delta int64) (int64, error) {
	var value int64
	err := p.pool.QueryRow(ctx,
		`UPDATE records
		 SET doc = jsonb_set(doc, ARRAY[$3], to_jsonb(COALESCE((doc->>$3)::bigint, 0) + $4), true)
		 WHERE collection = $1 AND key = $2
		 RETURNING (doc->>$3)::bigint`,
		collection, key, field, delta,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment field %s: %w", field, err)
	}
	return value, nil
}

// Delete implements Store.
func (p *Postgres) Delete(ctx context.Context, collection, key string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM records WHERE collection = $1 AND key = $2`,
		collection, key,
	)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Append implements Store.
func (p *Postgres) Append(ctx context.Context, collection string, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO events (id, collection, doc) VALUES ($1, $2, $3)`,
		uuid.New(), collection, b,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// List implements Store.
func (p *Postgres) List(ctx context.Context, collection string) ([]json.RawMessage, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT doc FROM events WHERE collection = $1 ORDER BY created_at, id`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return docs, nil
}
