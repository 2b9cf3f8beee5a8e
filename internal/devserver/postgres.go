package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps documents as JSONB rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and runs migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
        CREATE TABLE IF NOT EXISTS drafts (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            doc JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE TABLE IF NOT EXISTS temp_files (
            id TEXT PRIMARY KEY,
            key TEXT UNIQUE NOT NULL,
            doc JSONB NOT NULL
        );
        CREATE TABLE IF NOT EXISTS requests (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            doc JSONB NOT NULL
        );
        CREATE INDEX IF NOT EXISTS requests_user_created ON requests (user_id, created_at DESC);`
	_, err := pool.Exec(ctx, stmt)
	return err
}

func (p *PostgresStore) PutDraft(ctx context.Context, d Draft) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	const query = `
        INSERT INTO drafts (id, user_id, doc, updated_at)
        VALUES ($1, $2, $3::jsonb, NOW())
        ON CONFLICT (id)
        DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW();`
	_, err = p.pool.Exec(ctx, query, d.ID, d.UserID, string(doc))
	return err
}

func (p *PostgresStore) GetDraft(ctx context.Context, id string) (Draft, error) {
	var d Draft
	err := p.getDoc(ctx, `SELECT doc FROM drafts WHERE id = $1`, id, &d)
	return d, err
}

func (p *PostgresStore) DeleteDraft(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM drafts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) PutTempFile(ctx context.Context, f TempFile) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return err
	}
	const query = `
        INSERT INTO temp_files (id, key, doc)
        VALUES ($1, $2, $3::jsonb)
        ON CONFLICT (id)
        DO UPDATE SET key = EXCLUDED.key, doc = EXCLUDED.doc;`
	_, err = p.pool.Exec(ctx, query, f.ID, f.Key, string(doc))
	return err
}

func (p *PostgresStore) GetTempFile(ctx context.Context, id string) (TempFile, error) {
	var f TempFile
	err := p.getDoc(ctx, `SELECT doc FROM temp_files WHERE id = $1`, id, &f)
	return f, err
}

func (p *PostgresStore) GetTempFileByKey(ctx context.Context, key string) (TempFile, error) {
	var f TempFile
	err := p.getDoc(ctx, `SELECT doc FROM temp_files WHERE key = $1`, key, &f)
	return f, err
}

const upsertRequest = `
        INSERT INTO requests (id, user_id, created_at, doc)
        VALUES ($1, $2, $3, $4::jsonb)
        ON CONFLICT (id)
        DO UPDATE SET doc = EXCLUDED.doc;`

func (p *PostgresStore) PutRequest(ctx context.Context, r Request) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, upsertRequest, r.ID, r.UserID, r.CreatedAt, string(doc))
	return err
}

// PutRequests upserts all requests in one transaction.
func (p *PostgresStore) PutRequests(ctx context.Context, rs []Request) error {
	docs := make([]string, len(rs))
	for i, r := range rs {
		doc, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode request %s: %w", r.ID, err)
		}
		docs[i] = string(doc)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for i, r := range rs {
			if _, err := tx.Exec(ctx, upsertRequest, r.ID, r.UserID, r.CreatedAt, docs[i]); err != nil {
				return fmt.Errorf("write request %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (Request, error) {
	var r Request
	err := p.getDoc(ctx, `SELECT doc FROM requests WHERE id = $1`, id, &r)
	return r, err
}

func (p *PostgresStore) ListRequests(ctx context.Context, userID string, since time.Time) ([]Request, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT doc FROM requests WHERE user_id = $1 AND created_at >= $2 ORDER BY created_at DESC`,
		userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r Request
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() { p.pool.Close() }

func (p *PostgresStore) getDoc(ctx context.Context, query, arg string, out any) error {
	var raw []byte
	if err := p.pool.QueryRow(ctx, query, arg).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(raw, out)
}
