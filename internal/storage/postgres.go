package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vitalcare/go-vha/internal/record"
)

// Postgres is a pgx-backed backend for shared deployments. Records are
// stored as JSONB under their numeric id; the counter is a Postgres
// sequence, which is strictly increasing and never reissues a value.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a backend on top of an existing connection pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, logger: logger}
}

// EnsureSchema creates the record table and id sequence. Idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS health_records (
			id   BIGINT PRIMARY KEY,
			data JSONB NOT NULL
		)`,
		`CREATE SEQUENCE IF NOT EXISTS health_record_ids`,
	}

	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id uint64) (record.HealthRecord, bool, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT data FROM health_records WHERE id = $1`, int64(id),
	).Scan(&data)
	if err == pgx.ErrNoRows {
		return record.HealthRecord{}, false, nil
	}
	if err != nil {
		return record.HealthRecord{}, false, fmt.Errorf("query record: %w", err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return record.HealthRecord{}, false, err
	}
	return rec, true, nil
}

func (p *Postgres) Put(ctx context.Context, rec record.HealthRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO health_records (id, data)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data
	`, int64(rec.ID), data)
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	return nil
}

func (p *Postgres) Remove(ctx context.Context, id uint64) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM health_records WHERE id = $1`, int64(id))
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) List(ctx context.Context) ([]record.HealthRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT data FROM health_records ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var recs []record.HealthRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	if recs == nil {
		recs = []record.HealthRecord{}
	}
	return recs, nil
}

func (p *Postgres) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM health_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return uint64(n), nil
}

func (p *Postgres) NextID(ctx context.Context) (uint64, error) {
	var id int64
	if err := p.pool.QueryRow(ctx,
		`SELECT nextval('health_record_ids')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	return uint64(id), nil
}

// Close is a no-op: the pool is owned by the caller that built it.
func (p *Postgres) Close() error { return nil }
