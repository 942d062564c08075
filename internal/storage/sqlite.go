package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vitalcare/go-vha/internal/record"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - records table + counter cell
const currentSchemaVersion = 1

// SQLite is a file-backed backend. Records are stored as JSON under their
// numeric id; the counter lives in its own single-row table so allocated ids
// survive record deletion and process restarts.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies pragmas and
// schema. Safe to call multiple times against the same file.
//
// The connection is configured with WAL mode for concurrent reads, NORMAL
// synchronous mode, and a 5-second busy timeout. The pool is capped at one
// connection: SQLite supports a single writer, and the record store
// serializes mutations anyway.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	return nil
}

func (s *SQLite) Get(ctx context.Context, id uint64) (record.HealthRecord, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM health_records WHERE id = ?`, int64(id),
	).Scan(&data)
	if err == sql.ErrNoRows {
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

func (s *SQLite) Put(ctx context.Context, rec record.HealthRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO health_records (id, data)
		VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, int64(rec.ID), data)
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	return nil
}

func (s *SQLite) Remove(ctx context.Context, id uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM health_records WHERE id = ?`, int64(id))
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) List(ctx context.Context) ([]record.HealthRecord, error) {
	rows, err := s.db.QueryContext(ctx,
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

func (s *SQLite) Count(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM health_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// NextID bumps the durable counter and returns the new value. The increment
// and read run in one transaction so concurrent allocations never observe
// the same value.
func (s *SQLite) NextID(ctx context.Context) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE id_counter SET value = value + 1 WHERE name = 'health_records'`); err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}

	var id uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT value FROM id_counter WHERE name = 'health_records'`).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	return id, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeRecord(rec record.HealthRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (record.HealthRecord, error) {
	var rec record.HealthRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return record.HealthRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
