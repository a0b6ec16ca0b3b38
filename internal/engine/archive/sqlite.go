// Package archive is the engine's long-term execution sink: finalized
// records are batch-inserted into SQLite by an async recorder, and
// record lookups fall back here when the in-memory store misses after
// a restart. The JSONL persistence file remains the primary durability
// path; the archive adds queryability.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/warden-sh/warden/internal/engine"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store holds the archive database. Writes go through a single-writer
// connection; reads use a small pool.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens (or creates) the archive database at path and applies the
// embedded migrations.
func New(path string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	var dsn string
	if path == ":memory:" {
		// Shared cache so the read and write pools see the same data.
		dsn = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		dsn = "file:" + path + "?" + pragmas
	}

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

// runMigrations applies the embedded SQL migrations using goose.
// fs.Sub strips the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// InsertRecords writes a batch in one transaction. A re-finalized id
// (replayed JSONL after a crash) replaces the earlier row.
func (s *Store) InsertRecords(ctx context.Context, records []engine.ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO executions
		(id, tenant_id, status, created_at_ms, started_at_ms, finished_at_ms, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		doc, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.TenantID, string(rec.Status),
			rec.CreatedAtMs, rec.StartedAtMs, rec.FinishedAtMs, string(doc),
		); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// GetRecord loads one archived record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (engine.ExecutionRecord, bool, error) {
	var doc string
	err := s.read.QueryRowContext(ctx, `SELECT record FROM executions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ExecutionRecord{}, false, nil
	}
	if err != nil {
		return engine.ExecutionRecord{}, false, fmt.Errorf("query record %s: %w", id, err)
	}
	var rec engine.ExecutionRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return engine.ExecutionRecord{}, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, true, nil
}

// CountByTenant reports how many executions a tenant has archived.
func (s *Store) CountByTenant(ctx context.Context, tenant string) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE tenant_id = ?`, tenant).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count for tenant %s: %w", tenant, err)
	}
	return n, nil
}

// Ping verifies connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both connections.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
