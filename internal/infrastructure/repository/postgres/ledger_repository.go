package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the ledger and job tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker/cli startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101601)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS ingest_ledger (
	container TEXT NOT NULL,
	sourcefile TEXT NOT NULL,
	stage TEXT NOT NULL,
	content_hash TEXT NOT NULL DEFAULT '',
	records INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (container, sourcefile)
);

CREATE INDEX IF NOT EXISTS idx_ingest_ledger_stage ON ingest_ledger(stage);

CREATE TABLE IF NOT EXISTS ingest_jobs (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	container TEXT NOT NULL,
	report JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// LedgerRepository persists per-blob pipeline progress.
type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Get returns nil without error when the blob was never seen.
func (r *LedgerRepository) Get(ctx context.Context, container, sourceFile string) (*domain.IngestEntry, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT container, sourcefile, stage, content_hash, records, error_message, updated_at
FROM ingest_ledger
WHERE container = $1 AND sourcefile = $2
`, container, sourceFile)

	var entry domain.IngestEntry
	var stage string
	if err := row.Scan(&entry.Container, &entry.SourceFile, &stage, &entry.ContentHash, &entry.Records, &entry.Error, &entry.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	entry.Stage = domain.IngestStage(stage)
	return &entry, nil
}

func (r *LedgerRepository) Mark(ctx context.Context, entry domain.IngestEntry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO ingest_ledger (container, sourcefile, stage, content_hash, records, error_message, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (container, sourcefile) DO UPDATE
SET stage = EXCLUDED.stage,
	content_hash = EXCLUDED.content_hash,
	records = EXCLUDED.records,
	error_message = EXCLUDED.error_message,
	updated_at = EXCLUDED.updated_at
`, entry.Container, entry.SourceFile, string(entry.Stage), entry.ContentHash, entry.Records, entry.Error, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("mark ledger entry: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Forget(ctx context.Context, container, sourceFile string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM ingest_ledger WHERE container = $1 AND sourcefile = $2`, container, sourceFile); err != nil {
		return fmt.Errorf("forget ledger entry: %w", err)
	}
	return nil
}
