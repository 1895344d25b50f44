package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

const sqliteSchemaVersion = 1

// SQLite persists events as rows of an append-only table. Status changes
// are applied as upserts on the primary key.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version == 0 {
		_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS detections(
			id INTEGER PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			zone TEXT,
			detected_at TEXT NOT NULL,
			source TEXT,
			evidence_ref TEXT,
			confidence REAL NOT NULL
		);`)
		if err != nil {
			return fmt.Errorf("create detections table: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d;`, sqliteSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		version = sqliteSchemaVersion
	}

	if version != sqliteSchemaVersion {
		return fmt.Errorf("unsupported sqlite schema version %d", version)
	}
	return nil
}

// Load returns every row in id order
func (s *SQLite) Load(ctx context.Context) ([]types.DetectionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, severity, status, zone, detected_at,
		source, evidence_ref, confidence FROM detections ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var events []types.DetectionEvent
	for rows.Next() {
		var (
			ev         types.DetectionEvent
			detectedAt string
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Severity, &ev.Status, &ev.Zone,
			&detectedAt, &ev.Source, &ev.EvidenceRef, &ev.Confidence); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		ev.DetectedAt, err = time.Parse(time.RFC3339Nano, detectedAt)
		if err != nil {
			return nil, fmt.Errorf("detection %d: bad detected_at %q: %w", ev.ID, detectedAt, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Persist upserts the changed rows in one transaction
func (s *SQLite) Persist(ctx context.Context, _ []types.DetectionEvent, changed []types.DetectionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO detections
		(id, type, severity, status, zone, detected_at, source, evidence_ref, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range changed {
		_, err := stmt.ExecContext(ctx,
			ev.ID, ev.Type, string(ev.Severity), string(ev.Status), ev.Zone,
			ev.DetectedAt.UTC().Format(time.RFC3339Nano), ev.Source, ev.EvidenceRef, ev.Confidence,
		)
		if err != nil {
			return fmt.Errorf("upsert detection %d: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}
