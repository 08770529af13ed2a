package coverage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/wftest/internal/jsonval"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - snapshots + workflow_totals
const currentSchemaVersion = 1

// ErrSnapshotNotFound is returned when a named snapshot does not exist.
var ErrSnapshotNotFound = errors.New("coverage snapshot not found")

// Store keeps named coverage snapshots in SQLite so coverage can be merged
// across separate runs.
type Store struct {
	db *sql.DB
}

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	Name                string
	CreatedAt           time.Time
	Workflows           int
	TotalNodes          int
	ExecutedNodes       int
	TotalConnections    int
	ExecutedConnections int
}

// OpenStore creates or opens the snapshot database at path.
//
// The database is configured with WAL journaling, NORMAL synchronous mode,
// a 5-second busy timeout, and foreign key enforcement.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSnapshot stores r under name, replacing any snapshot with that name.
func (s *Store) SaveSnapshot(ctx context.Context, name string, r *Report) error {
	if name == "" {
		return errors.New("snapshot name is required")
	}
	payload, err := jsonval.MarshalCanonical(toDocument(r))
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	createdAt := r.Summary.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (name, created_at, report) VALUES (?, ?, ?)`,
		name, createdAt.UnixMilli(), string(payload),
	); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	for _, w := range r.Workflows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_totals
				(snapshot, workflow_id, total_nodes, executed_nodes, total_connections, executed_connections, test_count)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			name, w.WorkflowID, w.TotalNodes, w.ExecutedNodes, w.TotalConnections, w.ExecutedConnections, w.TestCount,
		); err != nil {
			return fmt.Errorf("failed to insert totals for %s: %w", w.WorkflowID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the report stored under name.
func (s *Store) LoadSnapshot(ctx context.Context, name string) (*Report, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM snapshots WHERE name = ?`, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return UnmarshalReport([]byte(payload))
}

// ListSnapshots returns stored snapshots, oldest first.
func (s *Store) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.name, s.created_at,
			COUNT(t.workflow_id),
			COALESCE(SUM(t.total_nodes), 0),
			COALESCE(SUM(t.executed_nodes), 0),
			COALESCE(SUM(t.total_connections), 0),
			COALESCE(SUM(t.executed_connections), 0)
		FROM snapshots s
		LEFT JOIN workflow_totals t ON t.snapshot = s.name
		GROUP BY s.name, s.created_at
		ORDER BY s.created_at ASC, s.name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var createdAt int64
		if err := rows.Scan(&info.Name, &createdAt, &info.Workflows, &info.TotalNodes,
			&info.ExecutedNodes, &info.TotalConnections, &info.ExecutedConnections); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		info.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
