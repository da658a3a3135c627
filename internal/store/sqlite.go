package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alchemist-sh/alchemist/internal/job"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	input_path TEXT NOT NULL UNIQUE,
	output_path TEXT NOT NULL,
	state TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	mtime_fingerprint TEXT NOT NULL DEFAULT '',
	decision_reason TEXT DEFAULT '',
	progress_pct REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	action TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS encode_stats (
	job_id INTEGER PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
	input_bytes INTEGER NOT NULL DEFAULT 0,
	output_bytes INTEGER NOT NULL DEFAULT 0,
	compression_ratio REAL NOT NULL DEFAULT 0,
	encode_time_secs REAL NOT NULL DEFAULT 0,
	encode_speed REAL NOT NULL DEFAULT 0,
	avg_bitrate_kbps REAL NOT NULL DEFAULT 0,
	vmaf REAL
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_state_priority_created ON jobs(state, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_decisions_job_id ON decisions(job_id);
`

// SQLiteStore implements Store using SQLite, in the WAL journal mode and
// single-writer-mutex discipline the teacher's SQLiteStore uses.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes; ClaimNextJob relies on this for linearizability
}

// NewSQLiteStore opens (creating if absent) a SQLite database at dbPath and
// applies the schema and any pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("insert schema version: %w", err)
		}
	} else if err != nil {
		db.Close()
		return nil, fmt.Errorf("check schema version: %w", err)
	} else if version < schemaVersion {
		// No migrations exist yet beyond version 1; future ALTER TABLE
		// migrations are gated on `version < N` here, following the
		// teacher's pattern.
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("update schema version: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// UpsertJob implements Store.
func (s *SQLiteStore) UpsertJob(ctx context.Context, input, output, mtimeFingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())

	var existingID int64
	var existingFingerprint string
	err := s.db.QueryRowContext(ctx, `SELECT id, mtime_fingerprint FROM jobs WHERE input_path = ?`, input).
		Scan(&existingID, &existingFingerprint)
	switch {
	case err == sql.ErrNoRows:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (input_path, output_path, state, priority, attempt_count, mtime_fingerprint, progress_pct, created_at, updated_at)
			VALUES (?, ?, ?, 0, 0, ?, 0, ?, ?)`,
			input, output, job.StateQueued, mtimeFingerprint, now, now)
		return err
	case err != nil:
		return err
	case existingFingerprint == mtimeFingerprint:
		return nil // no-op: unchanged source
	default:
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET output_path = ?, mtime_fingerprint = ?, state = ?, updated_at = ?
			WHERE id = ?`,
			output, mtimeFingerprint, job.StateQueued, now, existingID)
		return err
	}
}

// ClaimNextJob implements Store. The update-then-select pair runs inside a
// single transaction while s.mu is held, which is sufficient for
// linearizability because SQLite itself serializes writers and no other
// goroutine in this process issues a write without holding s.mu.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs WHERE state = ? ORDER BY priority DESC, created_at ASC LIMIT 1`,
		job.StateQueued).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ? AND state = ?`,
		job.StateAnalyzing, now, id, job.StateQueued)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost a race to another writer between the SELECT and UPDATE above;
		// cannot happen while s.mu serializes every writer in this process,
		// but guard against it rather than return a stale row.
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, input_path, output_path, state, priority, attempt_count, mtime_fingerprint, decision_reason, progress_pct, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

// GetJob implements Store.
func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, input_path, output_path, state, priority, attempt_count, mtime_fingerprint, decision_reason, progress_pct, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, job.NotFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// UpdateState implements Store.
func (s *SQLiteStore) UpdateState(ctx context.Context, id int64, state job.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?`,
		state, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

// SetProgress implements Store.
func (s *SQLiteStore) SetProgress(ctx context.Context, id int64, pct float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET progress_pct = ?, updated_at = ? WHERE id = ?`,
		pct, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

// SetPriority implements Store.
func (s *SQLiteStore) SetPriority(ctx context.Context, id int64, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET priority = ?, updated_at = ? WHERE id = ?`,
		priority, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

// AddDecision implements Store, recording the decision and mirroring its
// reason onto the job row for quick display without a join.
func (s *SQLiteStore) AddDecision(ctx context.Context, id int64, action job.Action, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx, `INSERT INTO decisions (job_id, action, reason, created_at) VALUES (?, ?, ?, ?)`,
		id, action, reason, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET decision_reason = ?, updated_at = ? WHERE id = ?`,
		reason, now, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveStats implements Store.
func (s *SQLiteStore) SaveStats(ctx context.Context, stats job.EncodeStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO encode_stats (job_id, input_bytes, output_bytes, compression_ratio, encode_time_secs, encode_speed, avg_bitrate_kbps, vmaf)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stats.JobID, stats.InputBytes, stats.OutputBytes, stats.CompressionRate,
		stats.EncodeTimeSecs, stats.EncodeSpeed, stats.AvgBitrateKbps, nullFloat64Ptr(stats.VMAF))
	return err
}

// ResetInterrupted implements Store.
func (s *SQLiteStore) ResetInterrupted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = ?, updated_at = ? WHERE state IN (?, ?)`,
		job.StateQueued, formatTime(time.Now()), job.StateAnalyzing, job.StateEncoding)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// BatchUpdateState implements Store.
func (s *SQLiteStore) BatchUpdateState(ctx context.Context, from, to job.State) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = ?, updated_at = ? WHERE state = ?`,
		to, formatTime(time.Now()), from)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteJob implements Store.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

// ClearCompleted implements Store, removing every job in a terminal state.
func (s *SQLiteStore) ClearCompleted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE state IN (?, ?, ?, ?)`,
		job.StateCompleted, job.StateSkipped, job.StateFailed, job.StateCancelled)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetJobsFiltered implements Store.
func (s *SQLiteStore) GetJobsFiltered(ctx context.Context, f Filter) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, input_path, output_path, state, priority, attempt_count, mtime_fingerprint, decision_reason, progress_pct, created_at, updated_at FROM jobs`
	var where []string
	var args []interface{}

	if len(f.States) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.States)), ",")
		where = append(where, fmt.Sprintf("state IN (%s)", placeholders))
		for _, st := range f.States {
			args = append(args, st)
		}
	}
	if f.Search != "" {
		where = append(where, "input_path LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	sortCol := "created_at"
	switch f.Sort {
	case "priority", "updated_at":
		sortCol = f.Sort
	}
	dir := "ASC"
	if f.Desc {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortCol, dir)

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return job.NotFoundError(id)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	var state string
	var decisionReason sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&j.ID, &j.InputPath, &j.OutputPath, &state, &j.Priority, &j.AttemptCount,
		&j.MtimeFingerprint, &decisionReason, &j.ProgressPct, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.State = job.State(state)
	j.DecisionReason = decisionReason.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func nullFloat64Ptr(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func formatTime(t time.Time) string {
	// Fixed-width fraction so that text order of created_at matches time order.
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
