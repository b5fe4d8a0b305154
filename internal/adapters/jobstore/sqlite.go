// Package jobstore persists finished jobs in SQLite.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/jobrunner/demtiler/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	run_id      TEXT PRIMARY KEY,
	key         TEXT NOT NULL,
	status      TEXT NOT NULL,
	dem_type    TEXT NOT NULL,
	data_type   TEXT NOT NULL,
	bbox        TEXT NOT NULL,
	progress    REAL NOT NULL,
	request     TEXT NOT NULL,
	log         TEXT NOT NULL,
	result      TEXT,
	failure     TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_key_finished ON jobs (key, finished_at);
CREATE INDEX IF NOT EXISTS jobs_finished ON jobs (finished_at);
`

const columns = `run_id, key, status, progress, request, log, result, failure, created_at, updated_at, finished_at`

// Store implements the JobHistory port.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, &domain.PersistenceError{Op: "open", Path: path, Err: err}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "open", Path: path, Err: err}
	}
	// One writer avoids SQLITE_BUSY between pipeline goroutines.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &domain.PersistenceError{Op: "open", Path: path, Err: err}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, &domain.PersistenceError{Op: "migrate", Path: path, Err: err}
	}

	return &Store{db: db}, nil
}

// Save stores a terminal job, replacing any row with the same run id.
func (s *Store) Save(ctx context.Context, job domain.Job) error {
	if job.RunID == "" {
		return &domain.ValidationError{Field: "run_id", Value: job.Key, Message: "job has no run id"}
	}

	request, err := json.Marshal(job.Request)
	if err != nil {
		return err
	}
	logLines, err := json.Marshal(job.Log)
	if err != nil {
		return err
	}
	result, err := nullableJSON(job.Result)
	if err != nil {
		return err
	}
	failure, err := nullableJSON(job.Failure)
	if err != nil {
		return err
	}

	b := job.Request.BBox
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs (`+columns+`, dem_type, data_type, bbox)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.RunID, job.Key, string(job.Status), job.Progress,
		string(request), string(logLines), result, failure,
		unixNano(job.CreatedAt), unixNano(job.UpdatedAt), unixNano(job.FinishedAt),
		job.Request.DEMType, string(job.Request.DataType),
		formatBBox(b),
	)
	if err != nil {
		return fmt.Errorf("saving job %s: %w", job.Key, err)
	}
	return nil
}

// Latest returns the most recently finished record for key.
func (s *Store) Latest(ctx context.Context, key string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM jobs WHERE key = ? ORDER BY finished_at DESC, rowid DESC LIMIT 1`, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, err
}

// List returns up to limit records, newest first. A limit of 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM jobs ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteBefore removes records finished before t.
func (s *Store) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE finished_at < ?`, unixNano(t))
	if err != nil {
		return 0, fmt.Errorf("pruning jobs: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		job                   domain.Job
		status                string
		request, logLines     string
		result, failure       sql.NullString
		created, updated, fin int64
	)
	err := row.Scan(&job.RunID, &job.Key, &status, &job.Progress,
		&request, &logLines, &result, &failure, &created, &updated, &fin)
	if err != nil {
		return domain.Job{}, err
	}

	job.Status = domain.JobStatus(status)
	job.CreatedAt = fromUnixNano(created)
	job.UpdatedAt = fromUnixNano(updated)
	job.FinishedAt = fromUnixNano(fin)

	if err := json.Unmarshal([]byte(request), &job.Request); err != nil {
		return domain.Job{}, fmt.Errorf("decoding request of %s: %w", job.Key, err)
	}
	if err := json.Unmarshal([]byte(logLines), &job.Log); err != nil {
		return domain.Job{}, fmt.Errorf("decoding log of %s: %w", job.Key, err)
	}
	if result.Valid {
		job.Result = &domain.JobResult{}
		if err := json.Unmarshal([]byte(result.String), job.Result); err != nil {
			return domain.Job{}, fmt.Errorf("decoding result of %s: %w", job.Key, err)
		}
	}
	if failure.Valid {
		job.Failure = &domain.JobFailure{}
		if err := json.Unmarshal([]byte(failure.String), job.Failure); err != nil {
			return domain.Job{}, fmt.Errorf("decoding failure of %s: %w", job.Key, err)
		}
	}
	return job, nil
}

func nullableJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func formatBBox(b domain.BoundingBox) string {
	buf := make([]byte, 0, 48)
	for i, v := range []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat} {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, v, 'f', -1, 64)
	}
	return string(buf)
}
