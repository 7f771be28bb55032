// Package eventstore keeps a SQLite history of generation jobs and their
// per-chunk progress events.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"

	EventJobStarted    = "job.started"
	EventChunkComplete = "chunk.completed"
	EventJobFinished   = "job.finished"
)

// Job is one row of the job history.
type Job struct {
	ID         string     `json:"id"`
	Voice      string     `json:"voice"`
	Chunks     int        `json:"chunks"`
	Speed      float64    `json:"speed"`
	Status     string     `json:"status"`
	Stage      string     `json:"stage,omitempty"`
	ChunkIndex *int       `json:"chunk_index,omitempty"`
	Error      string     `json:"error,omitempty"`
	OutputPath string     `json:"output_path,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Outcome describes how a job ended.
type Outcome struct {
	Status     string
	Stage      string
	ChunkIndex *int
	Error      string
	OutputPath string
}

// Event is a timeline entry of a job.
type Event struct {
	ID         int64
	JobID      string
	Type       string
	ChunkIndex int
	Payload    []byte
	CreatedAt  time.Time
}

// Store wraps the SQLite-backed job history. In ephemeral mode it has no
// database and every write is dropped.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "job-history"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("job history vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("job history prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    voice TEXT NOT NULL,
    chunks INTEGER NOT NULL,
    speed REAL NOT NULL,
    status TEXT NOT NULL,
    stage TEXT,
    chunk_index INTEGER,
    error TEXT,
    output_path TEXT,
    created_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS job_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    chunk_index INTEGER,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) enabled() bool {
	return s != nil && s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordJobStart inserts a running job and its start event.
func (s *Store) RecordJobStart(ctx context.Context, jobID, voice string, chunks int, speed float64) error {
	if !s.enabled() {
		return nil
	}
	now := s.clock().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(job_id, voice, chunks, speed, status, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		jobID, voice, chunks, speed, StatusRunning, now.UnixNano()); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO job_events(job_id, event_type, created_at) VALUES(?, ?, ?)`,
		jobID, EventJobStarted, now.UnixNano()); err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	err = tx.Commit()
	return err
}

// AppendEvent writes an event for an existing job.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events(job_id, event_type, chunk_index, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.JobID, evt.Type, evt.ChunkIndex, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// RecordJobEnd stores the outcome of a job.
func (s *Store) RecordJobEnd(ctx context.Context, jobID string, out Outcome) error {
	if !s.enabled() {
		return nil
	}
	now := s.clock().UTC()
	var chunkIndex sql.NullInt64
	if out.ChunkIndex != nil {
		chunkIndex = sql.NullInt64{Int64: int64(*out.ChunkIndex), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, stage = ?, chunk_index = ?, error = ?, output_path = ?, finished_at = ? WHERE job_id = ?`,
		out.Status, out.Stage, chunkIndex, out.Error, out.OutputPath, now.UnixNano(), jobID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %q not recorded", jobID)
	}
	return s.AppendEvent(ctx, Event{JobID: jobID, Type: EventJobFinished, CreatedAt: now, Payload: []byte(out.Status)})
}

// ListJobs returns up to limit jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, voice, chunks, speed, status, stage, chunk_index, error, output_path, created_at, finished_at
		 FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j                      Job
			stage, errText, output sql.NullString
			chunkIndex, finished   sql.NullInt64
			created                int64
		)
		if err := rows.Scan(&j.ID, &j.Voice, &j.Chunks, &j.Speed, &j.Status, &stage, &chunkIndex, &errText, &output, &created, &finished); err != nil {
			return nil, err
		}
		j.Stage = stage.String
		j.Error = errText.String
		j.OutputPath = output.String
		j.CreatedAt = time.Unix(0, created).UTC()
		if chunkIndex.Valid {
			idx := int(chunkIndex.Int64)
			j.ChunkIndex = &idx
		}
		if finished.Valid {
			ts := time.Unix(0, finished.Int64).UTC()
			j.FinishedAt = &ts
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListJobEvents retrieves up to limit events of a job in insertion order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, event_type, chunk_index, payload, created_at
		 FROM job_events WHERE job_id = ? ORDER BY id ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e          Event
			chunkIndex sql.NullInt64
			created    int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &chunkIndex, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.ChunkIndex = int(chunkIndex.Int64)
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and after each job).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() || s.cfg.RetentionMode != "persistent" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks that an ephemeral store holds no database.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
