package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tunedrop/types"
)

// Store is a SQLite log of users and their downloads
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create stats directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init stats schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY,
		username TEXT,
		first_seen INTEGER NOT NULL,
		last_active INTEGER NOT NULL,
		total_downloads INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL UNIQUE,
		user_id INTEGER NOT NULL,
		url TEXT NOT NULL,
		quality TEXT,
		status TEXT NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		file_size INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		FOREIGN KEY (user_id) REFERENCES users (user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_downloads_user ON downloads(user_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// TouchUser records activity, creating the user on first sight
func (s *Store) TouchUser(ctx context.Context, userID int64, username string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, first_seen, last_active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_active = excluded.last_active,
			username = COALESCE(NULLIF(excluded.username, ''), users.username)`,
		userID, username, now, now)
	if err != nil {
		return fmt.Errorf("touch user %d: %w", userID, err)
	}
	return nil
}

// RecordJob logs a terminal job. Recording the same job twice is a no-op.
func (s *Store) RecordJob(ctx context.Context, job types.Job) error {
	if !job.State.IsTerminal() {
		return fmt.Errorf("record job %s: state %s is not terminal", job.ID, job.State)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record job %s: %w", job.ID, err)
	}
	defer tx.Rollback()

	finished := time.Now()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (user_id, first_seen, last_active) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_active = MAX(users.last_active, excluded.last_active)`,
		job.RequesterID, job.EnqueuedAt.Unix(), finished.Unix()); err != nil {
		return fmt.Errorf("record job %s: %w", job.ID, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO downloads
			(job_id, user_id, url, quality, status, started_at, completed_at, file_size, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RequesterID, job.Resource, job.Quality, string(job.State),
		unixOrNil(job.StartedAt), unixOrNil(job.FinishedAt), outputSize(job.OutputPaths), errorText(job))
	if err != nil {
		return fmt.Errorf("record job %s: %w", job.ID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if inserted > 0 && job.State == types.JobStateCompleted {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET total_downloads = total_downloads + 1 WHERE user_id = ?`,
			job.RequesterID); err != nil {
			return fmt.Errorf("record job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

// UserStats aggregates one user's history; an unknown user has zero counts
func (s *Store) UserStats(ctx context.Context, userID int64) (types.UserStats, error) {
	stats := types.UserStats{RequesterID: userID}

	var firstSeen, lastActive int64
	err := s.db.QueryRowContext(ctx,
		`SELECT first_seen, last_active FROM users WHERE user_id = ?`, userID).
		Scan(&firstSeen, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("load user %d: %w", userID, err)
	}
	fs, la := time.Unix(firstSeen, 0), time.Unix(lastActive, 0)
	stats.FirstSeen, stats.LastActive = &fs, &la

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM downloads WHERE user_id = ?`,
		types.JobStateCompleted, types.JobStateFailed, types.JobStateCancelled, userID).
		Scan(&stats.TotalDownloads, &stats.SuccessfulDownloads, &stats.FailedDownloads, &stats.CancelledDownloads)
	if err != nil {
		return stats, fmt.Errorf("aggregate downloads for %d: %w", userID, err)
	}
	return stats, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func errorText(job types.Job) any {
	switch {
	case job.ErrorDetail != "":
		return job.ErrorDetail
	case job.CancelReason != "":
		return "cancelled: " + job.CancelReason
	}
	return nil
}

// outputSize sums the sizes of files that still exist
func outputSize(paths []string) int64 {
	var total int64
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

// Totals aggregates the history of every user
func (s *Store) Totals(ctx context.Context) (types.DownloadTotals, error) {
	var totals types.DownloadTotals
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&totals.Users); err != nil {
		return totals, fmt.Errorf("count users: %w", err)
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM downloads`,
		types.JobStateCompleted, types.JobStateFailed, types.JobStateCancelled).
		Scan(&totals.TotalDownloads, &totals.SuccessfulDownloads, &totals.FailedDownloads, &totals.CancelledDownloads)
	if err != nil {
		return totals, fmt.Errorf("aggregate downloads: %w", err)
	}
	return totals, nil
}
