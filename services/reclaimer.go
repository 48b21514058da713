package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tunedrop/types"

	"github.com/robfig/cron/v3"
)

// DefaultRetryBackoff is the pause after a sweep that failed as a whole
const DefaultRetryBackoff = 60 * time.Second

// scheduleParser accepts five-field cron expressions, an optional leading
// seconds field and descriptors such as "@hourly"
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Reclaimer deletes cached artifacts older than maxAge and prunes the
// directories they leave empty. It runs on its own schedule, independent of
// queue activity.
type Reclaimer struct {
	store        *ArtifactStore
	maxAge       time.Duration
	retryBackoff time.Duration
	logger       *slog.Logger
	now          func() time.Time

	sweepMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ReclaimerOption configures a Reclaimer
type ReclaimerOption func(*Reclaimer)

// WithReclaimerLogger sets the logger
func WithReclaimerLogger(logger *slog.Logger) ReclaimerOption {
	return func(r *Reclaimer) { r.logger = logger }
}

// WithRetryBackoff sets the pause used after a fatal sweep error
func WithRetryBackoff(d time.Duration) ReclaimerOption {
	return func(r *Reclaimer) { r.retryBackoff = d }
}

// WithReclaimerClock overrides time.Now, for tests
func WithReclaimerClock(now func() time.Time) ReclaimerOption {
	return func(r *Reclaimer) { r.now = now }
}

// NewReclaimer creates a reclaimer over store's tree
func NewReclaimer(store *ArtifactStore, maxAge time.Duration, opts ...ReclaimerOption) *Reclaimer {
	r := &Reclaimer{
		store:        store,
		maxAge:       maxAge,
		retryBackoff: DefaultRetryBackoff,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxAge returns the configured TTL
func (r *Reclaimer) MaxAge() time.Duration {
	return r.maxAge
}

// SweepOnce runs one synchronous pass. Per-entry failures are collected in the
// result; only a failure of the sweep as a whole is returned as an error.
func (r *Reclaimer) SweepOnce(ctx context.Context) (result types.SweepResult, err error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	root := r.store.Root()
	defer func() {
		if rec := recover(); rec != nil {
			err = &ReclamationFatalError{Root: root, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	entries, err := os.ReadDir(root)
	if err != nil {
		return result, &ReclamationFatalError{Root: root, Err: err}
	}

	s := &sweep{
		store:  r.store,
		cutoff: r.now().Add(-r.maxAge),
		logger: r.logger,
	}
	s.processEntries(ctx, root, entries)

	r.logger.Info("cache sweep finished",
		"deleted_files", s.result.DeletedFiles,
		"deleted_dirs", s.result.DeletedDirs,
		"errors", len(s.result.Errors))
	return s.result, nil
}

// Start begins a supervised loop that sweeps immediately and then every
// interval. After a fatal sweep error the loop waits the retry backoff instead.
func (r *Reclaimer) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reclamation interval must be positive, got %s", interval)
	}
	return r.start(func(time.Time) time.Duration { return interval }, "interval", interval)
}

// StartSchedule is Start with sweeps at the times of a cron expression,
// e.g. "0 */30 * * * *" or "@hourly"
func (r *Reclaimer) StartSchedule(spec string) error {
	schedule, err := scheduleParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse reclamation schedule %q: %w", spec, err)
	}
	return r.start(func(now time.Time) time.Duration {
		return schedule.Next(now).Sub(now)
	}, "schedule", spec)
}

func (r *Reclaimer) start(next func(time.Time) time.Duration, key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("reclaimer already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, next, r.done)

	r.logger.Info("cache reclaimer started", key, value, "max_age", r.maxAge)
	return nil
}

// Stop halts the loop and waits for an in-progress sweep to return
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("cache reclaimer stopped")
}

// Running reports whether the loop is active
func (r *Reclaimer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Reclaimer) run(ctx context.Context, next func(time.Time) time.Duration, done chan struct{}) {
	defer close(done)

	for {
		var wait time.Duration
		if result, err := r.SweepOnce(ctx); err != nil {
			r.logger.Error("cache sweep failed", "error", err, "retry_in", r.retryBackoff)
			wait = r.retryBackoff
		} else {
			if len(result.Errors) > 0 {
				r.logger.Warn("cache sweep finished with errors", "count", len(result.Errors))
			}
			wait = next(time.Now())
		}
		if wait <= 0 {
			wait = r.retryBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// sweep holds the state of one pass
type sweep struct {
	store  *ArtifactStore
	cutoff time.Time
	logger *slog.Logger
	result types.SweepResult
}

// processEntries handles dir's children depth first, so a directory is only
// considered for pruning after everything below it has been processed.
func (s *sweep) processEntries(ctx context.Context, dir string, entries []fs.DirEntry) {
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			if s.store.isLeased(path) {
				continue
			}
			s.walkDir(ctx, path)
			if !s.store.hasLeaseBelow(path) {
				s.pruneIfEmpty(path)
			}
			continue
		}
		s.expireFile(path, entry)
	}
}

func (s *sweep) walkDir(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.fail("readdir", dir, err)
		}
		return
	}
	s.processEntries(ctx, dir, entries)
}

func (s *sweep) expireFile(path string, entry fs.DirEntry) {
	info, err := entry.Info()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.fail("stat", path, err)
		}
		return
	}
	if !info.ModTime().Before(s.cutoff) {
		return
	}

	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.fail("remove", path, err)
		}
		return
	}
	s.result.DeletedFiles++
	s.logger.Info("deleted old cache file", "path", path)
}

func (s *sweep) pruneIfEmpty(dir string) {
	children, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.fail("readdir", dir, err)
		}
		return
	}
	if len(children) > 0 {
		return
	}

	if err := os.Remove(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		// a concurrent writer got there first; the next sweep will retry
		if again, _ := os.ReadDir(dir); len(again) > 0 {
			return
		}
		s.fail("rmdir", dir, err)
		return
	}
	s.result.DeletedDirs++
	s.logger.Info("removed empty cache directory", "path", dir)
}

func (s *sweep) fail(op, path string, err error) {
	entryErr := &ReclamationEntryError{Op: op, Path: path, Err: err}
	s.result.Errors = append(s.result.Errors, entryErr)
	s.logger.Error("cache sweep entry failed", "op", op, "path", path, "error", err)
}
