package services

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"tunedrop/types"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// progressEmitInterval throttles progress broadcasts per job
const progressEmitInterval = 250 * time.Millisecond

// JobQueue admits download jobs and runs at most MaxConcurrentJobs at a time
type JobQueue interface {
	Submit(requesterID int64, resource, quality string, opts ...SubmitOption) (string, error)
	Status(id string) (types.Job, bool)
	List(requesterID int64) []types.Job
	Cancel(id string) bool
	ActiveCount() int
	QueuedCount() int
	Qualities() types.QualitySet
	Shutdown(ctx context.Context) error
}

// QueueConfig holds the scheduling limits
type QueueConfig struct {
	MaxConcurrentJobs   int
	PerRequesterLimit   int
	ShutdownGracePeriod time.Duration
	DefaultTimeout      time.Duration
	Qualities           types.QualitySet
	DefaultQuality      string
	// Retention is how long a terminal job stays visible; zero keeps it forever
	Retention           time.Duration
}

// Notifier receives job state and progress updates
type Notifier interface {
	Publish(msg types.ProgressMessage)
}

// JobRecorder persists terminal jobs
type JobRecorder interface {
	RecordJob(ctx context.Context, job types.Job) error
}

// QueueOption configures a JobQueue
type QueueOption func(*jobQueue)

// WithAuthorizer checks requesters at submit time
func WithAuthorizer(auth Authorizer) QueueOption {
	return func(q *jobQueue) { q.auth = auth }
}

// WithNotifier publishes state changes, e.g. to the websocket hub
func WithNotifier(n Notifier) QueueOption {
	return func(q *jobQueue) { q.notifier = n }
}

// WithRecorder stores every terminal job
func WithRecorder(r JobRecorder) QueueOption {
	return func(q *jobQueue) { q.recorder = r }
}

// WithQueueLogger sets the logger
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *jobQueue) { q.logger = logger }
}

// WithArtifactStore lets Shutdown remove directories of abandoned jobs
func WithArtifactStore(store *ArtifactStore) QueueOption {
	return func(q *jobQueue) { q.store = store }
}

// WithQueueClock overrides time.Now, for tests
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *jobQueue) { q.now = now }
}

// SubmitOption adjusts a single submission
type SubmitOption func(*submitOptions)

type submitOptions struct {
	timeout time.Duration
}

// WithTimeout cancels the job if it has not finished within d of submission
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

type jobEntry struct {
	job          types.Job
	elem         *list.Element
	cancel       context.CancelCauseFunc
	timer        *time.Timer
	abandoned    bool
	lastProgress time.Time
}

// jobQueue is a FIFO scheduler over a counting semaphore
type jobQueue struct {
	cfg      QueueConfig
	runner   Runner
	auth     Authorizer
	notifier Notifier
	recorder JobRecorder
	store    *ArtifactStore
	logger   *slog.Logger
	now      func() time.Time

	slots *semaphore.Weighted

	mu      sync.Mutex
	jobs    map[string]*jobEntry
	backlog *list.List
	running map[int64]int
	active  int
	closing bool
	outbox  []types.ProgressMessage

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewJobQueue creates a queue that hands admitted jobs to runner
func NewJobQueue(cfg QueueConfig, runner Runner, opts ...QueueOption) JobQueue {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 5
	}
	if len(cfg.Qualities) == 0 {
		cfg.Qualities = types.DefaultQualities()
	}

	q := &jobQueue{
		cfg:     cfg,
		runner:  runner,
		logger:  slog.Default(),
		now:     time.Now,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		jobs:    make(map[string]*jobEntry),
		backlog: list.New(),
		running: make(map[int64]int),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit validates the request and appends a queued job to the backlog
func (q *jobQueue) Submit(requesterID int64, resource, quality string, opts ...SubmitOption) (string, error) {
	options := submitOptions{timeout: q.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	resource = strings.TrimSpace(resource)
	if resource == "" {
		return "", &ValidationError{Field: "resource", Reason: "must not be empty"}
	}
	if strings.TrimSpace(quality) == "" {
		quality = q.cfg.DefaultQuality
	}
	option, ok := q.cfg.Qualities.Lookup(quality)
	if !ok {
		return "", &ValidationError{
			Field:  "quality",
			Reason: fmt.Sprintf("unknown option %q (choose %s)", quality, strings.Join(q.cfg.Qualities.Labels(), ", ")),
		}
	}
	if q.auth != nil && !q.auth.IsAuthorized(requesterID) {
		return "", &ValidationError{Field: "requester", Reason: "not authorized to download", Err: ErrUnauthorized}
	}

	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return "", ErrShuttingDown
	}

	now := q.now()
	q.evictLocked(now)
	entry := &jobEntry{
		job: types.Job{
			ID:          uuid.New().String(),
			RequesterID: requesterID,
			Resource:    resource,
			Quality:     option.Label,
			Bitrate:     option.Bitrate,
			State:       types.JobStateQueued,
			EnqueuedAt:  now,
		},
	}
	id := entry.job.ID
	if options.timeout > 0 {
		deadline := now.Add(options.timeout)
		entry.job.Deadline = &deadline
		entry.timer = time.AfterFunc(options.timeout, func() {
			q.cancelJob(id, types.CancelReasonDeadline)
		})
	}

	q.jobs[id] = entry
	entry.elem = q.backlog.PushBack(entry)
	q.emitLocked(entry, types.MessageStatus, "queued")
	q.dispatchLocked()
	q.unlockAndFlush()

	q.logger.Info("job submitted", "job_id", id, "requester_id", requesterID, "quality", option.Label)
	return id, nil
}

// Status returns a snapshot of the job
func (q *jobQueue) Status(id string) (types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	if q.expiredLocked(entry, q.now()) {
		delete(q.jobs, id)
		return types.Job{}, false
	}
	return entry.job.Clone(), true
}

// List returns snapshots of the requester's jobs in submission order
func (q *jobQueue) List(requesterID int64) []types.Job {
	q.mu.Lock()
	q.evictLocked(q.now())
	jobs := make([]types.Job, 0)
	for _, entry := range q.jobs {
		if entry.job.RequesterID == requesterID {
			jobs = append(jobs, entry.job.Clone())
		}
	}
	q.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].EnqueuedAt.Equal(jobs[j].EnqueuedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt)
	})
	return jobs
}

// Cancel stops a queued job immediately or requests a running one to stop
func (q *jobQueue) Cancel(id string) bool {
	return q.cancelJob(id, types.CancelReasonRequested)
}

// ActiveCount returns the number of running jobs
func (q *jobQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// QueuedCount returns the backlog length
func (q *jobQueue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog.Len()
}

// Qualities returns the accepted quality options
func (q *jobQueue) Qualities() types.QualitySet {
	return q.cfg.Qualities
}

// Shutdown rejects new work, cancels the backlog and asks running jobs to
// stop. Jobs still running once the grace period (or ctx) ends are marked
// failed and abandoned.
func (q *jobQueue) Shutdown(ctx context.Context) error {
	q.shutdownOnce.Do(func() {
		q.shutdownErr = q.shutdown(ctx)
	})
	return q.shutdownErr
}

func (q *jobQueue) shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closing = true
	var cancelled []types.Job
	for e := q.backlog.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*jobEntry)
		q.backlog.Remove(e)
		entry.elem = nil
		if q.finalizeLocked(entry, types.JobStateCancelled, nil, nil) {
			cancelled = append(cancelled, entry.job.Clone())
		}
		e = next
	}
	runningCount := 0
	for _, entry := range q.jobs {
		if entry.job.State == types.JobStateRunning {
			entry.cancel(&CancellationError{Reason: types.CancelReasonShutdown})
			runningCount++
		}
	}
	q.unlockAndFlush()
	q.record(cancelled...)

	q.logger.Info("queue shutting down", "cancelled_queued", len(cancelled), "running", runningCount)

	waitCtx := ctx
	if q.cfg.ShutdownGracePeriod > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, q.cfg.ShutdownGracePeriod)
		defer cancel()
	}

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		q.logger.Info("queue drained")
		return nil
	case <-waitCtx.Done():
	}

	// working directories go before the failed state becomes visible
	q.mu.Lock()
	var abandoned []types.Job
	removeErrs := make(map[string]error)
	for _, entry := range q.jobs {
		if entry.job.State != types.JobStateRunning {
			continue
		}
		entry.abandoned = true
		q.releaseRunningLocked(entry)
		if q.store != nil {
			if err := q.store.RemoveWorkingDir(entry.job.RequesterID, entry.job.ID); err != nil {
				removeErrs[entry.job.ID] = err
			}
		}
		if q.finalizeLocked(entry, types.JobStateFailed, nil, errShutdown) {
			abandoned = append(abandoned, entry.job.Clone())
		}
	}
	q.unlockAndFlush()

	for _, job := range abandoned {
		q.logger.Warn("abandoned running job at shutdown", "job_id", job.ID, "requester_id", job.RequesterID)
		if err := removeErrs[job.ID]; err != nil {
			q.logger.Error("failed to remove abandoned working directory", "job_id", job.ID, "error", err)
		}
	}
	q.record(abandoned...)

	if len(abandoned) == 0 {
		return nil
	}
	return fmt.Errorf("abandoned %d running jobs: %w", len(abandoned), waitCtx.Err())
}

// errShutdown is the failure recorded on jobs abandoned at shutdown
var errShutdown = &FetchError{Reason: "shutdown"}

func (q *jobQueue) cancelJob(id, reason string) bool {
	q.mu.Lock()
	entry, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return false
	}

	switch entry.job.State {
	case types.JobStateQueued:
		q.backlog.Remove(entry.elem)
		entry.elem = nil
		q.finalizeLocked(entry, types.JobStateCancelled, nil, &CancellationError{Reason: reason})
		snapshot := entry.job.Clone()
		q.unlockAndFlush()
		q.logger.Info("queued job cancelled", "job_id", id, "reason", reason)
		q.record(snapshot)
		return true

	case types.JobStateRunning:
		entry.cancel(&CancellationError{Reason: reason})
		q.unlockAndFlush()
		q.logger.Info("cancellation requested", "job_id", id, "reason", reason)
		return true

	default:
		q.mu.Unlock()
		return false
	}
}

// dispatchLocked starts backlog jobs in FIFO order while permits remain
func (q *jobQueue) dispatchLocked() {
	if q.closing {
		return
	}
	limit := q.cfg.PerRequesterLimit
	for e := q.backlog.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*jobEntry)
		if limit > 0 && q.running[entry.job.RequesterID] >= limit {
			e = next
			continue
		}
		if !q.slots.TryAcquire(1) {
			return
		}
		q.backlog.Remove(e)
		entry.elem = nil
		q.startLocked(entry)
		e = next
	}
}

func (q *jobQueue) startLocked(entry *jobEntry) {
	now := q.now()
	entry.job.State = types.JobStateRunning
	entry.job.StartedAt = &now

	ctx, cancel := context.WithCancelCause(context.Background())
	entry.cancel = cancel
	q.running[entry.job.RequesterID]++
	q.active++
	q.wg.Add(1)

	q.emitLocked(entry, types.MessageStatus, "download started")
	go q.execute(ctx, entry, entry.job.Clone())
}

// execute runs one job. The deferred block releases the permit and writes
// the terminal state on every exit path, including a runner panic.
func (q *jobQueue) execute(ctx context.Context, entry *jobEntry, job types.Job) {
	var (
		outputs []string
		err     error
	)
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("runner panicked", "job_id", job.ID, "panic", rec)
			outputs, err = nil, fmt.Errorf("runner panic: %v", rec)
		}
		entry.cancel(nil)
		q.finish(entry, outputs, err)
		q.wg.Done()
	}()

	q.logger.Info("job started", "job_id", job.ID, "requester_id", job.RequesterID)
	outputs, err = q.runner.Run(ctx, job, func(done, total int64) {
		q.updateProgress(entry, done, total)
	})
}

func (q *jobQueue) finish(entry *jobEntry, outputs []string, runErr error) {
	q.mu.Lock()
	q.slots.Release(1)
	if !entry.abandoned {
		q.releaseRunningLocked(entry)
	}

	var state types.JobState
	switch {
	case runErr == nil:
		state = types.JobStateCompleted
	case errors.Is(runErr, ErrCancelled):
		state = types.JobStateCancelled
	default:
		state = types.JobStateFailed
	}
	finalized := q.finalizeLocked(entry, state, outputs, runErr)
	snapshot := entry.job.Clone()
	q.dispatchLocked()
	q.unlockAndFlush()

	if !finalized {
		return
	}
	switch state {
	case types.JobStateCompleted:
		q.logger.Info("job completed", "job_id", snapshot.ID, "files", len(outputs))
	case types.JobStateCancelled:
		q.logger.Info("job cancelled", "job_id", snapshot.ID, "reason", snapshot.CancelReason)
	default:
		q.logger.Error("job failed", "job_id", snapshot.ID, "error", runErr)
	}
	q.record(snapshot)
}

func (q *jobQueue) releaseRunningLocked(entry *jobEntry) {
	rid := entry.job.RequesterID
	q.running[rid]--
	if q.running[rid] <= 0 {
		delete(q.running, rid)
	}
	q.active--
}

// finalizeLocked writes the single terminal transition. It reports false if
// the job was already terminal.
func (q *jobQueue) finalizeLocked(entry *jobEntry, state types.JobState, outputs []string, cause error) bool {
	if entry.job.State.IsTerminal() {
		return false
	}
	now := q.now()
	if entry.job.StartedAt != nil && now.Before(*entry.job.StartedAt) {
		now = *entry.job.StartedAt
	}
	entry.job.State = state
	entry.job.FinishedAt = &now
	if entry.timer != nil {
		entry.timer.Stop()
	}

	switch state {
	case types.JobStateCompleted:
		entry.job.OutputPaths = outputs
		q.emitLocked(entry, types.MessageComplete, "download completed")
	case types.JobStateCancelled:
		entry.job.CancelReason = types.CancelReasonShutdown
		var ce *CancellationError
		if errors.As(cause, &ce) {
			entry.job.CancelReason = ce.Reason
		}
		q.emitLocked(entry, types.MessageCancelled, "download cancelled")
	case types.JobStateFailed:
		entry.job.ErrorDetail = failureDetail(cause)
		q.emitLocked(entry, types.MessageError, entry.job.ErrorDetail)
	}
	return true
}

// expiredLocked reports whether a terminal job has outlived the retention window
func (q *jobQueue) expiredLocked(entry *jobEntry, now time.Time) bool {
	if q.cfg.Retention <= 0 || entry.job.FinishedAt == nil {
		return false
	}
	return now.Sub(*entry.job.FinishedAt) > q.cfg.Retention
}

func (q *jobQueue) evictLocked(now time.Time) {
	for id, entry := range q.jobs {
		if q.expiredLocked(entry, now) {
			delete(q.jobs, id)
		}
	}
}

func (q *jobQueue) updateProgress(entry *jobEntry, done, total int64) {
	q.mu.Lock()
	if entry.job.State != types.JobStateRunning {
		q.mu.Unlock()
		return
	}
	entry.job.BytesDone = done
	entry.job.BytesTotal = total

	now := q.now()
	if now.Sub(entry.lastProgress) >= progressEmitInterval || (total > 0 && done >= total) {
		entry.lastProgress = now
		q.emitLocked(entry, types.MessageProgress, "")
	}
	q.unlockAndFlush()
}

func (q *jobQueue) emitLocked(entry *jobEntry, msgType, message string) {
	if q.notifier == nil {
		return
	}
	q.outbox = append(q.outbox, types.ProgressMessage{
		JobID:       entry.job.ID,
		RequesterID: entry.job.RequesterID,
		Type:        msgType,
		State:       entry.job.State,
		BytesDone:   entry.job.BytesDone,
		BytesTotal:  entry.job.BytesTotal,
		Progress:    entry.job.Progress(),
		Message:     message,
		Timestamp:   q.now(),
	})
}

// unlockAndFlush releases q.mu and then delivers buffered notifications
func (q *jobQueue) unlockAndFlush() {
	msgs := q.outbox
	q.outbox = nil
	q.mu.Unlock()

	for _, msg := range msgs {
		q.notifier.Publish(msg)
	}
}

func (q *jobQueue) record(jobs ...types.Job) {
	if q.recorder == nil {
		return
	}
	for _, job := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := q.recorder.RecordJob(ctx, job); err != nil {
			q.logger.Error("failed to record job", "job_id", job.ID, "error", err)
		}
		cancel()
	}
}
