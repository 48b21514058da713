package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tunedrop/types"
)

// Runner executes one admitted job. It returns the produced files on success,
// a *CancellationError when a stop request was honored, or another error.
type Runner interface {
	Run(ctx context.Context, job types.Job, progress ProgressFunc) ([]string, error)
}

// JobRunner wraps a Fetcher with working-directory lifecycle management
type JobRunner struct {
	store   *ArtifactStore
	fetcher Fetcher
	logger  *slog.Logger
}

// NewJobRunner creates a runner writing into store
func NewJobRunner(store *ArtifactStore, fetcher Fetcher, logger *slog.Logger) *JobRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRunner{store: store, fetcher: fetcher, logger: logger}
}

// Run allocates the job's working directory, fetches into it and, on every
// outcome other than success, deletes the directory before returning.
func (r *JobRunner) Run(ctx context.Context, job types.Job, progress ProgressFunc) (outputs []string, err error) {
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	dir, err := r.store.AllocateWorkingDir(job.RequesterID, job.ID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}

	completed := false
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("fetcher panicked", "job_id", job.ID, "panic", rec)
			outputs, err = nil, &FetchError{Resource: job.Resource, Reason: "download failed", Err: fmt.Errorf("panic: %v", rec)}
		}
		if !completed {
			if rmErr := r.store.RemoveWorkingDir(job.RequesterID, job.ID); rmErr != nil {
				r.logger.Error("failed to remove working directory", "job_id", job.ID, "error", rmErr)
			}
		}
		r.store.ReleaseWorkingDir(job.RequesterID, job.ID)
	}()

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	files, fetchErr := r.fetcher.Fetch(ctx, FetchRequest{
		Resource: job.Resource,
		Quality:  job.Quality,
		Bitrate:  job.Bitrate,
		DestDir:  dir,
	}, progress)

	// a stop requested while the fetch was running wins over its result
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	if fetchErr != nil {
		var fe *FetchError
		if !errors.As(fetchErr, &fe) {
			fetchErr = &FetchError{Resource: job.Resource, Reason: "download failed", Err: fetchErr}
		}
		return nil, fetchErr
	}

	completed = true
	return files, nil
}

// checkCancelled converts a done context into a *CancellationError
func checkCancelled(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	reason := types.CancelReasonRequested
	if cause := context.Cause(ctx); cause != nil {
		var ce *CancellationError
		switch {
		case errors.As(cause, &ce):
			reason = ce.Reason
		case errors.Is(cause, context.DeadlineExceeded):
			reason = types.CancelReasonDeadline
		}
	}
	return &CancellationError{Reason: reason, Err: err}
}
