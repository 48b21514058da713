package types

import "time"

// JobState represents the current state of a download job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// Reasons recorded on cancelled jobs
const (
	CancelReasonRequested = "requested"
	CancelReasonDeadline  = "deadline"
	CancelReasonShutdown  = "shutdown"
)

// Job represents one admitted download request and its lifecycle
type Job struct {
	ID           string     `json:"id"`
	RequesterID  int64      `json:"requesterId"`
	Resource     string     `json:"resource"`
	Quality      string     `json:"quality"`
	Bitrate      int        `json:"bitrate"`
	State        JobState   `json:"state"`
	BytesDone    int64      `json:"bytesDone"`
	BytesTotal   int64      `json:"bytesTotal"`
	ErrorDetail  string     `json:"errorDetail,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
	OutputPaths  []string   `json:"outputPaths,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueuedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

// Clone returns a deep copy that shares no memory with j
func (j Job) Clone() Job {
	c := j
	c.StartedAt = copyTime(j.StartedAt)
	c.FinishedAt = copyTime(j.FinishedAt)
	c.Deadline = copyTime(j.Deadline)
	if j.OutputPaths != nil {
		c.OutputPaths = append([]string(nil), j.OutputPaths...)
	}
	return c
}

// Progress returns the advisory completion percentage in [0, 100]
func (j Job) Progress() float64 {
	if j.State == JobStateCompleted {
		return 100
	}
	if j.BytesTotal <= 0 {
		return 0
	}
	p := float64(j.BytesDone) / float64(j.BytesTotal) * 100
	if p > 100 {
		p = 100
	}
	return p
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
