package scheduler

import (
	"context"
	"time"

	"transmute/internal/codec"
)

// Status tracks a job through its lifecycle. A job is immutable once it
// reaches a terminal status.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Request describes one conversion to admit. Category may be left empty,
// in which case it is inferred from the first source path's extension.
type Request struct {
	SourcePaths  []string
	TargetFormat string
	Category     codec.Category
	Options      codec.Options
	SessionID    string
}

// Job is a snapshot of an admitted conversion. The scheduler owns the job
// exclusively from admission until the caller observes a terminal status.
type Job struct {
	ID           string
	SourcePaths  []string
	TargetFormat string
	Category     codec.Category
	Options      codec.Options
	SessionID    string
	OutputPath   string
	Status       Status
	CreatedAt    time.Time
}

// Outcome is the terminal report for a job: exactly one of Result or Err
// is meaningful.
type Outcome struct {
	Job    Job
	Result *codec.Result
	Err    error
}

// Handle is the caller's view of a submitted job. The outcome becomes
// available once Done is closed.
type Handle struct {
	state *jobState
}

// ID returns the job identifier.
func (h *Handle) ID() string {
	return h.state.job.ID
}

// Done is closed when the job reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.state.done
}

// Outcome returns the terminal outcome. ok is false while the job is still
// queued or running.
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.state.done:
		return h.state.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the job is terminal or the context ends.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-h.state.done:
		return h.state.outcome, nil
	}
}

// jobState is the scheduler-internal record. The scheduler's mutex guards
// job.Status and queue membership; outcome is written exactly once before
// done is closed.
type jobState struct {
	job     Job
	engine  codec.Codec
	done    chan struct{}
	outcome Outcome
}

func (s *jobState) finish(outcome Outcome) {
	s.outcome = outcome
	close(s.done)
}
