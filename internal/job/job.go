package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/dispatch"
	"github.com/hbomb79/Harmony/internal/ledger"
)

type Status int

const (
	Pending Status = iota
	Running
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	}

	return fmt.Sprintf("UNKNOWN[%d]", s)
}

func (s Status) IsTerminal() bool {
	return s == Succeeded || s == Failed
}

// canTransition reports whether a job may move from one status to another.
// Every job is admitted (Running) before it reaches a terminal status.
func canTransition(from Status, to Status) bool {
	switch from {
	case Pending:
		return to == Running
	case Running:
		return to == Succeeded || to == Failed
	}

	return false
}

type (
	// Job is a single acquisition request moving through the pipeline. Values
	// returned from the Service are snapshots and are safe to read.
	Job struct {
		ID          uuid.UUID
		RequesterID access.UserID
		Target      dispatch.Target
		Kind        dispatch.ProviderKind
		Status      Status
		CreatedAt   time.Time
		StartedAt   *time.Time
		CompletedAt *time.Time
		Deadline    time.Time
		Err         *Error
		// Record is the committed ledger entry for the primary artifact of
		// a Succeeded job.
		Record *ledger.UploadRecord
		// Secondary holds the filenames of any additional artifacts published
		// by a collection job. Discarded holds those which were not.
		Secondary []string
		Discarded []string
	}

	// trackedJob is the Service's private, mutable view of a Job
	trackedJob struct {
		Job
		plan   dispatch.ExecutionPlan
		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}
		stop   func() bool
	}
)

func (job *Job) String() string {
	return fmt.Sprintf("Job{ID=%s requester=%s kind=%s status=%s target=%s}", job.ID, job.RequesterID, job.Kind, job.Status, job.Target)
}

func (job *trackedJob) snapshot() Job {
	snap := job.Job
	snap.Secondary = append([]string(nil), job.Secondary...)
	snap.Discarded = append([]string(nil), job.Discarded...)

	return snap
}

// Outcome returns the terminal outcome of the job, or Accepted if
// the job has not yet finished.
func (job *Job) Outcome() Outcome {
	switch job.Status {
	case Succeeded:
		return Outcome{Kind: OutcomeSucceeded, JobID: job.ID, Record: job.Record, Secondary: job.Secondary}
	case Failed:
		return Outcome{Kind: OutcomeFailed, JobID: job.ID, Err: job.Err}
	default:
		return Outcome{Kind: OutcomeAccepted, JobID: job.ID}
	}
}
