package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
)

// JobStatus represents the status of a queued job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsValid checks if the status is a valid JobStatus
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Default retry configuration
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 30 * time.Second
	maxBackoffShift    = 20
)

// Job types handled by the fiscal workers
const (
	JobTypeEmit   = "nfe.emit"
	JobTypeCancel = "nfe.cancel"
)

// Job is a durable unit of background work
type Job struct {
	ID          uuid.UUID
	JobType     string
	Payload     json.RawMessage
	Status      JobStatus
	Attempts    int
	RunAt       time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// NewJob creates a pending job due immediately
func NewJob(jobType string, payload any, now time.Time) (*Job, error) {
	if jobType == "" {
		return nil, shared.NewDomainError("INVALID_JOB_TYPE", "Job type cannot be empty")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}
	now = now.UTC()
	return &Job{
		ID:        uuid.New(),
		JobType:   jobType,
		Payload:   raw,
		Status:    JobStatusPending,
		RunAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// DecodePayload unmarshals the payload into v
func (j *Job) DecodePayload(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return &PermanentError{Err: fmt.Errorf("invalid payload for job %s: %w", j.ID, err)}
	}
	return nil
}

// Complete marks the job as done
func (j *Job) Complete(now time.Time) {
	now = now.UTC()
	j.Status = JobStatusCompleted
	j.LastError = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// RecordFailure counts a failed attempt. The job fails once attempts reach
// maxAttempts; otherwise it is rescheduled with exponential backoff:
// 2*baseDelay after the first failure, then 4*baseDelay, 8*baseDelay, ...
func (j *Job) RecordFailure(errMsg string, maxAttempts int, baseDelay time.Duration, now time.Time) {
	now = now.UTC()
	j.Attempts++
	j.LastError = errMsg
	j.UpdatedAt = now

	if j.Attempts >= maxAttempts {
		j.Status = JobStatusFailed
		return
	}
	j.Status = JobStatusPending
	j.RunAt = now.Add(Backoff(baseDelay, j.Attempts))
}

// Fail marks the job as failed without further attempts
func (j *Job) Fail(errMsg string, now time.Time) {
	now = now.UTC()
	j.Attempts++
	j.Status = JobStatusFailed
	j.LastError = errMsg
	j.UpdatedAt = now
}

// Reschedule puts the job back without counting an attempt
func (j *Job) Reschedule(delay time.Duration, now time.Time) {
	now = now.UTC()
	j.Status = JobStatusPending
	j.RunAt = now.Add(delay)
	j.UpdatedAt = now
}

// Backoff returns base * 2^attempts, the delay before retrying once the
// given number of attempts has failed
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		return base
	}
	shift := attempts
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base * time.Duration(1<<uint(shift))
}

// PermanentError wraps an error the worker must not retry
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent reports that retrying cannot help
func (e *PermanentError) Permanent() bool { return true }

// Permanent wraps err so the worker fails the job immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryLaterError asks the worker to put the job back after Delay without
// counting an attempt
type RetryLaterError struct {
	Delay  time.Duration
	Reason string
}

func (e *RetryLaterError) Error() string {
	return fmt.Sprintf("retry in %s: %s", e.Delay, e.Reason)
}

// IsPermanent reports whether err should fail the job without retrying.
// Errors that declare Permanent() decide for themselves; domain errors are
// business outcomes and are never retried.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	if errors.As(err, &p) {
		return p.Permanent()
	}
	_, ok := shared.AsDomainError(err)
	return ok
}

// Repository defines the interface for job persistence
type Repository interface {
	// Enqueue persists a new job
	Enqueue(ctx context.Context, job *Job) error
	// ClaimNext atomically moves the oldest due pending job of jobType to
	// processing and returns it; nil when there is none
	ClaimNext(ctx context.Context, jobType string, now time.Time) (*Job, error)
	// Update persists the job's status, attempts and schedule
	Update(ctx context.Context, job *Job) error
	// FindByID retrieves a job by ID
	FindByID(ctx context.Context, id uuid.UUID) (*Job, error)
	// ReleaseStale returns processing jobs untouched since before to pending
	ReleaseStale(ctx context.Context, jobType string, before time.Time) (int64, error)
	// CountByStatus returns counts for each status of jobType
	CountByStatus(ctx context.Context, jobType string) (map[JobStatus]int64, error)
}
