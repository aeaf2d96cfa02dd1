package fiscal

import (
	"context"

	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/google/uuid"
)

// JobService exposes queued jobs to operators
type JobService struct {
	jobs queue.Repository
}

// NewJobService creates a JobService
func NewJobService(jobs queue.Repository) *JobService {
	return &JobService{jobs: jobs}
}

// Get returns a job with its attempts and last error
func (s *JobService) Get(ctx context.Context, id uuid.UUID) (*JobResponse, error) {
	job, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := ToJobResponse(job)
	return &resp, nil
}

// Stats counts the jobs of each fiscal job type by status
func (s *JobService) Stats(ctx context.Context) (map[string]map[queue.JobStatus]int64, error) {
	out := make(map[string]map[queue.JobStatus]int64, 2)
	for _, jobType := range []string{queue.JobTypeEmit, queue.JobTypeCancel} {
		counts, err := s.jobs.CountByStatus(ctx, jobType)
		if err != nil {
			return nil, err
		}
		out[jobType] = counts
	}
	return out, nil
}
