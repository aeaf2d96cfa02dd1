package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRepository is an in-memory queue.Repository handing out copies so the
// worker goroutine and the test never share a job value
type fakeRepository struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*queue.Job
	claimErrs int
	released  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{jobs: make(map[uuid.UUID]*queue.Job)}
}

func (r *fakeRepository) Enqueue(_ context.Context, job *queue.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *fakeRepository) ClaimNext(_ context.Context, jobType string, now time.Time) (*queue.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimErrs > 0 {
		r.claimErrs--
		return nil, errors.New("connection refused")
	}

	var due []*queue.Job
	for _, j := range r.jobs {
		if j.JobType == jobType && j.Status == queue.JobStatusPending && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(a, b int) bool { return due[a].RunAt.Before(due[b].RunAt) })
	due[0].Status = queue.JobStatusProcessing
	cp := *due[0]
	return &cp, nil
}

func (r *fakeRepository) Update(_ context.Context, job *queue.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *fakeRepository) FindByID(_ context.Context, id uuid.UUID) (*queue.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *fakeRepository) ReleaseStale(_ context.Context, jobType string, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
	var n int64
	for _, j := range r.jobs {
		if j.JobType == jobType && j.Status == queue.JobStatusProcessing && j.UpdatedAt.Before(before) {
			j.Status = queue.JobStatusPending
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) CountByStatus(_ context.Context, jobType string) (map[queue.JobStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[queue.JobStatus]int64{}
	for _, j := range r.jobs {
		if j.JobType == jobType {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func (r *fakeRepository) get(t *testing.T, id uuid.UUID) *queue.Job {
	t.Helper()
	j, err := r.FindByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var start = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func enqueue(t *testing.T, repo *fakeRepository, jobType string, at time.Time) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(jobType, map[string]string{"emission_id": uuid.NewString()}, at)
	require.NoError(t, err)
	require.NoError(t, repo.Enqueue(context.Background(), job))
	return job
}

func newWorker(t *testing.T, repo queue.Repository, handler Handler, clock *manualClock, cfg Config) *Worker {
	return New(repo, queue.JobTypeEmit, handler, cfg,
		WithClock(clock.Now),
		WithLogger(zaptest.NewLogger(t)),
	)
}

func TestWorker_RunOnce_Completes(t *testing.T) {
	repo := newFakeRepository()
	clock := &manualClock{now: start}
	job := enqueue(t, repo, queue.JobTypeEmit, start)

	var seen uuid.UUID
	w := newWorker(t, repo, HandlerFunc(func(_ context.Context, j *queue.Job) error {
		seen = j.ID
		return nil
	}), clock, DefaultConfig())

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, job.ID, seen)

	stored := repo.get(t, job.ID)
	assert.Equal(t, queue.JobStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, start, *stored.CompletedAt)
}

func TestWorker_RunOnce_Idle(t *testing.T) {
	repo := newFakeRepository()
	clock := &manualClock{now: start}
	enqueue(t, repo, queue.JobTypeCancel, start)
	enqueue(t, repo, queue.JobTypeEmit, start.Add(time.Hour))

	w := newWorker(t, repo, HandlerFunc(func(context.Context, *queue.Job) error {
		t.Fatal("handler must not run")
		return nil
	}), clock, DefaultConfig())

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorker_RunOnce_FailsExactlyAtCeiling(t *testing.T) {
	repo := newFakeRepository()
	clock := &manualClock{now: start}
	job := enqueue(t, repo, queue.JobTypeEmit, start)

	var calls int
	w := newWorker(t, repo, HandlerFunc(func(context.Context, *queue.Job) error {
		calls++
		return fiscal.NewInfrastructureError("authority.nfeAutorizacaoLote", fmt.Errorf("timeout #%d", calls))
	}), clock, Config{MaxAttempts: 3, BaseDelay: time.Second})

	delays := []time.Duration{2 * time.Second, 4 * time.Second}
	for i, delay := range delays {
		processed, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		require.True(t, processed)

		stored := repo.get(t, job.ID)
		assert.Equal(t, queue.JobStatusPending, stored.Status, "attempt %d", i+1)
		assert.Equal(t, i+1, stored.Attempts)
		assert.Equal(t, clock.Now().Add(delay), stored.RunAt)

		processed, err = w.RunOnce(context.Background())
		require.NoError(t, err)
		assert.False(t, processed, "job is not due before its backoff elapses")

		clock.Set(stored.RunAt)
	}

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	stored := repo.get(t, job.ID)
	assert.Equal(t, queue.JobStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, "authority.nfeAutorizacaoLote: timeout #3", stored.LastError)

	processed, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, 3, calls)
}

func TestWorker_RunOnce_PermanentFailure(t *testing.T) {
	repo := newFakeRepository()
	clock := &manualClock{now: start}
	job := enqueue(t, repo, queue.JobTypeEmit, start)

	w := newWorker(t, repo, HandlerFunc(func(context.Context, *queue.Job) error {
		return fiscal.NewValidationError("customer.document", "is required")
	}), clock, DefaultConfig())

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	stored := repo.get(t, job.ID)
	assert.Equal(t, queue.JobStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "customer.document")
}

func TestWorker_RunOnce_RetryLater(t *testing.T) {
	repo := newFakeRepository()
	clock := &manualClock{now: start}
	job := enqueue(t, repo, queue.JobTypeEmit, start)

	w := newWorker(t, repo, HandlerFunc(func(context.Context, *queue.Job) error {
		return &queue.RetryLaterError{Delay: 20 * time.Second, Reason: "submission in progress"}
	}), clock, DefaultConfig())

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	stored := repo.get(t, job.ID)
	assert.Equal(t, queue.JobStatusPending, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
	assert.Equal(t, start.Add(20*time.Second), stored.RunAt)
}

func TestWorker_RunOnce_RecoversPanic(t *testing.T) {
	repo := newFakeRepository()
	clock := &manualClock{now: start}
	job := enqueue(t, repo, queue.JobTypeEmit, start)

	w := newWorker(t, repo, HandlerFunc(func(context.Context, *queue.Job) error {
		panic("nil map")
	}), clock, DefaultConfig())

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	stored := repo.get(t, job.ID)
	assert.Equal(t, queue.JobStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "handler panic: nil map", stored.LastError)
}

func TestWorker_RunOnce_StoreFailure(t *testing.T) {
	repo := newFakeRepository()
	repo.claimErrs = 1
	clock := &manualClock{now: start}

	w := newWorker(t, repo, HandlerFunc(func(context.Context, *queue.Job) error { return nil }), clock, DefaultConfig())

	processed, err := w.RunOnce(context.Background())
	assert.False(t, processed)
	assert.ErrorContains(t, err, "connection refused")
}

func TestWorker_StartStop(t *testing.T) {
	repo := newFakeRepository()
	repo.claimErrs = 2
	clock := &manualClock{now: start}
	first := enqueue(t, repo, queue.JobTypeEmit, start)
	second := enqueue(t, repo, queue.JobTypeEmit, start.Add(time.Millisecond))
	clock.Set(start.Add(time.Second))

	var handled atomic.Int32
	w := newWorker(t, repo, HandlerFunc(func(context.Context, *queue.Job) error {
		handled.Add(1)
		return nil
	}), clock, Config{PollInterval: 5 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond})

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		return handled.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	assert.Equal(t, queue.JobStatusCompleted, repo.get(t, first.ID).Status)
	assert.Equal(t, queue.JobStatusCompleted, repo.get(t, second.ID).Status)

	repo.mu.Lock()
	assert.GreaterOrEqual(t, repo.released, 1)
	repo.mu.Unlock()
}

func TestWorker_StartReleasesStaleJobs(t *testing.T) {
	repo := newFakeRepository()
	clock := &manualClock{now: start}
	job := enqueue(t, repo, queue.JobTypeEmit, start.Add(-time.Hour))
	repo.jobs[job.ID].Status = queue.JobStatusProcessing
	repo.jobs[job.ID].UpdatedAt = start.Add(-time.Hour)

	done := make(chan struct{})
	w := newWorker(t, repo, HandlerFunc(func(context.Context, *queue.Job) error {
		close(done)
		return nil
	}), clock, Config{PollInterval: 5 * time.Millisecond, StaleAfter: 10 * time.Minute})

	require.NoError(t, w.Start(context.Background()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stale job was not picked up")
	}
	require.NoError(t, w.Stop(context.Background()))

	require.Eventually(t, func() bool {
		return repo.get(t, job.ID).Status == queue.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestNew_AppliesDefaults(t *testing.T) {
	w := New(newFakeRepository(), queue.JobTypeCancel, HandlerFunc(func(context.Context, *queue.Job) error { return nil }), Config{})
	assert.Equal(t, DefaultConfig(), w.config)
	assert.Equal(t, queue.JobTypeCancel, w.JobType())
}
