package models

import (
	"time"

	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/google/uuid"
)

// JobModel is the persistence model for the durable job queue
type JobModel struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	JobType     string          `gorm:"type:varchar(50);not null;index:idx_fiscal_jobs_claim,priority:1"`
	Payload     []byte          `gorm:"type:jsonb;not null"`
	Status      queue.JobStatus `gorm:"type:varchar(20);not null;index:idx_fiscal_jobs_claim,priority:2"`
	Attempts    int             `gorm:"not null;default:0"`
	RunAt       time.Time       `gorm:"not null;index:idx_fiscal_jobs_claim,priority:3"`
	LastError   string          `gorm:"type:text"`
	CreatedAt   time.Time       `gorm:"not null"`
	UpdatedAt   time.Time       `gorm:"not null"`
	CompletedAt *time.Time
}

// TableName returns the table name for GORM
func (JobModel) TableName() string {
	return "fiscal_jobs"
}

// ToDomain converts the persistence model to a domain Job
func (m *JobModel) ToDomain() *queue.Job {
	return &queue.Job{
		ID:          m.ID,
		JobType:     m.JobType,
		Payload:     m.Payload,
		Status:      m.Status,
		Attempts:    m.Attempts,
		RunAt:       m.RunAt.UTC(),
		LastError:   m.LastError,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
		CompletedAt: utcPtr(m.CompletedAt),
	}
}

// FromDomain populates the persistence model from a domain Job
func (m *JobModel) FromDomain(j *queue.Job) {
	m.ID = j.ID
	m.JobType = j.JobType
	m.Payload = j.Payload
	m.Status = j.Status
	m.Attempts = j.Attempts
	m.RunAt = j.RunAt
	m.LastError = j.LastError
	m.CreatedAt = j.CreatedAt
	m.UpdatedAt = j.UpdatedAt
	m.CompletedAt = j.CompletedAt
}

// JobModelFromDomain creates a new persistence model from a domain Job
func JobModelFromDomain(j *queue.Job) *JobModel {
	m := &JobModel{}
	m.FromDomain(j)
	return m
}
