package campaign

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// ResultList stores a campaign's per-vendor outcomes as a JSON column.
type ResultList []CallResult

func (l ResultList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *ResultList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("campaign: cannot scan %T into ResultList", src)
	}
	if len(b) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(b, l)
}

// Job is one asynchronously executed call campaign.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	TaskID string `gorm:"type:varchar(64);index;not null"`

	IdempotencyKey *string `gorm:"type:varchar(128);uniqueIndex:uniq_campaign_job_idempo" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	Results ResultList `gorm:"type:json"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "campaign_jobs" }

type JobStore struct {
	db *gorm.DB
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Create(ctx context.Context, job *Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *JobStore) getByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var j Job
	if err := s.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateOrGetExisting inserts the job, or returns the job already holding
// its idempotency key. The bool reports whether a new job was created.
func (s *JobStore) CreateOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := s.Create(ctx, job); err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := s.Create(ctx, job)
	if err == nil {
		return job, true, nil
	}

	existing, getErr := s.getByIdempotencyKey(ctx, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (s *JobStore) MarkRunning(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (s *JobStore) MarkSucceeded(ctx context.Context, id string, results ResultList) error {
	return s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":  JobSucceeded,
			"results": results,
			"error":   nil,
		}).Error
}

func (s *JobStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":  JobFailed,
			"error":   errMsg,
			"results": nil,
		}).Error
}
