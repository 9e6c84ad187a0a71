package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrAlreadyClaimed is returned by MarkProcessing when the job is no longer pending.
var ErrAlreadyClaimed = errors.New("job already claimed")

// ErrInvalidTransition is returned when a write finds the job in a status the
// lifecycle cannot move out of toward the requested one.
var ErrInvalidTransition = models.ErrInvalidTransition

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.EnrichmentJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.EnrichmentJob, error)
	LatestJobForSubject(ctx context.Context, ref models.SubjectRef) (*models.EnrichmentJob, error)
	CountJobs(ctx context.Context) ([]JobCount, error)

	FetchPending(ctx context.Context, taskType models.TaskType, limit int) ([]*models.EnrichmentJob, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, leaseUntil time.Time) error
	MarkCompleted(ctx context.Context, id uuid.UUID, c Completion) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string, durationMS int64) error
	FailExpiredLeases(ctx context.Context, now time.Time, message string) ([]*models.EnrichmentJob, error)

	FetchSubject(ctx context.Context, ref models.SubjectRef) (*models.Subject, error)
	ApplyEnrichment(ctx context.Context, ref models.SubjectRef, e models.Enrichment) error
}

// Completion is the outcome recorded on a successfully processed job.
type Completion struct {
	Result       json.RawMessage
	DurationMS   int64
	ModelVersion string
}

// JobCount is one row of the per task type, per status job breakdown.
type JobCount struct {
	TaskType models.TaskType  `json:"task_type"`
	Status   models.JobStatus `json:"status"`
	Count    int64            `json:"count"`
}
