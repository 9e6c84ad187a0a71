// Package models contains shared data models used across the wardrobe enrichment codebase.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an EnrichmentJob.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// StatusNotFound is reported by the AI status query when a subject has no job.
const StatusNotFound = "not_found"

// TaskType discriminates what kind of enrichment a job performs and, with it,
// which kind of subject the job's SubjectID refers to.
type TaskType string

const (
	TaskClothingClassification TaskType = "clothing_classification"
	TaskOutfitRating           TaskType = "outfit_rating"
)

// TaskTypes lists every supported task type in dispatch order.
var TaskTypes = []TaskType{TaskClothingClassification, TaskOutfitRating}

// ParseTaskType validates s against the supported task types.
func ParseTaskType(s string) (TaskType, error) {
	for _, t := range TaskTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q: must be one of clothing_classification, outfit_rating", s)
}

// SubjectKind names the entity a task type targets, for log and error messages.
func (t TaskType) SubjectKind() string {
	switch t {
	case TaskClothingClassification:
		return "wardrobe item"
	case TaskOutfitRating:
		return "outfit"
	default:
		return "subject"
	}
}

// SubjectRef identifies the entity a job enriches.
type SubjectRef struct {
	ID       uuid.UUID `json:"id"`
	OwnerID  uuid.UUID `json:"owner_id"`
	TaskType TaskType  `json:"task_type"`
}

func (r SubjectRef) String() string {
	return fmt.Sprintf("%s %s", r.TaskType.SubjectKind(), r.ID)
}

// EnrichmentJob tracks one asynchronous AI enrichment of a wardrobe item or outfit.
// Clients poll the subject's ai-status endpoint until status is completed or failed.
type EnrichmentJob struct {
	ID               uuid.UUID       `db:"id"                 json:"id"`
	OwnerID          uuid.UUID       `db:"owner_id"           json:"owner_id"`
	SubjectID        uuid.UUID       `db:"subject_id"         json:"subject_id"`
	TaskType         TaskType        `db:"task_type"          json:"task_type"`
	Status           JobStatus       `db:"status"             json:"status"`
	Result           json.RawMessage `db:"result"             json:"result,omitempty"`
	ErrorMessage     *string         `db:"error_message"      json:"error_message,omitempty"`
	ProcessingTimeMS *int64          `db:"processing_time_ms" json:"processing_time_ms,omitempty"`
	ModelVersion     *string         `db:"model_version"      json:"model_version,omitempty"`
	ClaimedAt        *time.Time      `db:"claimed_at"         json:"claimed_at,omitempty"`
	LeaseExpiresAt   *time.Time      `db:"lease_expires_at"   json:"-"`
	CreatedAt        time.Time       `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"         json:"updated_at"`
}

// Subject returns the job's target.
func (j *EnrichmentJob) Subject() SubjectRef {
	return SubjectRef{ID: j.SubjectID, OwnerID: j.OwnerID, TaskType: j.TaskType}
}

// NewEnrichmentJob builds a pending job for the given subject.
func NewEnrichmentJob(ref SubjectRef) *EnrichmentJob {
	now := time.Now().UTC()
	return &EnrichmentJob{
		ID:        uuid.New(),
		OwnerID:   ref.OwnerID,
		SubjectID: ref.ID,
		TaskType:  ref.TaskType,
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AIStatus is the read-only view of a subject's latest job, served to polling clients.
type AIStatus struct {
	Status           string          `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	ProcessingTimeMS *int64          `json:"processing_time_ms,omitempty"`
	ModelVersion     *string         `json:"model_version,omitempty"`
	UpdatedAt        *time.Time      `json:"updated_at,omitempty"`
}

// StatusOf projects a job into the AI status view. A nil job yields not_found.
func StatusOf(j *EnrichmentJob) AIStatus {
	if j == nil {
		return AIStatus{Status: StatusNotFound}
	}
	updated := j.UpdatedAt
	return AIStatus{
		Status:           string(j.Status),
		Result:           j.Result,
		ErrorMessage:     j.ErrorMessage,
		ProcessingTimeMS: j.ProcessingTimeMS,
		ModelVersion:     j.ModelVersion,
		UpdatedAt:        &updated,
	}
}
