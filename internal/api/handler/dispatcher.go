package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/wardrobe/internal/api/response"
	"github.com/kiranshivaraju/wardrobe/internal/dispatcher"
	"github.com/kiranshivaraju/wardrobe/internal/store"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
)

// Ticker is the operator-facing side of the dispatcher.
type Ticker interface {
	Tick(ctx context.Context) (dispatcher.TickReport, error)
	Stats() dispatcher.Stats
}

// JobCounter reports the job backlog by task type and status.
type JobCounter interface {
	CountJobs(ctx context.Context) ([]store.JobCount, error)
}

// NewTickHandler returns POST /api/v1/admin/dispatcher/tick. It runs one tick
// and responds once every job that tick started has settled.
func NewTickHandler(t Ticker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := t.Tick(r.Context())
		if err != nil {
			slog.Error("manual dispatcher tick", "error", err)
			response.Error(w, http.StatusBadGateway, "TICK_FAILED", err.Error(), report)
			return
		}
		response.JSON(w, report)
	}
}

// NewStatsHandler returns GET /api/v1/admin/dispatcher/stats.
func NewStatsHandler(t Ticker, counter JobCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := counter.CountJobs(r.Context())
		if err != nil {
			slog.Error("counting jobs", "error", err)
			response.Internal(w)
			return
		}
		if counts == nil {
			counts = []store.JobCount{}
		}
		response.JSON(w, statsResponse{Dispatcher: t.Stats(), Jobs: counts})
	}
}

type statsResponse struct {
	Dispatcher dispatcher.Stats `json:"dispatcher"`
	Jobs       []store.JobCount `json:"jobs"`
}

// Enqueuer creates fresh enrichment jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, ref models.SubjectRef) (*models.EnrichmentJob, error)
}

type enqueueRequest struct {
	OwnerID   uuid.UUID `json:"owner_id"`
	SubjectID uuid.UUID `json:"subject_id"`
	TaskType  string    `json:"task_type"`
}

// NewEnqueueHandler returns POST /api/v1/admin/jobs, which re-enqueues
// enrichment for a subject whose previous job is terminal.
func NewEnqueueHandler(e Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "INVALID_BODY", "Request body must be JSON with owner_id, subject_id and task_type")
			return
		}
		if req.OwnerID == uuid.Nil || req.SubjectID == uuid.Nil {
			response.BadRequest(w, "INVALID_ID", "owner_id and subject_id are required UUIDs")
			return
		}
		taskType, err := models.ParseTaskType(req.TaskType)
		if err != nil {
			response.BadRequest(w, "INVALID_TASK_TYPE", err.Error())
			return
		}

		job, err := e.Enqueue(r.Context(), models.SubjectRef{ID: req.SubjectID, OwnerID: req.OwnerID, TaskType: taskType})
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "SUBJECT_NOT_FOUND", err.Error(), nil)
		case errors.Is(err, store.ErrDuplicateKey):
			response.Error(w, http.StatusConflict, "JOB_ACTIVE", "A job for this subject is already pending or processing", nil)
		case err != nil:
			slog.Error("enqueueing job", "subject_id", req.SubjectID, "task_type", taskType, "error", err)
			response.Internal(w)
		default:
			response.Status(w, http.StatusCreated, job)
		}
	}
}
