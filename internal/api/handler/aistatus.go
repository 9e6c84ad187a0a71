package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/wardrobe/internal/api/middleware"
	"github.com/kiranshivaraju/wardrobe/internal/api/response"
	"github.com/kiranshivaraju/wardrobe/internal/cache"
	"github.com/kiranshivaraju/wardrobe/internal/store"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
)

// JobReader is the slice of store.Store the status endpoints need.
type JobReader interface {
	LatestJobForSubject(ctx context.Context, ref models.SubjectRef) (*models.EnrichmentJob, error)
}

// AIStatusHandler serves the latest enrichment status of a caller-owned subject.
type AIStatusHandler struct {
	jobs  JobReader
	cache cache.Cache
	ttl   time.Duration
}

// NewAIStatusHandler builds the handler. c may be nil, in which case every
// request reads the store.
func NewAIStatusHandler(jobs JobReader, c cache.Cache, ttl time.Duration) *AIStatusHandler {
	return &AIStatusHandler{jobs: jobs, cache: c, ttl: ttl}
}

// For returns GET .../{param}/ai-status for subjects of taskType.
func (h *AIStatusHandler) For(taskType models.TaskType, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
			return
		}

		subjectID, err := uuid.Parse(chi.URLParam(r, param))
		if err != nil {
			response.BadRequest(w, "INVALID_ID", param+" must be a valid UUID")
			return
		}
		ref := models.SubjectRef{ID: subjectID, OwnerID: userID, TaskType: taskType}

		if h.cache != nil {
			status, found, err := h.cache.GetAIStatus(r.Context(), ref)
			if err != nil {
				slog.Warn("reading cached ai status", "subject_id", subjectID, "error", err)
			} else if found {
				response.JSON(w, status)
				return
			}
		}

		job, err := h.jobs.LatestJobForSubject(r.Context(), ref)
		if errors.Is(err, store.ErrNotFound) {
			response.JSON(w, models.StatusOf(nil))
			return
		}
		if err != nil {
			slog.Error("loading latest job", "subject_id", subjectID, "task_type", taskType, "error", err)
			response.Internal(w)
			return
		}

		status := models.StatusOf(job)
		if h.cache != nil {
			// The dispatcher may have mirrored a newer status since the store read.
			if _, err := h.cache.SetAIStatusNX(r.Context(), ref, status, h.ttl); err != nil {
				slog.Debug("caching ai status", "subject_id", subjectID, "error", err)
			}
		}
		response.JSON(w, status)
	}
}
