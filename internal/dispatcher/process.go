package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/wardrobe/internal/store"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
)

// process claims one job and drives it to exactly one terminal state.
// It never returns an error: every failure is recorded on the job itself.
func (d *Dispatcher) process(parent context.Context, job *models.EnrichmentJob) (out outcome) {
	// Jobs outlive shutdown of the tick that started them; they finish or
	// time out on their own, within the lease.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.cfg.LeaseTimeout)
	defer cancel()

	ref := job.Subject()
	log := d.logger.With("job_id", job.ID, "task_type", job.TaskType, "subject_id", job.SubjectID)

	if err := models.ValidateTransition(job.Status, models.JobStatusProcessing); err != nil {
		d.skipped.Add(1)
		log.Warn("discovered job is not claimable", "error", err)
		return outcomeSkipped
	}

	start := d.now()
	if err := d.store.MarkProcessing(ctx, job.ID, start.Add(d.cfg.LeaseTimeout)); err != nil {
		d.skipped.Add(1)
		switch {
		case errors.Is(err, store.ErrAlreadyClaimed):
			log.Debug("job already claimed elsewhere")
		case errors.Is(err, store.ErrInvalidTransition):
			log.Debug("job finished elsewhere before it could be claimed", "error", err)
		default:
			log.Error("claiming job", "error", err)
		}
		return outcomeSkipped
	}
	d.claimed.Add(1)
	d.mirror(ctx, ref, models.AIStatus{Status: string(models.JobStatusProcessing)})

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing job", "error", r)
			out = d.fail(ctx, job, fmt.Sprintf("panic: %v", r), start)
		}
	}()

	c, err := d.run(ctx, ref, log)
	if err != nil {
		return d.fail(ctx, job, err.Error(), start)
	}
	c.DurationMS = elapsedMS(start, d.now())

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer fcancel()
	if err := d.store.MarkCompleted(fctx, job.ID, c); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// The lease expired and the reaper already failed this attempt.
			log.Warn("result discarded, job no longer processing", "error", err)
			d.skipped.Add(1)
			return outcomeSkipped
		}
		log.Error("recording job result", "error", err)
		return d.fail(ctx, job, fmt.Sprintf("recording result: %v", err), start)
	}

	d.completed.Add(1)
	log.Info("enrichment job completed", "status", models.JobStatusCompleted, "duration_ms", c.DurationMS)
	ms, version := c.DurationMS, c.ModelVersion
	d.mirror(ctx, ref, models.AIStatus{
		Status:           string(models.JobStatusCompleted),
		Result:           c.Result,
		ProcessingTimeMS: &ms,
		ModelVersion:     &version,
	})
	return outcomeCompleted
}

// run performs the job's work: load the subject, call inference, write the enrichment.
func (d *Dispatcher) run(ctx context.Context, ref models.SubjectRef, log *slog.Logger) (store.Completion, error) {
	subject, err := d.store.FetchSubject(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return store.Completion{}, fmt.Errorf("%s not found", ref)
	}
	if err != nil {
		return store.Completion{}, fmt.Errorf("loading %s: %w", ref, err)
	}

	payload, err := buildPayload(subject)
	if err != nil {
		return store.Completion{}, err
	}

	res, err := d.invoker.Invoke(ctx, ref.TaskType, payload)
	if err != nil {
		return store.Completion{}, err
	}
	if len(res.Raw) == 0 {
		return store.Completion{}, fmt.Errorf("AI service returned an empty result for %s", ref)
	}

	enrichment, err := models.DecodeEnrichment(ref.TaskType, res.Raw)
	if err != nil {
		log.Warn("result does not match the enrichment shape, subject left unchanged", "error", err)
	} else if err := d.store.ApplyEnrichment(ctx, ref, enrichment); err != nil {
		log.Warn("applying enrichment to subject", "error", err)
	}

	return store.Completion{Result: res.Raw, ModelVersion: res.ModelVersion}, nil
}

// fail records message as the job's terminal failure.
func (d *Dispatcher) fail(ctx context.Context, job *models.EnrichmentJob, message string, start time.Time) outcome {
	log := d.logger.With("job_id", job.ID, "task_type", job.TaskType, "subject_id", job.SubjectID)
	ms := elapsedMS(start, d.now())

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := d.store.MarkFailed(fctx, job.ID, message, ms); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Warn("failure discarded, job no longer processing", "error", err)
		} else {
			log.Error("recording job failure", "error", err, "job_error", message)
		}
		d.skipped.Add(1)
		return outcomeSkipped
	}

	d.failed.Add(1)
	log.Warn("enrichment job failed", "status", models.JobStatusFailed, "duration_ms", ms, "error", message)
	d.mirror(ctx, job.Subject(), models.AIStatus{
		Status:           string(models.JobStatusFailed),
		ErrorMessage:     &message,
		ProcessingTimeMS: &ms,
	})
	return outcomeFailed
}

// buildPayload turns a subject projection into the request body for its task type.
func buildPayload(s *models.Subject) (any, error) {
	switch s.Ref.TaskType {
	case models.TaskClothingClassification:
		if s.Item == nil || s.Item.ImageURL == "" {
			return nil, fmt.Errorf("%s has no image to classify", s.Ref)
		}
		return models.ClassifyClothingRequest{ImageURL: s.Item.ImageURL}, nil
	case models.TaskOutfitRating:
		if s.Outfit == nil || len(s.Outfit.ItemIDs) == 0 {
			return nil, fmt.Errorf("%s has no items to rate", s.Ref)
		}
		return models.RateOutfitRequest{ItemIDs: s.Outfit.ItemIDs, UserProfile: s.Outfit.Profile}, nil
	default:
		_, err := models.ParseTaskType(string(s.Ref.TaskType))
		return nil, err
	}
}

// elapsedMS rounds up to whole milliseconds so any processed job reports a positive duration.
func elapsedMS(start, end time.Time) int64 {
	d := end.Sub(start)
	if d <= 0 {
		return 1
	}
	ms := int64((d + time.Millisecond - 1) / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}
