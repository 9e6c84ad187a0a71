package dispatcher

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/wardrobe/pkg/models"
)

// Enqueue creates a fresh pending job for ref, typically to re-run enrichment
// after an earlier job reached a terminal status. The subject must exist and be
// owned by ref.OwnerID. A wrapped store.ErrDuplicateKey means a job is already active.
//
// The mirrored status of the previous job is dropped so pollers fall through to
// the store and see the new job instead of the old outcome.
func (d *Dispatcher) Enqueue(ctx context.Context, ref models.SubjectRef) (*models.EnrichmentJob, error) {
	if _, err := models.ParseTaskType(string(ref.TaskType)); err != nil {
		return nil, err
	}
	if _, err := d.store.FetchSubject(ctx, ref); err != nil {
		return nil, fmt.Errorf("loading %s: %w", ref, err)
	}

	job := models.NewEnrichmentJob(ref)
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job for %s: %w", ref, err)
	}

	if d.cache != nil {
		if err := d.cache.DeleteAIStatus(ctx, ref); err != nil {
			d.logger.Warn("dropping stale ai status", "subject_id", ref.ID, "task_type", ref.TaskType, "error", err)
		}
	}
	d.logger.Info("enrichment job enqueued", "job_id", job.ID, "task_type", ref.TaskType, "subject_id", ref.ID)
	return job, nil
}
