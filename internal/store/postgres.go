package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, owner_id, subject_id, task_type, status, result, error_message,
	processing_time_ms, model_version, claimed_at, lease_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.EnrichmentJob, error) {
	var j models.EnrichmentJob
	var result []byte
	err := row.Scan(&j.ID, &j.OwnerID, &j.SubjectID, &j.TaskType, &j.Status, &result, &j.ErrorMessage,
		&j.ProcessingTimeMS, &j.ModelVersion, &j.ClaimedAt, &j.LeaseExpiresAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if !j.Status.Valid() {
		return nil, fmt.Errorf("job %s has unknown status %q", j.ID, j.Status)
	}
	if result != nil {
		j.Result = result
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.EnrichmentJob, error) {
	defer rows.Close()
	var jobs []*models.EnrichmentJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.EnrichmentJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_jobs (id, owner_id, subject_id, task_type, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.OwnerID, job.SubjectID, job.TaskType, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.EnrichmentJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// LatestJobForSubject returns the most recently created job for ref, scoped to its owner.
func (s *PostgresStore) LatestJobForSubject(ctx context.Context, ref models.SubjectRef) (*models.EnrichmentJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM enrichment_jobs
		 WHERE subject_id = $1 AND task_type = $2 AND owner_id = $3
		 ORDER BY created_at DESC LIMIT 1`, ref.ID, ref.TaskType, ref.OwnerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) CountJobs(ctx context.Context) ([]JobCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_type, status, COUNT(*) FROM enrichment_jobs
		 GROUP BY task_type, status ORDER BY task_type, status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var counts []JobCount
	for rows.Next() {
		var c JobCount
		if err := rows.Scan(&c.TaskType, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// FetchPending returns up to limit pending jobs of taskType, oldest first.
// It does not claim them.
func (s *PostgresStore) FetchPending(ctx context.Context, taskType models.TaskType, limit int) ([]*models.EnrichmentJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM enrichment_jobs
		 WHERE task_type = $1 AND status = 'pending'
		 ORDER BY created_at ASC, id ASC LIMIT $2`, taskType, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("fetch pending jobs: %w", err)
	}
	return jobs, nil
}

// MarkProcessing claims a pending job. The update is conditional on the job still
// being pending, so among concurrent callers exactly one succeeds; the rest get
// ErrAlreadyClaimed while the winner holds it, or ErrInvalidTransition once it
// has reached a terminal status.
func (s *PostgresStore) MarkProcessing(ctx context.Context, id uuid.UUID, leaseUntil time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs
		 SET status = 'processing', claimed_at = NOW(), lease_expires_at = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`, id, leaseUntil.UTC())
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := s.currentStatus(ctx, id)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return models.ValidateTransition(current, models.JobStatusProcessing)
		}
		return ErrAlreadyClaimed
	}
	return nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id uuid.UUID, c Completion) error {
	var modelVersion *string
	if c.ModelVersion != "" {
		modelVersion = &c.ModelVersion
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs
		 SET status = 'completed', result = $2, processing_time_ms = $3, model_version = $4,
		     error_message = NULL, lease_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`,
		id, string(c.Result), c.DurationMS, modelVersion)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, models.JobStatusCompleted)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, message string, durationMS int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs
		 SET status = 'failed', error_message = $2, processing_time_ms = $3,
		     result = NULL, lease_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`,
		id, message, durationMS)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, models.JobStatusFailed)
	}
	return nil
}

// FailExpiredLeases moves every processing job whose lease ended before now to
// failed and returns the jobs it moved.
func (s *PostgresStore) FailExpiredLeases(ctx context.Context, now time.Time, message string) ([]*models.EnrichmentJob, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE enrichment_jobs
		 SET status = 'failed', error_message = $2,
		     processing_time_ms = GREATEST(CEIL(EXTRACT(EPOCH FROM ($1::timestamptz - claimed_at)) * 1000), 1)::bigint,
		     lease_expires_at = NULL, updated_at = NOW()
		 WHERE status = 'processing' AND lease_expires_at < $1
		 RETURNING `+jobColumns, now.UTC(), message)
	if err != nil {
		return nil, fmt.Errorf("fail expired leases: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("fail expired leases: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) currentStatus(ctx context.Context, id uuid.UUID) (models.JobStatus, error) {
	var status models.JobStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM enrichment_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return status, nil
}

func (s *PostgresStore) transitionError(ctx context.Context, id uuid.UUID, to models.JobStatus) error {
	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if err := models.ValidateTransition(current, to); err != nil {
		return err
	}
	// The row moved between the conditional update and this read.
	return fmt.Errorf("%w: job %s changed status concurrently, now %s", ErrInvalidTransition, id, current)
}

// --- Subjects ---

// FetchSubject loads the projection of ref needed to build its inference request.
// Soft-deleted or foreign subjects are ErrNotFound.
func (s *PostgresStore) FetchSubject(ctx context.Context, ref models.SubjectRef) (*models.Subject, error) {
	switch ref.TaskType {
	case models.TaskClothingClassification:
		return s.fetchItem(ctx, ref)
	case models.TaskOutfitRating:
		return s.fetchOutfit(ctx, ref)
	default:
		_, err := models.ParseTaskType(string(ref.TaskType))
		return nil, err
	}
}

func (s *PostgresStore) fetchItem(ctx context.Context, ref models.SubjectRef) (*models.Subject, error) {
	var item models.ItemProjection
	err := s.pool.QueryRow(ctx,
		`SELECT image_url FROM wardrobe_items
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, ref.ID, ref.OwnerID,
	).Scan(&item.ImageURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch wardrobe item: %w", err)
	}
	return &models.Subject{Ref: ref, Item: &item}, nil
}

func (s *PostgresStore) fetchOutfit(ctx context.Context, ref models.SubjectRef) (*models.Subject, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM outfits WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL)`,
		ref.ID, ref.OwnerID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("fetch outfit: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT oi.item_id FROM outfit_items oi
		 JOIN wardrobe_items w ON w.id = oi.item_id AND w.deleted_at IS NULL
		 WHERE oi.outfit_id = $1
		 ORDER BY oi.position ASC, oi.item_id ASC`, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch outfit items: %w", err)
	}
	itemIDs, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("fetch outfit items: %w", err)
	}

	outfit := models.OutfitProjection{ItemIDs: itemIDs}
	err = s.pool.QueryRow(ctx,
		`SELECT gender, age_range, height_cm, weight_kg, body_type, skin_tone
		 FROM profiles WHERE user_id = $1 AND deleted_at IS NULL`, ref.OwnerID,
	).Scan(&outfit.Profile.Gender, &outfit.Profile.AgeRange, &outfit.Profile.HeightCM,
		&outfit.Profile.WeightKG, &outfit.Profile.BodyType, &outfit.Profile.SkinTone)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}

	return &models.Subject{Ref: ref, Outfit: &outfit}, nil
}

// ApplyEnrichment writes the decoded inference output onto the subject.
// A subject deleted since the job ran yields ErrNotFound; callers treat the write as best effort.
func (s *PostgresStore) ApplyEnrichment(ctx context.Context, ref models.SubjectRef, e models.Enrichment) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch {
	case e.Item != nil:
		c := e.Item
		tag, err = s.pool.Exec(ctx,
			`UPDATE wardrobe_items
			 SET category = $3, subcategory = $4, colors = $5, pattern = $6, fit = $7,
			     fabric = $8, season = $9, embedding = $10, ai_confidence = $11, updated_at = NOW()
			 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
			ref.ID, ref.OwnerID, nullIfEmpty(c.Category), nullIfEmpty(c.Subcategory), c.Colors,
			nullIfEmpty(c.Pattern), nullIfEmpty(c.Fit), nullIfEmpty(c.Fabric), nullIfEmpty(c.Season),
			c.Embedding, c.Confidence)
	case e.Outfit != nil:
		r := e.Outfit
		tag, err = s.pool.Exec(ctx,
			`UPDATE outfits
			 SET rating = $3, color_score = $4, proportion_score = $5, style_score = $6,
			     ai_feedback = $7, updated_at = NOW()
			 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
			ref.ID, ref.OwnerID, r.Rating, r.ColorScore, r.ProportionScore, r.StyleScore,
			nullIfEmpty(r.Feedback))
	default:
		return fmt.Errorf("apply enrichment to %s: empty enrichment", ref)
	}
	if err != nil {
		return fmt.Errorf("apply enrichment to %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
