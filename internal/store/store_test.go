package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/wardrobe/internal/store"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool and its URL.
func setupTestDB(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("wardrobe_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool, connStr
}

func seedItem(t *testing.T, pool *pgxpool.Pool, owner uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO wardrobe_items (id, user_id, image_url) VALUES ($1, $2, $3)`,
		id, owner, "https://cdn.example.com/items/"+id.String()+".jpg")
	require.NoError(t, err)
	return id
}

func seedOutfit(t *testing.T, pool *pgxpool.Pool, owner uuid.UUID, items ...uuid.UUID) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	_, err := pool.Exec(ctx, `INSERT INTO outfits (id, user_id, name) VALUES ($1, $2, 'weekend')`, id, owner)
	require.NoError(t, err)
	for i, item := range items {
		_, err := pool.Exec(ctx,
			`INSERT INTO outfit_items (outfit_id, item_id, position) VALUES ($1, $2, $3)`, id, item, i)
		require.NoError(t, err)
	}
	return id
}

func createJob(t *testing.T, s store.Store, ref models.SubjectRef, createdAt time.Time) *models.EnrichmentJob {
	t.Helper()
	job := models.NewEnrichmentJob(ref)
	job.CreatedAt = createdAt
	job.UpdatedAt = createdAt
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func itemRef(id, owner uuid.UUID) models.SubjectRef {
	return models.SubjectRef{ID: id, OwnerID: owner, TaskType: models.TaskClothingClassification}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	_, connStr := setupTestDB(t)

	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	version, dirty, err := store.MigrationVersion(connStr, migrationsDir())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

// --- Job Tests ---

func TestJob_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()

	job := createJob(t, s, itemRef(seedItem(t, pool, owner), owner), time.Now().UTC())

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, job.SubjectID, got.SubjectID)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.ClaimedAt)
}

func TestJob_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_DuplicateActiveJobRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	ref := itemRef(seedItem(t, pool, owner), owner)

	first := createJob(t, s, ref, time.Now().UTC())
	err := s.CreateJob(ctx, models.NewEnrichmentJob(ref))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	// Once the first job is terminal, the subject can be enriched again.
	require.NoError(t, s.MarkProcessing(ctx, first.ID, time.Now().Add(time.Minute)))
	require.NoError(t, s.MarkFailed(ctx, first.ID, "boom", 3))
	require.NoError(t, s.CreateJob(ctx, models.NewEnrichmentJob(ref)))
}

func TestFetchPending_OldestFirstWithLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	var ids []uuid.UUID
	for i := 0; i < 7; i++ {
		job := createJob(t, s, itemRef(seedItem(t, pool, owner), owner), base.Add(time.Duration(i)*time.Second))
		ids = append(ids, job.ID)
	}
	// Different task type is never returned.
	createJob(t, s, models.SubjectRef{ID: seedOutfit(t, pool, owner), OwnerID: owner, TaskType: models.TaskOutfitRating}, base.Add(-time.Minute))
	// A claimed job is not pending any more.
	require.NoError(t, s.MarkProcessing(ctx, ids[0], time.Now().Add(time.Minute)))

	jobs, err := s.FetchPending(ctx, models.TaskClothingClassification, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 5)
	for i, j := range jobs {
		assert.Equal(t, ids[i+1], j.ID)
		assert.Equal(t, models.JobStatusPending, j.Status)
	}
}

func TestFetchPending_ZeroLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	jobs, err := s.FetchPending(context.Background(), models.TaskClothingClassification, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestMarkProcessing_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	job := createJob(t, s, itemRef(seedItem(t, pool, owner), owner), time.Now().UTC())

	const claimers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		claimed int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.MarkProcessing(ctx, job.ID, time.Now().Add(time.Minute))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, store.ErrAlreadyClaimed):
				claimed++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, claimers-1, claimed)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	require.NotNil(t, got.ClaimedAt)
	require.NotNil(t, got.LeaseExpiresAt)
}

func TestMarkProcessing_MissingJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.MarkProcessing(context.Background(), uuid.New(), time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkCompleted_ResultRoundTripsExactly(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	job := createJob(t, s, itemRef(seedItem(t, pool, owner), owner), time.Now().UTC())

	raw := json.RawMessage(`{"category":"jacket","colors":["navy"],"confidence":0.91,"model_version":"2.3"}`)
	require.NoError(t, s.MarkProcessing(ctx, job.ID, time.Now().Add(time.Minute)))
	require.NoError(t, s.MarkCompleted(ctx, job.ID, store.Completion{Result: raw, DurationMS: 1234, ModelVersion: "2.3"}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, string(raw), string(got.Result))
	require.NotNil(t, got.ProcessingTimeMS)
	assert.Equal(t, int64(1234), *got.ProcessingTimeMS)
	require.NotNil(t, got.ModelVersion)
	assert.Equal(t, "2.3", *got.ModelVersion)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.LeaseExpiresAt)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	job := createJob(t, s, itemRef(seedItem(t, pool, owner), owner), time.Now().UTC())

	// pending -> completed skips processing.
	err := s.MarkCompleted(ctx, job.ID, store.Completion{Result: json.RawMessage(`{}`), DurationMS: 1})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	require.NoError(t, s.MarkProcessing(ctx, job.ID, time.Now().Add(time.Minute)))
	require.NoError(t, s.MarkFailed(ctx, job.ID, "AI service timed out after 30 seconds", 30001))

	err = s.MarkCompleted(ctx, job.ID, store.Completion{Result: json.RawMessage(`{}`), DurationMS: 1})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "failed -> completed")

	err = s.MarkFailed(ctx, job.ID, "again", 1)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	err = s.MarkProcessing(ctx, job.ID, time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.NotErrorIs(t, err, store.ErrAlreadyClaimed)
	assert.Contains(t, err.Error(), "failed -> processing")

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "AI service timed out after 30 seconds", *got.ErrorMessage)
	assert.Nil(t, got.Result)
}

func TestMarkProcessing_HeldJobIsAlreadyClaimed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	job := createJob(t, s, itemRef(seedItem(t, pool, owner), owner), time.Now().UTC())

	require.NoError(t, s.MarkProcessing(ctx, job.ID, time.Now().Add(time.Minute)))

	err := s.MarkProcessing(ctx, job.ID, time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, store.ErrAlreadyClaimed)
	assert.NotErrorIs(t, err, store.ErrInvalidTransition)
}

func TestFailExpiredLeases(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	now := time.Now().UTC()

	expired := createJob(t, s, itemRef(seedItem(t, pool, owner), owner), now)
	live := createJob(t, s, itemRef(seedItem(t, pool, owner), owner), now)
	pending := createJob(t, s, itemRef(seedItem(t, pool, owner), owner), now)

	require.NoError(t, s.MarkProcessing(ctx, expired.ID, now.Add(-time.Second)))
	require.NoError(t, s.MarkProcessing(ctx, live.ID, now.Add(time.Hour)))

	reaped, err := s.FailExpiredLeases(ctx, now, "processing lease expired")
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, expired.ID, reaped[0].ID)
	assert.Equal(t, models.JobStatusFailed, reaped[0].Status)
	require.NotNil(t, reaped[0].ProcessingTimeMS)
	assert.Positive(t, *reaped[0].ProcessingTimeMS)

	got, err := s.GetJob(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)

	got, err = s.GetJob(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)

	// A late finisher on a reaped job records nothing.
	err = s.MarkCompleted(ctx, expired.ID, store.Completion{Result: json.RawMessage(`{}`), DurationMS: 5})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestLatestJobForSubject(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	ref := itemRef(seedItem(t, pool, owner), owner)

	_, err := s.LatestJobForSubject(ctx, ref)
	assert.ErrorIs(t, err, store.ErrNotFound)

	old := createJob(t, s, ref, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, s.MarkProcessing(ctx, old.ID, time.Now().Add(time.Minute)))
	require.NoError(t, s.MarkFailed(ctx, old.ID, "boom", 1))
	recent := createJob(t, s, ref, time.Now().UTC())

	got, err := s.LatestJobForSubject(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, recent.ID, got.ID)

	// Another user cannot see the job.
	_, err = s.LatestJobForSubject(ctx, itemRef(ref.ID, uuid.New()))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCountJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()

	createJob(t, s, itemRef(seedItem(t, pool, owner), owner), time.Now().UTC())
	createJob(t, s, itemRef(seedItem(t, pool, owner), owner), time.Now().UTC())
	done := createJob(t, s, itemRef(seedItem(t, pool, owner), owner), time.Now().UTC())
	require.NoError(t, s.MarkProcessing(ctx, done.ID, time.Now().Add(time.Minute)))

	counts, err := s.CountJobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []store.JobCount{
		{TaskType: models.TaskClothingClassification, Status: models.JobStatusPending, Count: 2},
		{TaskType: models.TaskClothingClassification, Status: models.JobStatusProcessing, Count: 1},
	}, counts)
}

// --- Subject Tests ---

func TestFetchSubject_Item(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	id := seedItem(t, pool, owner)

	subj, err := s.FetchSubject(ctx, itemRef(id, owner))
	require.NoError(t, err)
	require.NotNil(t, subj.Item)
	assert.Equal(t, "https://cdn.example.com/items/"+id.String()+".jpg", subj.Item.ImageURL)
	assert.Nil(t, subj.Outfit)
}

func TestFetchSubject_DeletedItemNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	id := seedItem(t, pool, owner)

	_, err := pool.Exec(ctx, `UPDATE wardrobe_items SET deleted_at = NOW() WHERE id = $1`, id)
	require.NoError(t, err)

	_, err = s.FetchSubject(ctx, itemRef(id, owner))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFetchSubject_OutfitWithProfile(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	first, second, removed := seedItem(t, pool, owner), seedItem(t, pool, owner), seedItem(t, pool, owner)
	outfit := seedOutfit(t, pool, owner, first, removed, second)

	_, err := pool.Exec(ctx, `UPDATE wardrobe_items SET deleted_at = NOW() WHERE id = $1`, removed)
	require.NoError(t, err)
	_, err = pool.Exec(ctx,
		`INSERT INTO profiles (user_id, gender, height_cm, body_type) VALUES ($1, 'female', 168, 'hourglass')`, owner)
	require.NoError(t, err)

	subj, err := s.FetchSubject(ctx, models.SubjectRef{ID: outfit, OwnerID: owner, TaskType: models.TaskOutfitRating})
	require.NoError(t, err)
	require.NotNil(t, subj.Outfit)
	assert.Equal(t, []uuid.UUID{first, second}, subj.Outfit.ItemIDs)
	require.NotNil(t, subj.Outfit.Profile.Gender)
	assert.Equal(t, "female", *subj.Outfit.Profile.Gender)
	require.NotNil(t, subj.Outfit.Profile.HeightCM)
	assert.InDelta(t, 168.0, *subj.Outfit.Profile.HeightCM, 1e-9)
	assert.Nil(t, subj.Outfit.Profile.AgeRange)
}

func TestFetchSubject_OutfitWithoutProfile(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	owner := uuid.New()
	outfit := seedOutfit(t, pool, owner, seedItem(t, pool, owner))

	subj, err := s.FetchSubject(context.Background(), models.SubjectRef{ID: outfit, OwnerID: owner, TaskType: models.TaskOutfitRating})
	require.NoError(t, err)
	assert.Len(t, subj.Outfit.ItemIDs, 1)
	assert.Equal(t, models.UserProfile{}, subj.Outfit.Profile)
}

func TestFetchSubject_OtherOwnerNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	outfit := seedOutfit(t, pool, uuid.New())

	_, err := s.FetchSubject(context.Background(), models.SubjectRef{ID: outfit, OwnerID: uuid.New(), TaskType: models.TaskOutfitRating})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyEnrichment_Item(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	id := seedItem(t, pool, owner)
	conf := 0.87

	err := s.ApplyEnrichment(ctx, itemRef(id, owner), models.Enrichment{Item: &models.ClothingClassification{
		Category:   "top",
		Colors:     []string{"navy", "white"},
		Pattern:    "striped",
		Embedding:  []float32{0.25, -0.5},
		Confidence: &conf,
	}})
	require.NoError(t, err)

	var (
		category  string
		colors    []string
		embedding []float32
		fit       *string
	)
	err = pool.QueryRow(ctx, `SELECT category, colors, embedding, fit FROM wardrobe_items WHERE id = $1`, id).
		Scan(&category, &colors, &embedding, &fit)
	require.NoError(t, err)
	assert.Equal(t, "top", category)
	assert.Equal(t, []string{"navy", "white"}, colors)
	assert.Equal(t, []float32{0.25, -0.5}, embedding)
	assert.Nil(t, fit)
}

func TestApplyEnrichment_Outfit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	outfit := seedOutfit(t, pool, owner, seedItem(t, pool, owner))
	rating := 8.5

	err := s.ApplyEnrichment(ctx, models.SubjectRef{ID: outfit, OwnerID: owner, TaskType: models.TaskOutfitRating},
		models.Enrichment{Outfit: &models.OutfitRating{Rating: &rating, Feedback: "Strong contrast"}})
	require.NoError(t, err)

	var (
		got      float64
		feedback string
	)
	err = pool.QueryRow(ctx, `SELECT rating, ai_feedback FROM outfits WHERE id = $1`, outfit).Scan(&got, &feedback)
	require.NoError(t, err)
	assert.InDelta(t, 8.5, got, 1e-9)
	assert.Equal(t, "Strong contrast", feedback)
}

func TestApplyEnrichment_DeletedSubject(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := uuid.New()
	id := seedItem(t, pool, owner)
	_, err := pool.Exec(ctx, `UPDATE wardrobe_items SET deleted_at = NOW() WHERE id = $1`, id)
	require.NoError(t, err)

	err = s.ApplyEnrichment(ctx, itemRef(id, owner), models.Enrichment{Item: &models.ClothingClassification{Category: "top"}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
