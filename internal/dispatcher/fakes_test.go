package dispatcher_test

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/wardrobe/internal/store"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
)

// memStore is an in-memory store.Store with the same conditional transition
// semantics as the Postgres implementation.
type memStore struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*models.EnrichmentJob
	transitions map[uuid.UUID][]models.JobStatus
	items       map[uuid.UUID]models.ItemProjection
	outfits     map[uuid.UUID]models.OutfitProjection
	applied     map[uuid.UUID]models.Enrichment

	fetchPendingErr error
	staleSnapshot   []*models.EnrichmentJob
	applyErr        error
	completeErr     error
	fetchCalls      []int
	seq             time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		jobs:        make(map[uuid.UUID]*models.EnrichmentJob),
		transitions: make(map[uuid.UUID][]models.JobStatus),
		items:       make(map[uuid.UUID]models.ItemProjection),
		outfits:     make(map[uuid.UUID]models.OutfitProjection),
		applied:     make(map[uuid.UUID]models.Enrichment),
	}
}

// addItemJob seeds a wardrobe item and a pending classification job for it.
func (m *memStore) addItemJob(owner uuid.UUID, imageURL string) *models.EnrichmentJob {
	itemID := uuid.New()
	m.mu.Lock()
	m.items[itemID] = models.ItemProjection{ImageURL: imageURL}
	m.mu.Unlock()
	return m.addJob(models.SubjectRef{ID: itemID, OwnerID: owner, TaskType: models.TaskClothingClassification})
}

func (m *memStore) addOutfitJob(owner uuid.UUID, outfit models.OutfitProjection) *models.EnrichmentJob {
	outfitID := uuid.New()
	m.mu.Lock()
	m.outfits[outfitID] = outfit
	m.mu.Unlock()
	return m.addJob(models.SubjectRef{ID: outfitID, OwnerID: owner, TaskType: models.TaskOutfitRating})
}

func (m *memStore) addJob(ref models.SubjectRef) *models.EnrichmentJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := models.NewEnrichmentJob(ref)
	m.seq += time.Millisecond
	job.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(m.seq)
	m.jobs[job.ID] = job
	return job
}

func (m *memStore) deleteSubject(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	delete(m.outfits, id)
}

func (m *memStore) job(id uuid.UUID) models.EnrichmentJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) history(id uuid.UUID) []models.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobStatus(nil), m.transitions[id]...)
}

func (m *memStore) enrichment(id uuid.UUID) (models.Enrichment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.applied[id]
	return e, ok
}

func (m *memStore) countByStatus(status models.JobStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}

func (m *memStore) Ping(_ context.Context) error { return nil }

func (m *memStore) CreateJob(_ context.Context, job *models.EnrichmentJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.SubjectID == job.SubjectID && j.TaskType == job.TaskType && !j.Status.IsTerminal() {
			return store.ErrDuplicateKey
		}
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.EnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) LatestJobForSubject(_ context.Context, ref models.SubjectRef) (*models.EnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.EnrichmentJob
	for _, j := range m.jobs {
		if j.Subject() == ref && (latest == nil || j.CreatedAt.After(latest.CreatedAt)) {
			latest = j
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) CountJobs(_ context.Context) ([]store.JobCount, error) {
	return nil, nil
}

func (m *memStore) FetchPending(_ context.Context, taskType models.TaskType, limit int) ([]*models.EnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls = append(m.fetchCalls, limit)
	if m.fetchPendingErr != nil {
		return nil, m.fetchPendingErr
	}
	if m.staleSnapshot != nil {
		return m.staleSnapshot, nil
	}
	var out []*models.EnrichmentJob
	for _, j := range m.jobs {
		if j.TaskType == taskType && j.Status == models.JobStatusPending {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) transition(id uuid.UUID, to models.JobStatus, mutate func(j *models.EnrichmentJob)) error {
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !models.CanTransition(j.Status, to) {
		if to == models.JobStatusProcessing && !j.Status.IsTerminal() {
			return store.ErrAlreadyClaimed
		}
		return models.ValidateTransition(j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	mutate(j)
	m.transitions[id] = append(m.transitions[id], to)
	return nil
}

func (m *memStore) MarkProcessing(_ context.Context, id uuid.UUID, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.JobStatusProcessing, func(j *models.EnrichmentJob) {
		now := time.Now().UTC()
		j.ClaimedAt = &now
		j.LeaseExpiresAt = &leaseUntil
	})
}

func (m *memStore) MarkCompleted(_ context.Context, id uuid.UUID, c store.Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	return m.transition(id, models.JobStatusCompleted, func(j *models.EnrichmentJob) {
		j.Result = append(json.RawMessage(nil), c.Result...)
		ms, v := c.DurationMS, c.ModelVersion
		j.ProcessingTimeMS = &ms
		j.ModelVersion = &v
		j.LeaseExpiresAt = nil
	})
}

func (m *memStore) MarkFailed(_ context.Context, id uuid.UUID, message string, durationMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.JobStatusFailed, func(j *models.EnrichmentJob) {
		j.ErrorMessage = &message
		j.ProcessingTimeMS = &durationMS
		j.LeaseExpiresAt = nil
	})
}

func (m *memStore) FailExpiredLeases(_ context.Context, now time.Time, message string) ([]*models.EnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reaped []*models.EnrichmentJob
	for id, j := range m.jobs {
		if j.Status != models.JobStatusProcessing || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		ms := int64(1)
		_ = m.transition(id, models.JobStatusFailed, func(j *models.EnrichmentJob) {
			j.ErrorMessage = &message
			j.ProcessingTimeMS = &ms
			j.LeaseExpiresAt = nil
		})
		cp := *j
		reaped = append(reaped, &cp)
	}
	return reaped, nil
}

func (m *memStore) FetchSubject(_ context.Context, ref models.SubjectRef) (*models.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ref.TaskType {
	case models.TaskClothingClassification:
		item, ok := m.items[ref.ID]
		if !ok {
			return nil, store.ErrNotFound
		}
		return &models.Subject{Ref: ref, Item: &item}, nil
	default:
		outfit, ok := m.outfits[ref.ID]
		if !ok {
			return nil, store.ErrNotFound
		}
		return &models.Subject{Ref: ref, Outfit: &outfit}, nil
	}
}

func (m *memStore) ApplyEnrichment(_ context.Context, ref models.SubjectRef, e models.Enrichment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied[ref.ID] = e
	return nil
}

var _ store.Store = (*memStore)(nil)

// memCache records every mirrored status per subject.
type memCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID][]models.AIStatus
	err      error
}

func newMemCache() *memCache {
	return &memCache{statuses: make(map[uuid.UUID][]models.AIStatus)}
}

func (c *memCache) Ping(_ context.Context) error { return nil }

func (c *memCache) SetAIStatus(_ context.Context, ref models.SubjectRef, status models.AIStatus, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.statuses[ref.ID] = append(c.statuses[ref.ID], status)
	return nil
}

func (c *memCache) SetAIStatusNX(ctx context.Context, ref models.SubjectRef, status models.AIStatus, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	exists := len(c.statuses[ref.ID]) > 0
	c.mu.Unlock()
	if exists {
		return false, nil
	}
	return true, c.SetAIStatus(ctx, ref, status, ttl)
}

func (c *memCache) GetAIStatus(_ context.Context, ref models.SubjectRef) (*models.AIStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.statuses[ref.ID]
	if len(s) == 0 {
		return nil, false, nil
	}
	last := s[len(s)-1]
	return &last, true, nil
}

func (c *memCache) DeleteAIStatus(_ context.Context, ref models.SubjectRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, ref.ID)
	return nil
}

func (c *memCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

func (c *memCache) history(id uuid.UUID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.statuses[id] {
		out = append(out, s.Status)
	}
	return out
}
