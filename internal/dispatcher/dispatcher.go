// Package dispatcher drives enrichment jobs from pending to a terminal state.
//
// Each tick reaps expired processing leases, then for every enabled task type
// claims up to a batch of the oldest pending jobs and runs them concurrently.
// A job's failure is recorded on that job alone; siblings in the batch are
// unaffected and the tick waits for all of them to settle.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/wardrobe/internal/cache"
	"github.com/kiranshivaraju/wardrobe/internal/inference"
	"github.com/kiranshivaraju/wardrobe/internal/store"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
	"golang.org/x/sync/semaphore"
)

// finalizeTimeout bounds the terminal store write and the status mirror write for one job.
const finalizeTimeout = 10 * time.Second

// Config tunes a Dispatcher. Zero values fall back to the defaults in New.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxInFlight  int
	LeaseTimeout time.Duration
	StatusTTL    time.Duration
	TaskTypes    []models.TaskType
}

// Stats are cumulative counters since the Dispatcher was created.
type Stats struct {
	Ticks     int64 `json:"ticks"`
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Reaped    int64 `json:"reaped"`
	InFlight  int64 `json:"in_flight"`
}

// TickReport summarises one tick.
type TickReport struct {
	Reaped    int `json:"reaped"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeFailed
)

// Dispatcher is the job poller. It owns the recurring tick and its lifecycle.
type Dispatcher struct {
	store   store.Store
	invoker inference.Invoker
	cache   cache.Cache
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	slots    *semaphore.Weighted
	inflight tracker

	ticks, claimed, completed, failed, skipped, reaped atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Dispatcher. ca may be nil, in which case no status mirror is written.
func New(st store.Store, invoker inference.Invoker, ca cache.Cache, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.MaxInFlight < cfg.BatchSize {
		cfg.MaxInFlight = cfg.BatchSize
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 2 * time.Minute
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 30 * time.Minute
	}
	if len(cfg.TaskTypes) == 0 {
		cfg.TaskTypes = models.TaskTypes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   st,
		invoker: invoker,
		cache:   ca,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		slots:   semaphore.NewWeighted(int64(cfg.MaxInFlight)),
	}
}

// Start runs one tick immediately, then one per PollInterval until Stop is called
// or ctx is cancelled. Calling Start on a running Dispatcher does nothing.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	d.logger.Info("starting dispatcher",
		"interval", d.cfg.PollInterval.String(),
		"batch_size", d.cfg.BatchSize,
		"max_in_flight", d.cfg.MaxInFlight,
		"task_types", d.cfg.TaskTypes,
	)
	go d.loop(loopCtx, d.done)
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatcher tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop halts the recurring tick and waits for in-flight jobs to finish or time out.
// It returns ctx.Err() if ctx ends first; the jobs keep running in that case.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn("dispatcher stop timed out waiting for the current tick", "in_flight", d.inflight.count())
			return ctx.Err()
		}
	}

	select {
	case <-d.inflight.idle():
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out with jobs in flight", "in_flight", d.inflight.count())
		return ctx.Err()
	}
}

// Stats returns a snapshot of the cumulative counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Ticks:     d.ticks.Load(),
		Claimed:   d.claimed.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Skipped:   d.skipped.Load(),
		Reaped:    d.reaped.Load(),
		InFlight:  int64(d.inflight.count()),
	}
}

// Tick runs one discovery-and-dispatch cycle and waits for every job it started.
// Ticks may overlap; the conditional claim keeps each job single-owner and the
// in-flight cap bounds total concurrent work. Discovery errors abandon that task
// type for this tick and are returned joined once all started jobs have settled.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	if err := ctx.Err(); err != nil {
		return TickReport{}, err
	}
	d.ticks.Add(1)

	var report TickReport
	report.Reaped = d.reap(ctx)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
	)
	for _, taskType := range d.cfg.TaskTypes {
		if ctx.Err() != nil {
			break
		}

		jobs, err := d.discover(ctx, taskType)
		if err != nil {
			d.logger.Error("fetching pending jobs", "task_type", taskType, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", taskType, err))
			continue
		}

		for _, job := range jobs {
			wg.Add(1)
			d.inflight.add()
			go func(job *models.EnrichmentJob) {
				defer wg.Done()
				defer d.inflight.done()
				defer d.slots.Release(1)

				out := d.process(ctx, job)

				mu.Lock()
				defer mu.Unlock()
				switch out {
				case outcomeCompleted:
					report.Claimed++
					report.Completed++
				case outcomeFailed:
					report.Claimed++
					report.Failed++
				default:
					report.Skipped++
				}
			}(job)
		}
	}
	wg.Wait()

	if report.Claimed+report.Skipped+report.Reaped > 0 {
		d.logger.Info("dispatcher tick settled",
			"claimed", report.Claimed,
			"completed", report.Completed,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"reaped", report.Reaped,
		)
	}
	return report, errors.Join(errs...)
}

// discover reserves in-flight slots for up to one batch and fetches that many
// pending jobs. Slots left unused are released before returning.
func (d *Dispatcher) discover(ctx context.Context, taskType models.TaskType) ([]*models.EnrichmentJob, error) {
	reserved := 0
	for reserved < d.cfg.BatchSize && d.slots.TryAcquire(1) {
		reserved++
	}
	if reserved == 0 {
		d.logger.Debug("in-flight cap reached, skipping discovery", "task_type", taskType)
		return nil, nil
	}

	jobs, err := d.store.FetchPending(ctx, taskType, reserved)
	if err != nil {
		d.slots.Release(int64(reserved))
		return nil, err
	}
	if len(jobs) > reserved {
		jobs = jobs[:reserved]
	}
	if unused := reserved - len(jobs); unused > 0 {
		d.slots.Release(int64(unused))
	}
	return jobs, nil
}

// reap fails processing jobs whose lease has expired, so a crashed attempt is
// never left in processing forever.
func (d *Dispatcher) reap(ctx context.Context) int {
	msg := fmt.Sprintf("processing lease expired after %s without a result", d.cfg.LeaseTimeout)
	jobs, err := d.store.FailExpiredLeases(ctx, d.now(), msg)
	if err != nil {
		d.logger.Error("reaping expired leases", "error", err)
		return 0
	}
	for _, job := range jobs {
		d.logger.Warn("reaped job with expired lease",
			"job_id", job.ID,
			"task_type", job.TaskType,
			"subject_id", job.SubjectID,
		)
		d.mirror(ctx, job.Subject(), models.StatusOf(job))
	}
	d.reaped.Add(int64(len(jobs)))
	return len(jobs)
}

// mirror writes the subject's AI status to the cache. Failures are logged only;
// the store stays the source of truth.
func (d *Dispatcher) mirror(ctx context.Context, ref models.SubjectRef, status models.AIStatus) {
	if d.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := d.cache.SetAIStatus(ctx, ref, status, d.cfg.StatusTTL); err != nil {
		d.logger.Debug("mirroring ai status", "subject_id", ref.ID, "task_type", ref.TaskType, "error", err)
	}
}

// tracker counts running jobs and exposes a channel that is closed while none run.
type tracker struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.zero = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.zero)
	}
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *tracker) idle() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		c := make(chan struct{})
		close(c)
		return c
	}
	return t.zero
}
