package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/willowmind/BookPipe/internal/store"
)

// Dispatcher configuration defaults.
const (
	// DefaultMaxConcurrent bounds how many handlers run at once.
	DefaultMaxConcurrent = 8
	// DefaultExecTimeout cancels a single handler execution that blocks too
	// long on network or database calls.
	DefaultExecTimeout = 2 * time.Minute
	// DefaultRetryBaseDelay seeds the exponential retry backoff: 30s, 60s, 120s, ...
	DefaultRetryBaseDelay = 30 * time.Second
)

// timerEntry tracks information about one armed in-memory timer.
type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
}

// Dispatcher is the fast in-memory execution layer. It holds time.AfterFunc
// timers only for jobs due within the promotion horizon; the durable job
// record remains the authority the whole time, so losing a timer to a crash
// only delays the job until the next promotion scan.
type Dispatcher struct {
	jobs     store.JobRepo
	registry *Registry

	mu      sync.Mutex
	timers  map[string]*timerEntry // keyed by job ID
	stopped bool

	sem         *semaphore.Weighted
	execTimeout time.Duration
	wg          sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxConcurrent sets the concurrent handler execution bound.
func WithMaxConcurrent(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithExecTimeout sets the per-handler execution timeout.
func WithExecTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.execTimeout = timeout
		}
	}
}

// NewDispatcher creates a Dispatcher executing handlers from the registry and
// reporting outcomes to the job repo.
func NewDispatcher(jobs store.JobRepo, registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		jobs:        jobs,
		registry:    registry,
		timers:      make(map[string]*timerEntry),
		sem:         semaphore.NewWeighted(DefaultMaxConcurrent),
		execTimeout: DefaultExecTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit arms a timer for a promoted job. Returns false if the dispatcher is
// stopped; the caller must leave the durable record for the next promotion
// scan rather than treating this as job failure.
func (d *Dispatcher) Submit(job store.Job) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		slog.Warn("Dispatcher.Submit: dispatcher stopped, job deferred to durable store", "id", job.ID, "kind", job.Kind)
		return false
	}
	if _, exists := d.timers[job.ID]; exists {
		d.mu.Unlock()
		slog.Debug("Dispatcher.Submit: timer already armed", "id", job.ID)
		return true
	}

	delay := time.Until(job.RunAt)
	if delay < 0 {
		delay = 0
	}
	now := time.Now()
	d.timers[job.ID] = &timerEntry{
		timer:       time.AfterFunc(delay, func() { d.fire(job) }),
		scheduledAt: now,
		expiresAt:   now.Add(delay),
	}
	d.mu.Unlock()

	slog.Debug("Dispatcher.Submit: timer armed", "id", job.ID, "kind", job.Kind, "delay", delay)
	return true
}

// CancelTimer disarms a job's timer if one is armed. The durable record's
// status transition is the real cancellation guard; this only frees the
// in-memory entry early.
func (d *Dispatcher) CancelTimer(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, exists := d.timers[jobID]; exists {
		entry.timer.Stop()
		delete(d.timers, jobID)
		slog.Debug("Dispatcher.CancelTimer", "id", jobID)
	}
}

// ActiveTimers returns how many timers are currently armed.
func (d *Dispatcher) ActiveTimers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Running reports whether the dispatcher accepts submissions.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.stopped
}

// Stop disarms all timers and waits for in-flight handlers to finish.
// Jobs whose timers were disarmed stay promoted in the durable store and are
// resumed by the next process via the stale-job requeue.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	count := len(d.timers)
	for id, entry := range d.timers {
		entry.timer.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()

	slog.Info("Dispatcher.Stop: timers disarmed, waiting for in-flight handlers", "disarmed", count)
	d.wg.Wait()
	slog.Info("Dispatcher.Stop: stopped")
}

// fire runs when a job's timer expires.
func (d *Dispatcher) fire(job store.Job) {
	d.mu.Lock()
	delete(d.timers, job.ID)
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		d.execute(job)
	}()
}

// execute performs one job attempt. Handler errors are logged and fed into
// the attempt counter; they never propagate out of the dispatcher.
func (d *Dispatcher) execute(job store.Job) {
	// Status transition is the cross-process claim: if the job was cancelled
	// or picked up elsewhere since the timer was armed, skip silently.
	ok, err := d.jobs.MarkJobRunning(job.ID)
	if err != nil {
		slog.Error("Dispatcher.execute: mark running failed", "id", job.ID, "error", err)
		return
	}
	if !ok {
		slog.Debug("Dispatcher.execute: job no longer promoted, skipping", "id", job.ID, "kind", job.Kind)
		return
	}

	handler, found := d.registry.Resolve(job.Kind)
	if !found {
		slog.Error("Dispatcher.execute: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := d.jobs.FailJobPermanently(job.ID, "no handler registered for kind: "+job.Kind); err != nil {
			slog.Error("Dispatcher.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.execTimeout)
	defer cancel()

	slog.Debug("Dispatcher.execute: running job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := handler(ctx, job.PayloadJSON); err != nil {
		if IsTerminal(err) {
			slog.Error("Dispatcher.execute: job failed terminally", "id", job.ID, "kind", job.Kind, "error", err)
			if ferr := d.jobs.FailJobPermanently(job.ID, err.Error()); ferr != nil {
				slog.Error("Dispatcher.execute: fail job error", "id", job.ID, "error", ferr)
			}
			return
		}
		backoff := DefaultRetryBaseDelay * (1 << job.Attempt)
		nextRun := time.Now().Add(backoff)
		slog.Error("Dispatcher.execute: job failed, scheduling retry", "id", job.ID, "kind", job.Kind, "error", err, "backoff", backoff)
		if ferr := d.jobs.FailJob(job.ID, err.Error(), nextRun); ferr != nil {
			slog.Error("Dispatcher.execute: fail job error", "id", job.ID, "error", ferr)
		}
		return
	}

	if err := d.jobs.CompleteJob(job.ID); err != nil {
		slog.Error("Dispatcher.execute: complete job error", "id", job.ID, "error", err)
		return
	}
	slog.Debug("Dispatcher.execute: job completed", "id", job.ID, "kind", job.Kind)
}
