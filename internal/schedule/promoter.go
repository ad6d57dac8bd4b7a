package schedule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/willowmind/BookPipe/internal/store"
)

// Promoter defaults.
const (
	// DefaultScanSchedule runs the promotion scan every two minutes.
	DefaultScanSchedule = "@every 2m"
	// DefaultScanLimit bounds how many jobs one scan promotes.
	DefaultScanLimit = 50
	// DefaultStaleThreshold is how long a promoted or running job may hold
	// its lock before crash recovery reclaims it.
	DefaultStaleThreshold = 5 * time.Minute
)

// Promoter periodically moves pending jobs whose run time has entered the
// near-term horizon from the durable store into the fast dispatcher. It also
// reclaims stale promoted/running jobs left behind by a crashed or restarted
// process. One promoter per process; concurrent scans are not needed because
// status transitions make promotion idempotent.
type Promoter struct {
	jobs       store.JobRepo
	dispatcher *Dispatcher
	horizon    time.Duration
	limit      int
	staleAfter time.Duration
	cron       *cron.Cron
}

// NewPromoter creates a Promoter feeding the given dispatcher.
func NewPromoter(jobs store.JobRepo, dispatcher *Dispatcher) *Promoter {
	return &Promoter{
		jobs:       jobs,
		dispatcher: dispatcher,
		horizon:    DefaultPromotionHorizon,
		limit:      DefaultScanLimit,
		staleAfter: DefaultStaleThreshold,
	}
}

// RecoverStaleJobs requeues jobs that were promoted or running when a
// previous process died. Should be called once at startup before Start.
func (p *Promoter) RecoverStaleJobs() error {
	staleBefore := time.Now().Add(-p.staleAfter)
	n, err := p.jobs.RequeueStaleJobs(staleBefore)
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		slog.Info("Promoter.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Start begins the periodic promotion scan on the given cron schedule
// (e.g. "@every 2m"). An empty schedule uses the default.
func (p *Promoter) Start(schedule string) error {
	if p.cron != nil {
		return fmt.Errorf("promoter already started")
	}
	if schedule == "" {
		schedule = DefaultScanSchedule
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, p.Scan); err != nil {
		return fmt.Errorf("invalid promotion scan schedule %q: %w", schedule, err)
	}
	c.Start()
	p.cron = c
	slog.Info("Promoter.Start: promotion scan started", "schedule", schedule, "horizon", p.horizon)
	return nil
}

// Stop stops the periodic scan and waits for a scan in progress to finish.
func (p *Promoter) Stop() {
	if p.cron == nil {
		return
	}
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.cron = nil
	slog.Info("Promoter.Stop: promotion scan stopped")
}

// Scan promotes pending jobs due within the horizon and submits them to the
// dispatcher. Safe to call directly (the scheduler's immediate path and the
// cron schedule both funnel through the same status transitions).
func (p *Promoter) Scan() {
	// Reclaim first so a crashed process' jobs are promotable in this pass.
	staleBefore := time.Now().Add(-p.staleAfter)
	if _, err := p.jobs.RequeueStaleJobs(staleBefore); err != nil {
		slog.Error("Promoter.Scan: stale requeue failed", "error", err)
	}

	horizon := time.Now().Add(p.horizon)
	jobs, err := p.jobs.PromoteDueJobs(horizon, p.limit)
	if err != nil {
		slog.Error("Promoter.Scan: promote query failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	slog.Debug("Promoter.Scan: promoting jobs", "count", len(jobs))
	for _, job := range jobs {
		if !p.dispatcher.Submit(job) {
			// Dispatcher shut down mid-scan; promoted records go stale and
			// the next process reclaims them.
			slog.Warn("Promoter.Scan: dispatch degraded", "id", job.ID)
		}
	}
}
