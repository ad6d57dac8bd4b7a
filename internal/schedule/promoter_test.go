package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/willowmind/BookPipe/internal/store"
)

func TestPromoterScanPromotesAndExecutes(t *testing.T) {
	s := newTestStore(t)
	registry := NewRegistry()

	var calls atomic.Int32
	registry.Register("scan_kind", func(_ context.Context, _ string) error {
		calls.Add(1)
		return nil
	})

	d := NewDispatcher(s, registry)
	defer d.Stop()
	p := NewPromoter(s, d)

	due, _, err := s.EnqueueJob("scan_kind", `{}`, "", time.Now().Add(10*time.Minute), 0, 3)
	if err != nil {
		t.Fatalf("EnqueueJob due failed: %v", err)
	}
	far, _, err := s.EnqueueJob("scan_kind", `{"far":true}`, "", time.Now().Add(48*time.Hour), 0, 3)
	if err != nil {
		t.Fatalf("EnqueueJob far failed: %v", err)
	}

	p.Scan()

	// The due job gets a timer for its actual run time; it is promoted now
	// but fires later.
	got, _ := s.GetJob(due.ID)
	if got.Status != store.JobStatusPromoted {
		t.Errorf("due job status = %q, want promoted", got.Status)
	}
	if d.ActiveTimers() != 1 {
		t.Errorf("ActiveTimers = %d, want 1", d.ActiveTimers())
	}

	// The far job stays untouched
	got, _ = s.GetJob(far.ID)
	if got.Status != store.JobStatusPending {
		t.Errorf("far job status = %q, want pending", got.Status)
	}
	if calls.Load() != 0 {
		t.Errorf("handler ran early, calls = %d", calls.Load())
	}
}

func TestPromoterScanRunsOverdueJobs(t *testing.T) {
	s := newTestStore(t)
	registry := NewRegistry()

	var calls atomic.Int32
	registry.Register("overdue_kind", func(_ context.Context, _ string) error {
		calls.Add(1)
		return nil
	})

	d := NewDispatcher(s, registry)
	defer d.Stop()
	p := NewPromoter(s, d)

	job, _, err := s.EnqueueJob("overdue_kind", `{}`, "", time.Now().Add(-time.Minute), 0, 3)
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	p.Scan()

	waitForStatus(t, s, job.ID, store.JobStatusDone)
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
}

func TestPromoterScanReclaimsStaleJobs(t *testing.T) {
	s := newTestStore(t)
	registry := NewRegistry()

	var calls atomic.Int32
	registry.Register("stale_kind", func(_ context.Context, _ string) error {
		calls.Add(1)
		return nil
	})

	d := NewDispatcher(s, registry)
	defer d.Stop()
	p := NewPromoter(s, d)
	p.staleAfter = 10 * time.Millisecond

	// Simulate a crash: the job was promoted by a previous process whose
	// timer died with it.
	job, _, err := s.EnqueueJob("stale_kind", `{}`, "", time.Now().Add(-time.Minute), 0, 3)
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if ok, err := s.PromoteJob(job.ID); err != nil || !ok {
		t.Fatalf("PromoteJob = (%v, %v)", ok, err)
	}

	time.Sleep(50 * time.Millisecond)
	p.Scan()

	waitForStatus(t, s, job.ID, store.JobStatusDone)
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
}

func TestPromoterRecoverStaleJobs(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(s, NewRegistry())
	defer d.Stop()
	p := NewPromoter(s, d)
	p.staleAfter = 10 * time.Millisecond

	job, _, err := s.EnqueueJob("any_kind", `{}`, "", time.Now(), 0, 3)
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if ok, err := s.PromoteJob(job.ID); err != nil || !ok {
		t.Fatalf("PromoteJob = (%v, %v)", ok, err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := p.RecoverStaleJobs(); err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}

	got, _ := s.GetJob(job.ID)
	if got.Status != store.JobStatusPending {
		t.Errorf("status = %q, want pending after recovery", got.Status)
	}
}

func TestPromoterStartStop(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(s, NewRegistry())
	defer d.Stop()
	p := NewPromoter(s, d)

	if err := p.Start("bogus schedule"); err == nil {
		t.Error("Start should reject an invalid schedule")
	}
	if err := p.Start("@every 1h"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Start("@every 1h"); err == nil {
		t.Error("second Start should fail while running")
	}
	p.Stop()
	// Stop is idempotent
	p.Stop()
}
