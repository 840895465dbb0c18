package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rega1237/renova-crm-sub000/v1/loader"
)

// Mode defines auditor behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// Auditor periodically compares the session projection against authoritative
// lane counts. Echo suppression and idempotent applies make drift unlikely
// but not impossible; the auditor is the safety net that catches it.
type Auditor struct {
	session    *Session
	loader     *loader.Loader
	mode       Mode
	interval   time.Duration
	mismatches uint64
}

// NewAuditor creates a new Auditor over a running session.
func NewAuditor(s *Session, l *loader.Loader, mode Mode, interval time.Duration) *Auditor {
	return &Auditor{session: s, loader: l, mode: mode, interval: interval}
}

// Run starts the audit loop.
func (a *Auditor) Run(ctx context.Context) {
	if a.mode == ModeNoop {
		return
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scan(ctx)
		}
	}
}

func (a *Auditor) scan(ctx context.Context) {
	if a.session.State() != StateConnected {
		return
	}
	counts, err := a.loader.Counts(ctx, a.session.cfg.Filters)
	if err != nil {
		return
	}
	view := a.session.Snapshot()
	drift := false
	for lane, want := range counts {
		if view.Counts[lane] != want {
			drift = true
			break
		}
	}
	if !drift {
		return
	}
	atomic.AddUint64(&a.mismatches, 1)
	if a.mode == ModeAutoHeal {
		_ = a.session.Refresh(ctx)
	}
}

// Mismatches returns the number of drifts detected.
func (a *Auditor) Mismatches() uint64 {
	return atomic.LoadUint64(&a.mismatches)
}
