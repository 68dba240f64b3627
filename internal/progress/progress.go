// Package progress holds the live snapshot of the in-flight dispatch.
//
// Exactly one writer exists at a time (the active dispatch); readers get a
// value copy and never block. After a dispatch terminates the final snapshot
// is held for a grace period so dashboards can observe 100% before it resets
// to the inactive zero state.
package progress

import (
	"math"
	"sync"
	"time"
)

type Snapshot struct {
	Active    bool
	Percent   int
	Campaign  string
	Total     int
	Processed int
}

type Publisher struct {
	mu    sync.RWMutex
	cur   Snapshot
	grace time.Duration
	reset *time.Timer
}

func NewPublisher(grace time.Duration) *Publisher {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Publisher{grace: grace}
}

// Begin activates the snapshot for a new dispatch, cancelling any pending
// grace-period reset from the previous one.
func (p *Publisher) Begin(campaign string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reset != nil {
		p.reset.Stop()
		p.reset = nil
	}
	p.cur = Snapshot{Active: true, Campaign: campaign, Total: total}
}

// Update records that processed recipients have been attempted so far.
func (p *Publisher) Update(processed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cur.Active {
		return
	}
	p.cur.Processed = processed
	p.cur.Percent = percent(processed, p.cur.Total)
}

// Finish freezes the final snapshot and schedules the reset to the inactive
// zero state after the grace period.
func (p *Publisher) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cur.Active {
		return
	}
	if p.reset != nil {
		p.reset.Stop()
	}
	p.reset = time.AfterFunc(p.grace, func() {
		p.mu.Lock()
		p.cur = Snapshot{}
		p.reset = nil
		p.mu.Unlock()
	})
}

// Snapshot returns the last written value. It never blocks and never fails;
// the zero value means no dispatch has run (or the last one has been reset).
func (p *Publisher) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

func percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	v := int(math.Round(float64(processed) / float64(total) * 100))
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
