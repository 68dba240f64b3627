package progress

import (
	"testing"
	"time"
)

func TestZeroSnapshotIsInactive(t *testing.T) {
	p := NewPublisher(time.Second)
	snap := p.Snapshot()
	if snap.Active || snap.Campaign != "" || snap.Percent != 0 || snap.Total != 0 || snap.Processed != 0 {
		t.Fatalf("zero snapshot: %+v", snap)
	}
}

func TestUpdateComputesPercent(t *testing.T) {
	p := NewPublisher(time.Second)
	p.Begin("promo", 3)

	snap := p.Snapshot()
	if !snap.Active || snap.Campaign != "promo" || snap.Total != 3 || snap.Percent != 0 {
		t.Fatalf("after begin: %+v", snap)
	}

	p.Update(1)
	if got := p.Snapshot().Percent; got != 33 {
		t.Fatalf("1/3 percent = %d, want 33", got)
	}
	p.Update(2)
	if got := p.Snapshot().Percent; got != 67 {
		t.Fatalf("2/3 percent = %d, want 67", got)
	}
	p.Update(3)
	snap = p.Snapshot()
	if snap.Percent != 100 || snap.Processed != 3 {
		t.Fatalf("3/3 snapshot: %+v", snap)
	}
}

func TestPercentBounds(t *testing.T) {
	cases := []struct {
		processed, total, want int
	}{
		{0, 10, 0},
		{10, 10, 100},
		{15, 10, 100}, // clamped
		{1, 0, 0},     // no recipients
		{-1, 10, 0},   // clamped
	}
	for _, tc := range cases {
		if got := percent(tc.processed, tc.total); got != tc.want {
			t.Errorf("percent(%d, %d) = %d, want %d", tc.processed, tc.total, got, tc.want)
		}
	}
}

func TestFinishHoldsThenResets(t *testing.T) {
	p := NewPublisher(50 * time.Millisecond)
	p.Begin("promo", 2)
	p.Update(2)
	p.Finish()

	// Held during the grace period.
	snap := p.Snapshot()
	if !snap.Active || snap.Percent != 100 {
		t.Fatalf("snapshot right after finish: %+v", snap)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !p.Snapshot().Active {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap = p.Snapshot()
	if snap.Active || snap.Campaign != "" {
		t.Fatalf("snapshot after grace: %+v", snap)
	}
}

func TestBeginCancelsPendingReset(t *testing.T) {
	p := NewPublisher(30 * time.Millisecond)
	p.Begin("first", 1)
	p.Update(1)
	p.Finish()

	p.Begin("second", 4)
	time.Sleep(100 * time.Millisecond)

	snap := p.Snapshot()
	if !snap.Active || snap.Campaign != "second" || snap.Total != 4 {
		t.Fatalf("new dispatch snapshot was reset by stale timer: %+v", snap)
	}
}

func TestUpdateIgnoredWhenInactive(t *testing.T) {
	p := NewPublisher(time.Second)
	p.Update(5)
	if snap := p.Snapshot(); snap.Active || snap.Processed != 0 {
		t.Fatalf("inactive update leaked: %+v", snap)
	}
}
