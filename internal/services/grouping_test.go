package services

import (
	"sync"
	"testing"
	"time"

	"github.com/vigilops/vigil/internal/database"
)

func TestGrouping_OccurrencesWithinWindowFold(t *testing.T) {
	e := newTestEngine(t)
	window := 5 * time.Minute

	first, err := e.grouping.Ingest("fp-db-conn", t0, window)
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if !first.IsNew {
		t.Fatalf("expected first occurrence to open a group")
	}

	for _, offset := range []time.Duration{time.Minute, 4 * time.Minute} {
		d, err := e.grouping.Ingest("fp-db-conn", t0.Add(offset), window)
		if err != nil {
			t.Fatalf("ingest at +%s failed: %v", offset, err)
		}
		if d.IsNew || d.GroupID != first.GroupID {
			t.Errorf("expected fold into group %d at +%s, got new=%v id=%d", first.GroupID, offset, d.IsNew, d.GroupID)
		}
	}

	group, err := e.grouping.GetGroup(first.GroupID)
	if err != nil {
		t.Fatalf("failed to load group: %v", err)
	}
	if group.OccurrenceCount != 3 {
		t.Errorf("expected occurrence count 3, got %d", group.OccurrenceCount)
	}
	if !group.FirstOccurrenceAt.Equal(t0) {
		t.Errorf("expected first occurrence at t0, got %v", group.FirstOccurrenceAt)
	}
	if !group.LastOccurrenceAt.Equal(t0.Add(4 * time.Minute)) {
		t.Errorf("expected last occurrence at +4m, got %v", group.LastOccurrenceAt)
	}
}

func TestGrouping_WindowMeasuredFromLastOccurrence(t *testing.T) {
	e := newTestEngine(t)
	window := 5 * time.Minute

	first, _ := e.grouping.Ingest("fp-sliding", t0, window)
	// +4m folds, which slides the window: +8m is 4m after the last
	// occurrence and still folds even though it is 8m after the first.
	e.grouping.Ingest("fp-sliding", t0.Add(4*time.Minute), window)
	d, err := e.grouping.Ingest("fp-sliding", t0.Add(8*time.Minute), window)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if d.IsNew || d.GroupID != first.GroupID {
		t.Errorf("expected fold from sliding window, got new=%v", d.IsNew)
	}
}

func TestGrouping_IdleBeyondWindowOpensNewGroup(t *testing.T) {
	e := newTestEngine(t)
	window := 5 * time.Minute

	first, _ := e.grouping.Ingest("fp-idle", t0, window)
	second, err := e.grouping.Ingest("fp-idle", t0.Add(6*time.Minute), window)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if !second.IsNew || second.GroupID == first.GroupID {
		t.Fatalf("expected a fresh group after the window lapsed")
	}

	old, _ := e.grouping.GetGroup(first.GroupID)
	if old.Status != database.GroupStatusClosed {
		t.Errorf("expected stale group closed, got %s", old.Status)
	}
	if old.ActiveKey != nil {
		t.Errorf("expected stale group active_key cleared")
	}
	fresh, _ := e.grouping.GetGroup(second.GroupID)
	if fresh.Status != database.GroupStatusActive || fresh.OccurrenceCount != 1 {
		t.Errorf("expected fresh active group with count 1, got %s count %d", fresh.Status, fresh.OccurrenceCount)
	}
}

func TestGrouping_CloseThenReopen(t *testing.T) {
	e := newTestEngine(t)
	window := 5 * time.Minute

	first, _ := e.grouping.Ingest("fp-reopen", t0, window)
	if err := e.grouping.Close(first.GroupID, t0.Add(time.Minute)); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	// Closing again is a no-op.
	if err := e.grouping.Close(first.GroupID, t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	// Same fingerprint inside the original window still opens a new
	// group once the old one is closed.
	second, err := e.grouping.Ingest("fp-reopen", t0.Add(3*time.Minute), window)
	if err != nil {
		t.Fatalf("ingest after close failed: %v", err)
	}
	if !second.IsNew || second.GroupID == first.GroupID {
		t.Errorf("expected a fresh group after explicit close")
	}
}

func TestGrouping_EmptyFingerprintRejected(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.grouping.Ingest("", t0, 5*time.Minute); err == nil {
		t.Errorf("expected validation error for empty fingerprint")
	}
}

func TestGrouping_NoiseReductionRate(t *testing.T) {
	e := newTestEngine(t)
	window := 5 * time.Minute

	// Group A: 4 occurrences. Group B: 1 occurrence.
	for _, offset := range []time.Duration{0, time.Minute, 2 * time.Minute, 3 * time.Minute} {
		if _, err := e.grouping.Ingest("fp-noisy", t0.Add(offset), window); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.grouping.Ingest("fp-quiet", t0, window); err != nil {
		t.Fatal(err)
	}

	rate, err := e.grouping.NoiseReductionRate(t0.Add(-time.Hour), t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("noise reduction failed: %v", err)
	}
	// 2 groups over 5 occurrences
	want := 1 - 2.0/5.0
	if rate != want {
		t.Errorf("expected rate %.2f, got %.2f", want, rate)
	}

	empty, err := e.grouping.NoiseReductionRate(t0.Add(-2*time.Hour), t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("noise reduction failed: %v", err)
	}
	if empty != 0 {
		t.Errorf("expected 0 for an empty range, got %.2f", empty)
	}
}

func TestGrouping_CloseExpired(t *testing.T) {
	e := newTestEngine(t)
	window := 5 * time.Minute
	grace := 30 * time.Minute

	stale, _ := e.grouping.Ingest("fp-stale", t0, window)
	live, _ := e.grouping.Ingest("fp-live", t0.Add(34*time.Minute), window)

	// At +36m the stale group is 36m idle (> window+grace), the live
	// group only 2m.
	closed, err := e.grouping.CloseExpired(t0.Add(36*time.Minute), window, grace)
	if err != nil {
		t.Fatalf("close expired failed: %v", err)
	}
	if closed != 1 {
		t.Errorf("expected 1 group closed, got %d", closed)
	}

	g, _ := e.grouping.GetGroup(stale.GroupID)
	if g.Status != database.GroupStatusClosed {
		t.Errorf("expected stale group closed")
	}
	g, _ = e.grouping.GetGroup(live.GroupID)
	if g.Status != database.GroupStatusActive {
		t.Errorf("expected live group still active")
	}
}

func TestGrouping_ConcurrentIngestSingleGroup(t *testing.T) {
	e := newTestEngine(t)
	window := 5 * time.Minute

	const workers = 10
	var wg sync.WaitGroup
	decisions := make(chan *GroupDecision, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.grouping.Ingest("fp-race", t0, window)
			if err != nil {
				t.Errorf("concurrent ingest failed: %v", err)
				return
			}
			decisions <- d
		}()
	}
	wg.Wait()
	close(decisions)

	opened := 0
	var groupID uint
	total := 0
	for d := range decisions {
		total++
		if d.IsNew {
			opened++
			groupID = d.GroupID
		}
	}
	if total != workers {
		t.Fatalf("expected %d decisions, got %d", workers, total)
	}
	if opened != 1 {
		t.Fatalf("expected exactly 1 opener, got %d", opened)
	}

	group, err := e.grouping.GetGroup(groupID)
	if err != nil {
		t.Fatalf("failed to load group: %v", err)
	}
	if int(group.OccurrenceCount) != workers {
		t.Errorf("expected occurrence count %d, got %d", workers, group.OccurrenceCount)
	}
}
