package window

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

type fixedThresholds struct {
	window int
}

func (f fixedThresholds) For(string) models.Threshold {
	return models.Threshold{ErrorRateThreshold: 0.1, WindowSeconds: f.window, MinSampleVolume: 5, ApprovalTimeoutSeconds: 60}
}

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func TestSnapshotEvictsOldSamples(t *testing.T) {
	agg := NewAggregator(fixedThresholds{window: 60})
	for i := 0; i < 10; i++ {
		if err := agg.Ingest(models.Sample{Service: "api", Timestamp: at(i * 10), IsError: i%2 == 0}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	// window [30, 90]: samples at 30..90 -> 30,40,50,60,70,80,90 = 7, errors at 40,60,80 = 3
	got := agg.Snapshot("api", at(90))
	if got.TotalCount != 7 || got.ErrorCount != 3 {
		t.Fatalf("expected 7 total / 3 errors, got %+v", got)
	}
	if !got.WindowStart.Equal(at(30)) || !got.WindowEnd.Equal(at(90)) {
		t.Fatalf("unexpected bounds %v - %v", got.WindowStart, got.WindowEnd)
	}

	got = agg.Snapshot("api", at(200))
	if got.TotalCount != 0 || got.ErrorCount != 0 {
		t.Fatalf("expected empty window, got %+v", got)
	}
}

func TestSnapshotUnknownService(t *testing.T) {
	agg := NewAggregator(fixedThresholds{window: 60})
	got := agg.Snapshot("nobody", at(0))
	if got.TotalCount != 0 || got.Service != "nobody" {
		t.Fatalf("unexpected aggregate %+v", got)
	}
	if _, ok := got.ErrorRate(); ok {
		t.Fatalf("expected undefined rate")
	}
}

func TestIngestRejectsInvalidAndStale(t *testing.T) {
	agg := NewAggregator(fixedThresholds{window: 60})
	if err := agg.Ingest(models.Sample{Timestamp: at(0)}); !errors.Is(err, models.ErrInvalidSample) {
		t.Fatalf("expected invalid sample error, got %v", err)
	}
	if err := agg.Ingest(models.Sample{Service: "api", Timestamp: at(100)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := agg.Ingest(models.Sample{Service: "api", Timestamp: at(10)}); !errors.Is(err, ErrSampleTooOld) {
		t.Fatalf("expected ErrSampleTooOld, got %v", err)
	}
}

func TestFutureSampleCannotEvictWindow(t *testing.T) {
	agg := NewAggregator(fixedThresholds{window: 60})
	agg.clock = func() time.Time { return at(10) }

	err := agg.Ingest(models.Sample{Service: "api", Timestamp: at(10).Add(24 * time.Hour), IsError: true})
	if !errors.Is(err, ErrSampleInFuture) {
		t.Fatalf("expected ErrSampleInFuture, got %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := agg.Ingest(models.Sample{Service: "api", Timestamp: at(i), IsError: true}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	if got := agg.Snapshot("api", at(10)); got.TotalCount != 10 || got.ErrorCount != 10 {
		t.Fatalf("expected 10/10, got %+v", got)
	}

	// within skew: accepted, but not counted until the window reaches it
	if err := agg.Ingest(models.Sample{Service: "api", Timestamp: at(40)}); err != nil {
		t.Fatalf("ingest skewed sample: %v", err)
	}
	if err := agg.Ingest(models.Sample{Service: "api", Timestamp: at(5), IsError: true}); err != nil {
		t.Fatalf("skewed sample moved the watermark: %v", err)
	}
	if got := agg.Snapshot("api", at(10)); got.TotalCount != 11 || got.ErrorCount != 11 {
		t.Fatalf("expected 11/11 with skewed sample excluded, got %+v", got)
	}
	if got := agg.Snapshot("api", at(45)); got.TotalCount != 12 || got.ErrorCount != 11 {
		t.Fatalf("expected 12/11 once the window covers it, got %+v", got)
	}
}

func TestLateSampleInsideWindowIsCounted(t *testing.T) {
	agg := NewAggregator(fixedThresholds{window: 60})
	for _, sec := range []int{10, 30, 20, 50, 40} {
		if err := agg.Ingest(models.Sample{Service: "api", Timestamp: at(sec), IsError: sec == 20}); err != nil {
			t.Fatalf("ingest %d: %v", sec, err)
		}
	}
	// window [25, 85]: 30, 40, 50
	got := agg.Snapshot("api", at(85))
	if got.TotalCount != 3 || got.ErrorCount != 0 {
		t.Fatalf("expected late sample at 20 evicted, got %+v", got)
	}
}

func TestWindowInvariantsRandomised(t *testing.T) {
	const window = 30
	agg := NewAggregator(fixedThresholds{window: window})
	rng := rand.New(rand.NewSource(7))

	type rec struct {
		ts      time.Time
		isError bool
	}
	var accepted []rec
	now := 0
	for step := 0; step < 2000; step++ {
		now += rng.Intn(3)
		ts := now - rng.Intn(5)
		s := models.Sample{Service: "svc", Timestamp: at(ts), IsError: rng.Intn(4) == 0}
		if err := agg.Ingest(s); err == nil {
			accepted = append(accepted, rec{ts: s.Timestamp, isError: s.IsError})
		}

		if step%17 == 0 {
			snap := agg.Snapshot("svc", at(now))
			cutoff := snap.WindowEnd.Add(-window * time.Second)
			var total, errs int
			for _, r := range accepted {
				if !r.ts.Before(cutoff) {
					total++
					if r.isError {
						errs++
					}
				}
			}
			if snap.ErrorCount > snap.TotalCount {
				t.Fatalf("error count exceeds total: %+v", snap)
			}
			if snap.WindowEnd.Sub(snap.WindowStart) > window*time.Second {
				t.Fatalf("window wider than configured: %+v", snap)
			}
			if snap.TotalCount != total || snap.ErrorCount != errs {
				t.Fatalf("step %d: expected %d/%d, got %d/%d", step, total, errs, snap.TotalCount, snap.ErrorCount)
			}
		}
	}
}

func TestWindowEndIsMonotonic(t *testing.T) {
	agg := NewAggregator(fixedThresholds{window: 60})
	_ = agg.Ingest(models.Sample{Service: "api", Timestamp: at(0)})
	first := agg.Snapshot("api", at(100))
	second := agg.Snapshot("api", at(50))
	if second.WindowEnd.Before(first.WindowEnd) {
		t.Fatalf("window end moved backwards: %v then %v", first.WindowEnd, second.WindowEnd)
	}
}

func TestSpikeTracking(t *testing.T) {
	agg := NewAggregator(fixedThresholds{window: 600})
	_ = agg.Ingest(models.Sample{Service: "api", Timestamp: at(5)})
	if _, ok := agg.SpikeStart("api"); ok {
		t.Fatalf("no spike expected without errors")
	}
	_ = agg.Ingest(models.Sample{Service: "api", Timestamp: at(10), IsError: true})
	_ = agg.Ingest(models.Sample{Service: "api", Timestamp: at(20), IsError: true})
	start, ok := agg.SpikeStart("api")
	if !ok || !start.Equal(at(10)) {
		t.Fatalf("expected spike start at 10s, got %v", start)
	}
	agg.ClearSpike("api")
	if _, ok := agg.SpikeStart("api"); ok {
		t.Fatalf("expected spike cleared")
	}
}

func TestExportRestore(t *testing.T) {
	agg := NewAggregator(fixedThresholds{window: 60})
	for i := 0; i < 5; i++ {
		_ = agg.Ingest(models.Sample{Service: "api", Timestamp: at(i), IsError: i == 2})
	}
	exported := agg.Export("api")
	if len(exported) != 5 {
		t.Fatalf("expected 5 exported samples, got %d", len(exported))
	}

	restored := NewAggregator(fixedThresholds{window: 60})
	if skipped := restored.Restore("api", exported); skipped != 0 {
		t.Fatalf("expected no skipped samples, got %d", skipped)
	}
	got := restored.Snapshot("api", at(10))
	if got.TotalCount != 5 || got.ErrorCount != 1 {
		t.Fatalf("unexpected restored aggregate %+v", got)
	}
	if svcs := restored.Services(); len(svcs) != 1 || svcs[0] != "api" {
		t.Fatalf("unexpected services %v", svcs)
	}
}

func TestConcurrentIngestAndSnapshot(t *testing.T) {
	agg := NewAggregator(fixedThresholds{window: 3600})
	var wg sync.WaitGroup
	for _, svc := range []string{"a", "b", "c"} {
		wg.Add(2)
		go func(svc string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = agg.Ingest(models.Sample{Service: svc, Timestamp: at(i), IsError: i%10 == 0})
			}
		}(svc)
		go func(svc string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snap := agg.Snapshot(svc, at(i))
				if snap.ErrorCount > snap.TotalCount {
					t.Errorf("invariant broken: %+v", snap)
				}
			}
		}(svc)
	}
	wg.Wait()
	for _, svc := range []string{"a", "b", "c"} {
		if got := agg.Snapshot(svc, at(500)); got.TotalCount != 500 || got.ErrorCount != 50 {
			t.Fatalf("%s: expected 500/50, got %+v", svc, got)
		}
	}
}
