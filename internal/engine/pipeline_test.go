package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediation/internal/detector"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/store"
	"github.com/miradorstack/mirador-remediation/internal/window"
)

type staticThresholds models.Threshold

func (s staticThresholds) For(string) models.Threshold { return models.Threshold(s) }

var testThreshold = staticThresholds{ErrorRateThreshold: 0.5, WindowSeconds: 60, MinSampleVolume: 4, ApprovalTimeoutSeconds: 60}

type fakeTripper struct {
	mu    sync.Mutex
	trips []models.WindowAggregate
	err   error
}

func (f *fakeTripper) Trip(ctx context.Context, evidence models.WindowAggregate) (models.Incident, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Incident{}, false, f.err
	}
	f.trips = append(f.trips, evidence)
	return models.Incident{ID: "inc-" + evidence.Service}, len(f.trips) == 1, nil
}

func newTestPipeline(now time.Time, tripper Tripper, checkpoints Checkpoints) (*Pipeline, *window.Aggregator) {
	agg := window.NewAggregator(testThreshold)
	p := NewPipeline(nil, agg, detector.New(agg, testThreshold), tripper, checkpoints)
	p.clock = func() time.Time { return now }
	return p, agg
}

func samples(service string, at time.Time, total, errs int) []models.Sample {
	out := make([]models.Sample, 0, total)
	for i := 0; i < total; i++ {
		out = append(out, models.Sample{Service: service, Timestamp: at.Add(time.Duration(i) * time.Second), IsError: i < errs})
	}
	return out
}

func TestPipelineIngestDropsBadSamples(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	p, _ := newTestPipeline(now, &fakeTripper{}, nil)

	batch := samples("checkout", now.Add(-10*time.Second), 3, 0)
	batch = append(batch,
		models.Sample{Timestamp: now},
		models.Sample{Service: "checkout", Timestamp: now.Add(-10 * time.Minute)},
		models.Sample{Service: "checkout", Timestamp: now, Level: "error"},
	)
	res := p.Ingest(batch)
	if res.Accepted != 4 || res.Dropped != 2 || len(res.Errors) != 2 {
		t.Fatalf("unexpected ingest result: %+v", res)
	}
}

func TestPipelineIngestDropsFutureSamples(t *testing.T) {
	now := time.Now().UTC()
	p, agg := newTestPipeline(now, &fakeTripper{}, nil)

	batch := samples("checkout", now.Add(-10*time.Second), 5, 5)
	batch = append(batch, models.Sample{Service: "checkout", Timestamp: now.Add(24 * time.Hour), IsError: true})
	res := p.Ingest(batch)
	if res.Accepted != 5 || res.Dropped != 1 || !strings.Contains(res.Errors[0], "future") {
		t.Fatalf("unexpected ingest result: %+v", res)
	}
	if snap := agg.Snapshot("checkout", now); snap.TotalCount != 5 || snap.ErrorCount != 5 {
		t.Fatalf("window lost samples: %+v", snap)
	}
}

func TestPipelineEvaluateAllTripsAnomalousServices(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tripper := &fakeTripper{}
	p, _ := newTestPipeline(now, tripper, nil)

	p.Ingest(samples("checkout", now.Add(-30*time.Second), 10, 5)) // 0.5, inclusive
	p.Ingest(samples("payments", now.Add(-30*time.Second), 10, 4))
	p.Ingest(samples("search", now.Add(-30*time.Second), 3, 3)) // below min volume

	outcomes, err := p.EvaluateAll(context.Background())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	kinds := map[string]detector.Kind{}
	for _, o := range outcomes {
		kinds[o.Service] = o.Verdict.Kind
	}
	if kinds["checkout"] != detector.Anomalous || kinds["payments"] != detector.Normal || kinds["search"] != detector.ColdStart {
		t.Fatalf("unexpected verdicts: %v", kinds)
	}
	if len(tripper.trips) != 1 || tripper.trips[0].Service != "checkout" || tripper.trips[0].ErrorCount != 5 {
		t.Fatalf("unexpected trips: %+v", tripper.trips)
	}
	if outcomes[0].Service != "checkout" || outcomes[0].IncidentID != "inc-checkout" || !outcomes[0].Created {
		t.Fatalf("unexpected checkout outcome: %+v", outcomes[0])
	}
}

func TestPipelineEvaluateAllReportsTripErrors(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	boom := errors.New("store down")
	p, _ := newTestPipeline(now, &fakeTripper{err: boom}, nil)
	p.Ingest(samples("checkout", now.Add(-30*time.Second), 10, 10))
	p.Ingest(samples("payments", now.Add(-30*time.Second), 10, 0))

	outcomes, err := p.EvaluateAll(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected trip error, got %v", err)
	}
	if len(outcomes) != 2 || outcomes[1].Verdict.Kind != detector.Normal {
		t.Fatalf("other services must still be evaluated: %+v", outcomes)
	}
}

func TestPipelineCheckpointRestore(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	p, _ := newTestPipeline(now, &fakeTripper{}, st)
	p.Ingest(samples("checkout", now.Add(-30*time.Second), 6, 2))

	if err := p.Checkpoint(context.Background()); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	restarted, agg := newTestPipeline(now, &fakeTripper{}, st)
	if err := restarted.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	snap := agg.Snapshot("checkout", now)
	if snap.TotalCount != 6 || snap.ErrorCount != 2 {
		t.Fatalf("unexpected restored window: %+v", snap)
	}
}

func TestPipelineRunStopsWithFinalCheckpoint(t *testing.T) {
	now := time.Now().UTC()
	st := store.NewMemoryStore()
	tripper := &fakeTripper{}
	p, _ := newTestPipeline(now, tripper, st)
	p.Ingest(samples("checkout", now.Add(-10*time.Second), 8, 8))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, 10*time.Millisecond, time.Hour) }()

	deadline := time.After(2 * time.Second)
	for {
		tripper.mu.Lock()
		n := len(tripper.trips)
		tripper.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("run loop never evaluated")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	saved, err := st.LoadWindows(context.Background())
	if err != nil {
		t.Fatalf("load windows: %v", err)
	}
	if len(saved["checkout"]) != 8 {
		t.Fatalf("expected final checkpoint of 8 samples, got %d", len(saved["checkout"]))
	}
}
