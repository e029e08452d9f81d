package detector

import (
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

type stubWindows struct {
	agg models.WindowAggregate
}

func (s stubWindows) Snapshot(service string, now time.Time) models.WindowAggregate {
	out := s.agg
	out.Service = service
	out.WindowEnd = now
	return out
}

type stubThresholds models.Threshold

func (s stubThresholds) For(string) models.Threshold { return models.Threshold(s) }

func threshold(rate float64, minVolume int) stubThresholds {
	return stubThresholds{ErrorRateThreshold: rate, WindowSeconds: 300, MinSampleVolume: minVolume, ApprovalTimeoutSeconds: 60}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name      string
		total     int
		errors    int
		rate      float64
		minVolume int
		want      Kind
	}{
		{name: "cold start even at full error rate", total: 3, errors: 3, rate: 0.1, minVolume: 5, want: ColdStart},
		{name: "boundary is inclusive", total: 10, errors: 1, rate: 0.1, minVolume: 5, want: Anomalous},
		{name: "just below threshold", total: 11, errors: 1, rate: 0.1, minVolume: 5, want: Normal},
		{name: "empty window with zero volume", total: 0, errors: 0, rate: 0.1, minVolume: 0, want: Normal},
		{name: "empty window is cold with volume", total: 0, errors: 0, rate: 0.1, minVolume: 1, want: ColdStart},
		{name: "rate one", total: 5, errors: 5, rate: 1, minVolume: 5, want: Anomalous},
		{name: "no errors", total: 50, errors: 0, rate: 0.1, minVolume: 5, want: Normal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := New(stubWindows{agg: models.WindowAggregate{TotalCount: tc.total, ErrorCount: tc.errors}}, threshold(tc.rate, tc.minVolume))
			got := d.Evaluate("checkout", time.Unix(100, 0))
			if got.Kind != tc.want {
				t.Fatalf("expected %s, got %s (rate %v)", tc.want, got.Kind, got.Rate)
			}
			if got.Evidence.Service != "checkout" {
				t.Fatalf("expected evidence for checkout, got %q", got.Evidence.Service)
			}
		})
	}
}

func TestEvaluateIsStateless(t *testing.T) {
	d := New(stubWindows{agg: models.WindowAggregate{TotalCount: 10, ErrorCount: 5}}, threshold(0.1, 5))
	first := d.Evaluate("api", time.Unix(1, 0))
	second := d.Evaluate("api", time.Unix(1, 0))
	if first != second {
		t.Fatalf("expected identical verdicts, got %+v and %+v", first, second)
	}
}
