package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should tolerate duplicates: %v", err)
	}
}

func TestCountersMove(t *testing.T) {
	before := testutil.ToFloat64(falsePositivesTotal.WithLabelValues("metrics-test"))
	FalsePositive("metrics-test")
	if got := testutil.ToFloat64(falsePositivesTotal.WithLabelValues("metrics-test")); got != before+1 {
		t.Fatalf("expected false positive counter to increase by one, got %v -> %v", before, got)
	}

	SetActiveIncidents(2)
	IncidentOpened()
	IncidentClosed()
	IncidentClosed()
	if got := testutil.ToFloat64(activeIncidents); got != 1 {
		t.Fatalf("expected active incidents 1, got %v", got)
	}

	ObserveCollaborator("diagnosis", time.Second, "weird")
	if got := testutil.ToFloat64(collaboratorCallsTotal.WithLabelValues("diagnosis", OutcomeError)); got < 1 {
		t.Fatalf("expected unknown outcome to be folded into error, got %v", got)
	}
}
