// Package detector turns window aggregates into verdicts.
package detector

import (
	"time"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// Kind classifies a service's current window.
type Kind int

const (
	// Normal means the error rate is below threshold or undefined.
	Normal Kind = iota
	// ColdStart means the window holds fewer samples than the minimum volume.
	ColdStart
	// Anomalous means the error rate reached the threshold.
	Anomalous
)

func (k Kind) String() string {
	switch k {
	case ColdStart:
		return "cold_start"
	case Anomalous:
		return "anomalous"
	default:
		return "normal"
	}
}

// Verdict is the result of one evaluation, carrying the evidence it was based on.
type Verdict struct {
	Kind      Kind
	Evidence  models.WindowAggregate
	Rate      float64
	Threshold models.Threshold
}

// Snapshotter exposes window aggregates.
type Snapshotter interface {
	Snapshot(service string, now time.Time) models.WindowAggregate
}

// Thresholds resolves per-service detection parameters.
type Thresholds interface {
	For(service string) models.Threshold
}

// Detector is stateless: each Evaluate reads a fresh snapshot and the active thresholds.
type Detector struct {
	windows    Snapshotter
	thresholds Thresholds
}

// New creates a Detector.
func New(windows Snapshotter, thresholds Thresholds) *Detector {
	return &Detector{windows: windows, thresholds: thresholds}
}

// Evaluate classifies service at now.
func (d *Detector) Evaluate(service string, now time.Time) Verdict {
	threshold := d.thresholds.For(service)
	return Classify(d.windows.Snapshot(service, now), threshold)
}

// Classify applies threshold to an aggregate. The threshold comparison is inclusive.
func Classify(agg models.WindowAggregate, threshold models.Threshold) Verdict {
	v := Verdict{Kind: Normal, Evidence: agg, Threshold: threshold}
	if agg.TotalCount < threshold.MinSampleVolume {
		v.Kind = ColdStart
		return v
	}
	rate, ok := agg.ErrorRate()
	if !ok {
		return v
	}
	v.Rate = rate
	if rate >= threshold.ErrorRateThreshold {
		v.Kind = Anomalous
	}
	return v
}
