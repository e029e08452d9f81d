package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirador_remediation"

const (
	// OutcomeSuccess labels collaborator calls that returned a result.
	OutcomeSuccess = "success"
	// OutcomeError labels collaborator calls that returned an error.
	OutcomeError = "error"
	// OutcomeTimeout labels collaborator calls cut off by their deadline.
	OutcomeTimeout = "timeout"
)

var (
	samplesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Samples accepted into a service window.",
		},
		[]string{"service"},
	)

	samplesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Samples dropped before aggregation, by reason.",
		},
		[]string{"reason"},
	)

	verdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Detector verdicts by kind.",
		},
		[]string{"verdict"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_transitions_total",
			Help:      "Applied incident state transitions.",
		},
		[]string{"from", "to"},
	)

	activeIncidents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_incidents",
			Help:      "Incidents not yet in a terminal state.",
		},
	)

	mttdSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mttd_seconds",
			Help:      "Time from the first error of a spike to incident detection.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"service"},
	)

	falsePositivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "false_positive_total",
			Help:      "Proposals rejected by a human reviewer.",
		},
		[]string{"service"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Executed remediation actions by result.",
		},
		[]string{"service", "result"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Open incidents that kept re-tripping past the escalation count.",
		},
		[]string{"service"},
	)

	collaboratorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_calls_total",
			Help:      "Diagnosis and execution calls by outcome.",
		},
		[]string{"collaborator", "outcome"},
	)

	collaboratorDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_call_seconds",
			Help:      "Diagnosis and execution call latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"collaborator"},
	)
)

// Register attaches collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		samplesIngestedTotal,
		samplesDroppedTotal,
		verdictsTotal,
		transitionsTotal,
		activeIncidents,
		mttdSeconds,
		falsePositivesTotal,
		remediationsTotal,
		escalationsTotal,
		collaboratorCallsTotal,
		collaboratorDurationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// SampleIngested counts an accepted sample.
func SampleIngested(service string) {
	samplesIngestedTotal.WithLabelValues(service).Inc()
}

// SampleDropped counts a rejected sample.
func SampleDropped(reason string) {
	samplesDroppedTotal.WithLabelValues(reason).Inc()
}

// ObserveVerdict counts one detector verdict.
func ObserveVerdict(verdict string) {
	verdictsTotal.WithLabelValues(verdict).Inc()
}

// ObserveTransition counts one applied transition.
func ObserveTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

// IncidentOpened increments the active incident gauge.
func IncidentOpened() { activeIncidents.Inc() }

// IncidentClosed decrements the active incident gauge.
func IncidentClosed() { activeIncidents.Dec() }

// SetActiveIncidents resets the gauge, used after recovering state on startup.
func SetActiveIncidents(n int) { activeIncidents.Set(float64(n)) }

// ObserveMTTD records detection latency for a service.
func ObserveMTTD(service string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	mttdSeconds.WithLabelValues(service).Observe(d.Seconds())
}

// FalsePositive counts a rejected proposal.
func FalsePositive(service string) {
	falsePositivesTotal.WithLabelValues(service).Inc()
}

// RemediationOutcome counts an execution result.
func RemediationOutcome(service string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	remediationsTotal.WithLabelValues(service, result).Inc()
}

// Escalated counts an escalation.
func Escalated(service string) {
	escalationsTotal.WithLabelValues(service).Inc()
}

// ObserveCollaborator records a collaborator call duration and outcome label.
func ObserveCollaborator(collaborator string, duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeSuccess, OutcomeError, OutcomeTimeout:
	default:
		outcome = OutcomeError
	}
	collaboratorCallsTotal.WithLabelValues(collaborator, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	collaboratorDurationSeconds.WithLabelValues(collaborator).Observe(duration.Seconds())
}
