// Package engine connects signal ingest to anomaly detection and incident handling, and holds
// the offline rule-based diagnoser.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-remediation/internal/detector"
	"github.com/miradorstack/mirador-remediation/internal/metrics"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/window"
)

// Windows is the rolling-window behaviour the pipeline needs.
type Windows interface {
	Ingest(sample models.Sample) error
	Services() []string
	Export(service string) []models.Sample
	Restore(service string, samples []models.Sample) int
}

// Evaluator classifies a service's current window.
type Evaluator interface {
	Evaluate(service string, now time.Time) detector.Verdict
}

// Tripper opens or updates the incident for an anomalous service.
type Tripper interface {
	Trip(ctx context.Context, evidence models.WindowAggregate) (models.Incident, bool, error)
}

// Checkpoints persists window contents across restarts.
type Checkpoints interface {
	SaveWindow(ctx context.Context, service string, samples []models.Sample) error
	LoadWindows(ctx context.Context) (map[string][]models.Sample, error)
}

// IngestResult reports how a batch of samples was handled.
type IngestResult struct {
	Accepted int      `json:"accepted"`
	Dropped  int      `json:"dropped"`
	Errors   []string `json:"errors,omitempty"`
}

// Outcome is the result of evaluating one service.
type Outcome struct {
	Service    string
	Verdict    detector.Verdict
	IncidentID string
	Created    bool
}

// Pipeline orchestrates ingest, periodic evaluation and window checkpoints.
type Pipeline struct {
	logger      *slog.Logger
	windows     Windows
	detector    Evaluator
	incidents   Tripper
	checkpoints Checkpoints
	clock       func() time.Time
	parallelism int
}

// NewPipeline constructs a pipeline. checkpoints may be nil to disable persistence of windows.
func NewPipeline(logger *slog.Logger, windows Windows, det Evaluator, incidents Tripper, checkpoints Checkpoints) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:      logger,
		windows:     windows,
		detector:    det,
		incidents:   incidents,
		checkpoints: checkpoints,
		clock:       func() time.Time { return time.Now().UTC() },
		parallelism: 8,
	}
}

// Ingest feeds samples into their windows. Malformed or stale samples are dropped with a
// warning; they never fail the batch.
func (p *Pipeline) Ingest(samples []models.Sample) IngestResult {
	var res IngestResult
	for i, raw := range samples {
		sample := raw.Normalize()
		err := p.windows.Ingest(sample)
		if err == nil {
			res.Accepted++
			metrics.SampleIngested(sample.Service)
			continue
		}

		res.Dropped++
		reason := "invalid"
		switch {
		case errors.Is(err, window.ErrSampleTooOld):
			reason = "too_old"
		case errors.Is(err, window.ErrSampleInFuture):
			reason = "future"
		}
		metrics.SampleDropped(reason)
		res.Errors = append(res.Errors, fmt.Sprintf("sample %d: %v", i, err))
		p.logger.Warn("sample dropped",
			slog.String("service", sample.Service),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
	}
	return res
}

// EvaluateAll runs the detector for every known service and trips incidents for anomalous
// ones. Services are evaluated concurrently; an error for one service does not stop others.
func (p *Pipeline) EvaluateAll(ctx context.Context) ([]Outcome, error) {
	now := p.clock()
	services := p.windows.Services()
	sort.Strings(services)

	outcomes := make([]Outcome, len(services))
	errs := make([]error, len(services))

	var g errgroup.Group
	g.SetLimit(p.parallelism)
	for i, service := range services {
		g.Go(func() error {
			outcomes[i], errs[i] = p.evaluate(ctx, service, now)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, errors.Join(errs...)
}

func (p *Pipeline) evaluate(ctx context.Context, service string, now time.Time) (Outcome, error) {
	verdict := p.detector.Evaluate(service, now)
	metrics.ObserveVerdict(verdict.Kind.String())
	out := Outcome{Service: service, Verdict: verdict}
	if verdict.Kind != detector.Anomalous {
		return out, nil
	}

	inc, created, err := p.incidents.Trip(ctx, verdict.Evidence)
	if err != nil {
		p.logger.Error("incident trip failed", slog.String("service", service), slog.Any("error", err))
		return out, fmt.Errorf("trip %s: %w", service, err)
	}
	out.IncidentID = inc.ID
	out.Created = created
	p.logger.Debug("anomalous window",
		slog.String("service", service),
		slog.Float64("error_rate", verdict.Rate),
		slog.Float64("threshold", verdict.Threshold.ErrorRateThreshold),
		slog.String("incident_id", inc.ID),
		slog.Bool("created", created),
	)
	return out, nil
}

// Checkpoint saves every service window.
func (p *Pipeline) Checkpoint(ctx context.Context) error {
	if p.checkpoints == nil {
		return nil
	}
	var errs []error
	for _, service := range p.windows.Services() {
		if err := p.checkpoints.SaveWindow(ctx, service, p.windows.Export(service)); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint %s: %w", service, err))
		}
	}
	return errors.Join(errs...)
}

// Restore reloads checkpointed windows. Samples that no longer fit a window are skipped.
func (p *Pipeline) Restore(ctx context.Context) error {
	if p.checkpoints == nil {
		return nil
	}
	saved, err := p.checkpoints.LoadWindows(ctx)
	if err != nil {
		return fmt.Errorf("load window checkpoints: %w", err)
	}
	for service, samples := range saved {
		skipped := p.windows.Restore(service, samples)
		p.logger.Info("window restored",
			slog.String("service", service),
			slog.Int("samples", len(samples)-skipped),
			slog.Int("skipped", skipped),
		)
	}
	return nil
}

// Run evaluates every evalInterval and checkpoints every checkpointInterval until ctx ends.
// A final checkpoint is written on the way out.
func (p *Pipeline) Run(ctx context.Context, evalInterval, checkpointInterval time.Duration) error {
	if evalInterval <= 0 {
		return errors.New("evaluation interval must be positive")
	}
	eval := time.NewTicker(evalInterval)
	defer eval.Stop()

	var checkpoint <-chan time.Time
	if p.checkpoints != nil && checkpointInterval > 0 {
		t := time.NewTicker(checkpointInterval)
		defer t.Stop()
		checkpoint = t.C
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.Checkpoint(shutdownCtx); err != nil {
				p.logger.Warn("final window checkpoint failed", slog.Any("error", err))
			}
			return nil
		case <-eval.C:
			if _, err := p.EvaluateAll(ctx); err != nil {
				p.logger.Warn("evaluation pass incomplete", slog.Any("error", err))
			}
		case <-checkpoint:
			if err := p.Checkpoint(ctx); err != nil {
				p.logger.Warn("window checkpoint failed", slog.Any("error", err))
			}
		}
	}
}
