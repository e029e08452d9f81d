// Package incident owns the incident lifecycle: opening incidents on anomaly trips, driving
// diagnosis, gating execution on human approval and closing incidents on timeout.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/miradorstack/mirador-remediation/internal/cache"
	"github.com/miradorstack/mirador-remediation/internal/metrics"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/store"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

// Diagnoser explains an incident and may propose an action.
type Diagnoser interface {
	Diagnose(ctx context.Context, inc models.Incident) (models.Diagnosis, error)
}

// Executor carries out an approved action and returns a short result description.
type Executor interface {
	Execute(ctx context.Context, inc models.Incident, action models.ProposedAction) (string, error)
}

// Guard records execution claims so an approval is dispatched at most once.
type Guard interface {
	Claim(ctx context.Context, incidentID string) (bool, error)
	Record(ctx context.Context, incidentID string, succeeded bool, detail string) error
	Outcome(ctx context.Context, incidentID string) (outcome, detail string, found bool, err error)
}

// SpikeTracker exposes when the current error spike of a service started.
type SpikeTracker interface {
	SpikeStart(service string) (time.Time, bool)
	ClearSpike(service string)
}

// Options tunes a Manager. Zero values pick defaults.
type Options struct {
	Logger              *slog.Logger
	Publisher           Publisher
	Spikes              SpikeTracker
	ApprovalTimeout     func(service string) time.Duration
	DiagnosisTimeout    time.Duration
	ExecutionTimeout    time.Duration
	EscalationTripCount int
	MTTDCeiling         time.Duration
	// DurableGuard means guard records survive restarts, so an APPROVED incident without
	// any claim can safely be executed during recovery.
	DurableGuard      bool
	TerminalCacheSize int
	Clock             func() time.Time
}

// Manager applies events to incidents. Every transition for a given incident runs under that
// incident's lock, re-reads the stored record and persists through a version compare-and-set.
type Manager struct {
	store     store.Store
	diagnoser Diagnoser
	executor  Executor
	guard     Guard
	opts      Options
	logger    *slog.Logger
	publisher Publisher

	incidents *keyedMutex
	services  *keyedMutex
	terminal  *lru.Cache[string, models.Incident]
	latencies map[string]*utils.LatencyTracker

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a Manager. guard is required; use a cache.ExecutionGuard.
func NewManager(st store.Store, diagnoser Diagnoser, executor Executor, guard Guard, opts Options) (*Manager, error) {
	if st == nil || diagnoser == nil || executor == nil || guard == nil {
		return nil, errors.New("incident manager requires store, diagnoser, executor and guard")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = discardPublisher{}
	}
	if opts.ApprovalTimeout == nil {
		opts.ApprovalTimeout = func(string) time.Duration { return 15 * time.Minute }
	}
	if opts.DiagnosisTimeout <= 0 {
		opts.DiagnosisTimeout = 30 * time.Second
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = 30 * time.Second
	}
	if opts.TerminalCacheSize <= 0 {
		opts.TerminalCacheSize = 1024
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	terminal, err := lru.New[string, models.Incident](opts.TerminalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("terminal cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     st,
		diagnoser: diagnoser,
		executor:  executor,
		guard:     guard,
		opts:      opts,
		logger:    opts.Logger,
		publisher: opts.Publisher,
		incidents: newKeyedMutex(),
		services:  newKeyedMutex(),
		terminal:  terminal,
		latencies: map[string]*utils.LatencyTracker{
			"diagnosis": utils.NewLatencyTracker(256),
			"execution": utils.NewLatencyTracker(256),
		},
		timers: make(map[string]*time.Timer),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Trip records an anomalous window for service. If the service has an open incident the
// evidence is folded into it; otherwise a new incident is opened and diagnosis starts.
func (m *Manager) Trip(ctx context.Context, evidence models.WindowAggregate) (models.Incident, bool, error) {
	if evidence.Service == "" {
		return models.Incident{}, false, fmt.Errorf("%w: evidence has no service", ErrInvalidArgument)
	}
	unlock := m.services.Lock(evidence.Service)
	defer unlock()

	for attempt := 0; attempt < 2; attempt++ {
		open, err := m.store.ListOpen(ctx, evidence.Service)
		if err != nil {
			return models.Incident{}, false, translateStoreErr("incident.Trip", err)
		}
		if len(open) > 0 {
			inc, err := m.foldEvidence(ctx, open[0].ID, evidence)
			if errors.Is(err, ErrInvalidState) {
				// closed between our read and the fold; look again
				continue
			}
			return inc, false, err
		}

		now := m.now()
		inc := models.Incident{
			ID:                  "inc-" + uuid.NewString(),
			Service:             evidence.Service,
			DetectedAt:          now,
			TriggeringAggregate: evidence,
			LatestEvidence:      evidence,
			TripCount:           1,
			State:               models.StateDetected,
			CreatedAt:           now,
			UpdatedAt:           now,
			Version:             1,
		}
		err = m.store.PutIfVersion(ctx, 0, inc)
		if errors.Is(err, store.ErrOpenIncidentExists) {
			// another writer opened one between our read and write; fold into it
			continue
		}
		if err != nil {
			return models.Incident{}, false, translateStoreErr("incident.Trip", err)
		}

		m.onCreated(inc)
		return inc, true, nil
	}
	return models.Incident{}, false, fmt.Errorf("%w: open incident for %s changed concurrently", ErrConflict, evidence.Service)
}

// Approve records a human approval. Approving twice as the same actor returns the current
// record without a second execution.
func (m *Manager) Approve(ctx context.Context, req models.ApproveRequest) (models.Incident, error) {
	inc, _, err := m.mutate(ctx, req.IncidentID, Event{
		Type:            EventApprove,
		Actor:           req.Actor,
		Note:            req.Note,
		ExpectedVersion: req.ExpectedVersion,
	})
	return inc, err
}

// Reject records a human rejection.
func (m *Manager) Reject(ctx context.Context, req models.RejectRequest) (models.Incident, error) {
	inc, _, err := m.mutate(ctx, req.IncidentID, Event{
		Type:            EventReject,
		Actor:           req.Actor,
		Note:            req.Note,
		ExpectedVersion: req.ExpectedVersion,
	})
	return inc, err
}

// Inspect returns the stored incident. Terminal records are served from an LRU cache.
func (m *Manager) Inspect(ctx context.Context, id string) (models.Incident, error) {
	if id == "" {
		return models.Incident{}, fmt.Errorf("%w: incident id is required", ErrInvalidArgument)
	}
	if inc, ok := m.terminal.Get(id); ok {
		return inc.Clone(), nil
	}
	inc, err := m.store.Get(ctx, id)
	if err != nil {
		return models.Incident{}, translateStoreErr("incident.Inspect", err)
	}
	if !inc.Open() {
		m.terminal.Add(id, inc.Clone())
	}
	return inc, nil
}

// List returns incidents matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter models.ListFilter) ([]models.Incident, error) {
	out, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, translateStoreErr("incident.List", err)
	}
	return out, nil
}

// Latencies summarises recent collaborator call durations.
func (m *Manager) Latencies() map[string]utils.LatencySummary {
	out := make(map[string]utils.LatencySummary, len(m.latencies))
	for name, tracker := range m.latencies {
		out[name] = tracker.Summary()
	}
	return out
}

// Recover resumes work for incidents left open by a previous process.
func (m *Manager) Recover(ctx context.Context) error {
	open, err := m.store.List(ctx, models.ListFilter{OpenOnly: true})
	if err != nil {
		return translateStoreErr("incident.Recover", err)
	}
	metrics.SetActiveIncidents(len(open))

	for _, inc := range open {
		log := m.logger.With(slog.String("incident_id", inc.ID), slog.String("state", string(inc.State)))
		switch inc.State {
		case models.StateDetected:
			m.startDiagnosis(inc.ID)
		case models.StateDiagnosing:
			// the diagnosis call died with the previous process; failing is the only
			// outcome that cannot double-propose
			_, _, err := m.mutate(ctx, inc.ID, Event{Type: EventDiagnosisFailed, Detail: "diagnosis interrupted by restart"})
			if err != nil {
				log.Warn("recover diagnosing incident", slog.Any("error", err))
			}
		case models.StatePendingApproval:
			m.armTimer(inc)
		case models.StateApproved:
			m.recoverApproved(ctx, inc)
		}
		log.Info("incident recovered")
	}
	return nil
}

// Close stops approval timers and waits for in-flight collaborator calls to settle.
func (m *Manager) Close() {
	m.timersMu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.timersMu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) recoverApproved(ctx context.Context, inc models.Incident) {
	outcome, detail, found, err := m.guard.Outcome(ctx, inc.ID)
	var ev Event
	switch {
	case err != nil:
		ev = Event{Type: EventExecutionFailed, Detail: "execution outcome unknown after restart: " + err.Error()}
	case !found && m.opts.DurableGuard:
		m.startExecution(inc.ID)
		return
	case found && outcome == cache.OutcomeSucceeded:
		ev = Event{Type: EventExecuted, Detail: detail}
	case found && outcome == cache.OutcomeFailed:
		ev = Event{Type: EventExecutionFailed, Detail: detail}
	default:
		ev = Event{Type: EventExecutionFailed, Detail: "execution outcome unknown after restart"}
	}
	if _, _, err := m.mutate(ctx, inc.ID, ev); err != nil {
		m.logger.Warn("recover approved incident", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
}

func (m *Manager) foldEvidence(ctx context.Context, id string, evidence models.WindowAggregate) (models.Incident, error) {
	inc, _, err := m.mutate(ctx, id, Event{Type: EventEvidence, Evidence: evidence})
	if err != nil {
		return inc, err
	}
	if m.opts.EscalationTripCount > 0 && inc.TripCount == m.opts.EscalationTripCount {
		metrics.Escalated(inc.Service)
		m.logger.Warn("incident escalated",
			slog.String("incident_id", inc.ID),
			slog.String("service", inc.Service),
			slog.Int("trip_count", inc.TripCount),
			slog.String("state", string(inc.State)),
		)
		m.publisher.Publish(Notification{Kind: KindEscalated, From: inc.State, Incident: inc, At: m.now()})
	}
	return inc, nil
}

// mutate serialises on id, re-reads the record, applies ev and persists the successor.
// On any error nothing is written and the caller gets the record as last read.
func (m *Manager) mutate(ctx context.Context, id string, ev Event) (models.Incident, bool, error) {
	if id == "" {
		return models.Incident{}, false, fmt.Errorf("%w: incident id is required", ErrInvalidArgument)
	}
	unlock := m.incidents.Lock(id)
	defer unlock()

	current, err := m.store.Get(ctx, id)
	if err != nil {
		return models.Incident{}, false, translateStoreErr("incident.load", err)
	}
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	next, changed, err := Apply(current, ev)
	if err != nil || !changed {
		return current, false, err
	}
	if err := m.store.PutIfVersion(ctx, current.Version, next); err != nil {
		return current, false, translateStoreErr("incident."+string(ev.Type), err)
	}
	m.afterTransition(current, next, ev)
	return next, true, nil
}

// afterTransition runs side effects of a persisted transition. It is called with the
// incident lock held, so it only schedules work.
func (m *Manager) afterTransition(prev, next models.Incident, ev Event) {
	log := m.logger.With(
		slog.String("incident_id", next.ID),
		slog.String("service", next.Service),
		slog.Int64("version", next.Version),
	)

	if prev.State == next.State {
		log.Debug("incident evidence updated", slog.Int("trip_count", next.TripCount))
		m.publisher.Publish(Notification{Kind: KindEvidence, From: prev.State, Incident: next, At: ev.At})
	} else {
		metrics.ObserveTransition(string(prev.State), string(next.State))
		log.Info("incident transition", slog.String("from", string(prev.State)), slog.String("to", string(next.State)))
		m.publisher.Publish(Notification{Kind: KindTransition, From: prev.State, Incident: next, At: ev.At})
	}

	switch {
	case next.State == models.StatePendingApproval:
		// re-armed on evidence folds too, since the timer fires against a specific version
		m.armTimer(next)
	case prev.State == models.StatePendingApproval:
		m.stopTimer(next.ID)
	}

	if next.State == models.StateApproved && prev.State == models.StatePendingApproval {
		m.startExecution(next.ID)
	}
	if next.State == models.StateRejected {
		metrics.FalsePositive(next.Service)
	}
	if prev.State == models.StateApproved {
		metrics.RemediationOutcome(next.Service, next.State == models.StateExecuted)
	}
	if prev.Open() && !next.Open() {
		metrics.IncidentClosed()
		m.terminal.Add(next.ID, next.Clone())
		if m.opts.Spikes != nil {
			m.opts.Spikes.ClearSpike(next.Service)
		}
	}
}

func (m *Manager) onCreated(inc models.Incident) {
	metrics.IncidentOpened()
	if m.opts.Spikes != nil {
		if start, ok := m.opts.Spikes.SpikeStart(inc.Service); ok {
			metrics.ObserveMTTD(inc.Service, utils.ClampDuration(inc.DetectedAt.Sub(start), m.opts.MTTDCeiling))
		}
	}
	rate, _ := inc.TriggeringAggregate.ErrorRate()
	m.logger.Warn("incident opened",
		slog.String("incident_id", inc.ID),
		slog.String("service", inc.Service),
		slog.Int("total", inc.TriggeringAggregate.TotalCount),
		slog.Int("errors", inc.TriggeringAggregate.ErrorCount),
		slog.Float64("error_rate", rate),
	)
	m.publisher.Publish(Notification{Kind: KindCreated, Incident: inc, At: inc.DetectedAt})
	m.startDiagnosis(inc.ID)
}

func (m *Manager) startDiagnosis(id string) {
	if !m.track() {
		return
	}
	go func() {
		defer m.wg.Done()
		m.runDiagnosis(id)
	}()
}

func (m *Manager) runDiagnosis(id string) {
	ctx := m.ctx
	inc, changed, err := m.mutate(ctx, id, Event{Type: EventDiagnose})
	if err != nil || !changed {
		if err != nil {
			m.logger.Warn("diagnosis not started", slog.String("incident_id", id), slog.Any("error", err))
		}
		return
	}

	start := time.Now()
	diag, err := callWithTimeout(ctx, m.opts.DiagnosisTimeout, func(c context.Context) (models.Diagnosis, error) {
		return m.diagnoser.Diagnose(c, inc)
	})
	elapsed := time.Since(start)
	m.latencies["diagnosis"].Observe(elapsed)
	metrics.ObserveCollaborator("diagnosis", elapsed, outcomeLabel(err))

	ev := Event{Type: EventDiagnosisFailed}
	if err != nil {
		ev.Detail = "diagnosis failed: " + err.Error()
	} else {
		if diag.ReceivedAt.IsZero() {
			diag.ReceivedAt = m.now()
		}
		ev = Event{
			Type:            EventDiagnosisReady,
			Diagnosis:       &diag,
			ApprovalTimeout: m.opts.ApprovalTimeout(inc.Service),
		}
	}
	if _, _, err := m.mutate(ctx, id, ev); err != nil {
		m.logger.Error("diagnosis result not applied", slog.String("incident_id", id), slog.Any("error", err))
	}
}

func (m *Manager) startExecution(id string) {
	if !m.track() {
		return
	}
	go func() {
		defer m.wg.Done()
		m.runExecution(id)
	}()
}

func (m *Manager) runExecution(id string) {
	ctx := m.ctx
	log := m.logger.With(slog.String("incident_id", id))

	inc, err := m.store.Get(ctx, id)
	if err != nil {
		log.Error("execution aborted: load incident", slog.Any("error", err))
		return
	}
	if inc.State != models.StateApproved || inc.Diagnosis == nil || !inc.Diagnosis.Action.Actionable() {
		log.Warn("execution skipped", slog.String("state", string(inc.State)))
		return
	}

	claimed, err := m.guard.Claim(ctx, id)
	if err != nil {
		m.finishExecution(ctx, id, Event{Type: EventExecutionFailed, Detail: "execution guard unavailable: " + err.Error()})
		return
	}
	if !claimed {
		log.Info("execution already claimed elsewhere")
		return
	}

	action := *inc.Diagnosis.Action
	start := time.Now()
	result, err := callWithTimeout(ctx, m.opts.ExecutionTimeout, func(c context.Context) (string, error) {
		return m.executor.Execute(c, inc, action)
	})
	elapsed := time.Since(start)
	m.latencies["execution"].Observe(elapsed)
	metrics.ObserveCollaborator("execution", elapsed, outcomeLabel(err))

	ev := Event{Type: EventExecuted, Detail: result}
	if err != nil {
		ev = Event{Type: EventExecutionFailed, Detail: "execution failed: " + err.Error()}
	}
	if rerr := m.guard.Record(ctx, id, err == nil, ev.Detail); rerr != nil {
		log.Warn("execution outcome not recorded", slog.Any("error", rerr))
	}
	m.finishExecution(ctx, id, ev)
}

func (m *Manager) finishExecution(ctx context.Context, id string, ev Event) {
	if _, _, err := m.mutate(ctx, id, ev); err != nil {
		m.logger.Error("execution result not applied", slog.String("incident_id", id), slog.Any("error", err))
	}
}

func (m *Manager) armTimer(inc models.Incident) {
	wait := inc.ApprovalDeadline.Sub(m.now())
	if wait < 0 {
		wait = 0
	}
	id, version := inc.ID, inc.Version

	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[id]; ok {
		t.Stop()
	}
	m.timers[id] = time.AfterFunc(wait, func() { m.expire(id, version) })
}

func (m *Manager) stopTimer(id string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// expire fires from the approval timer. The version pins the timer to the record it was
// armed for; if anything changed since, the event is dropped.
func (m *Manager) expire(id string, version int64) {
	if !m.track() {
		return
	}
	defer m.wg.Done()

	_, changed, err := m.mutate(m.ctx, id, Event{Type: EventApprovalTimeout, ExpectedVersion: version})
	switch {
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		m.logger.Debug("approval timer superseded", slog.String("incident_id", id), slog.Int64("version", version))
	case err != nil:
		m.logger.Error("approval timeout not applied", slog.String("incident_id", id), slog.Any("error", err))
	case changed:
		m.timersMu.Lock()
		delete(m.timers, id)
		m.timersMu.Unlock()
	}
}

// track registers a background task unless the manager is closing.
func (m *Manager) track() bool {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) now() time.Time {
	return m.opts.Clock()
}

// callWithTimeout runs fn in its own goroutine and stops waiting once the deadline passes,
// even if fn ignores its context.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrCollaboratorTimeout, ctx.Err())
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrCollaboratorTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}
