package incident

import (
	"fmt"
	"time"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// EventType names an input to the state machine.
type EventType string

const (
	EventEvidence        EventType = "evidence"
	EventDiagnose        EventType = "diagnose"
	EventDiagnosisReady  EventType = "diagnosis_ready"
	EventDiagnosisFailed EventType = "diagnosis_failed"
	EventApprove         EventType = "approve"
	EventReject          EventType = "reject"
	EventApprovalTimeout EventType = "approval_timeout"
	EventExecuted        EventType = "executed"
	EventExecutionFailed EventType = "execution_failed"
)

// Event carries everything a transition may need. Unused fields are ignored.
type Event struct {
	Type            EventType
	At              time.Time
	Actor           string
	Note            string
	ExpectedVersion int64
	Evidence        models.WindowAggregate
	Diagnosis       *models.Diagnosis
	ApprovalTimeout time.Duration
	Detail          string
}

// Apply computes the successor of inc for ev. It never mutates inc. changed is false when the
// event is an idempotent repeat and nothing should be written. Every applied event advances
// Version by exactly one.
func Apply(inc models.Incident, ev Event) (next models.Incident, changed bool, err error) {
	next = inc.Clone()

	switch ev.Type {
	case EventEvidence:
		if !inc.Open() {
			return inc, false, invalid(inc, ev)
		}
		next.LatestEvidence = ev.Evidence
		next.TripCount++

	case EventDiagnose:
		if inc.State != models.StateDetected {
			return inc, false, invalid(inc, ev)
		}
		next.State = models.StateDiagnosing

	case EventDiagnosisReady:
		if inc.State != models.StateDiagnosing || ev.Diagnosis == nil {
			return inc, false, invalid(inc, ev)
		}
		diag := *ev.Diagnosis
		next.Diagnosis = &diag
		if diag.Action.Actionable() {
			next.State = models.StatePendingApproval
			next.ApprovalDeadline = ev.At.Add(ev.ApprovalTimeout)
		} else {
			next.State = models.StateExpired
			next.FailureReason = "diagnosis produced no actionable proposal"
		}

	case EventDiagnosisFailed:
		if inc.State != models.StateDiagnosing {
			return inc, false, invalid(inc, ev)
		}
		next.State = models.StateFailed
		next.FailureReason = ev.Detail

	case EventApprove, EventReject:
		approve := ev.Type == EventApprove
		if err := checkDecision(inc, ev, approve); err != nil {
			return inc, false, err
		}
		if inc.State != models.StatePendingApproval {
			// checkDecision only lets repeats of the same decision through
			return inc, false, nil
		}
		next.Decision = &models.Decision{Actor: ev.Actor, Approved: approve, DecidedAt: ev.At, Note: ev.Note}
		if approve {
			next.State = models.StateApproved
		} else {
			next.State = models.StateRejected
		}

	case EventApprovalTimeout:
		if inc.State != models.StatePendingApproval {
			return inc, false, invalid(inc, ev)
		}
		if ev.ExpectedVersion != inc.Version {
			return inc, false, ErrConflict
		}
		next.State = models.StateExpired
		next.FailureReason = "approval timed out"

	case EventExecuted:
		if inc.State != models.StateApproved {
			return inc, false, invalid(inc, ev)
		}
		next.State = models.StateExecuted
		next.ExecutionResult = ev.Detail

	case EventExecutionFailed:
		if inc.State != models.StateApproved {
			return inc, false, invalid(inc, ev)
		}
		next.State = models.StateFailed
		next.FailureReason = ev.Detail

	default:
		return inc, false, fmt.Errorf("%w: unknown event %q", ErrInvalidArgument, ev.Type)
	}

	next.Version = inc.Version + 1
	next.UpdatedAt = ev.At
	return next, true, nil
}

// checkDecision orders the approve/reject guards: a stale explicit version is a Conflict; a
// repeat of the recorded decision by the same actor is accepted; anything else outside
// PENDING_APPROVAL is InvalidState.
func checkDecision(inc models.Incident, ev Event, approve bool) error {
	if ev.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidArgument)
	}
	stale := ev.ExpectedVersion != 0 && ev.ExpectedVersion != inc.Version

	if inc.State == models.StatePendingApproval {
		if stale {
			return ErrConflict
		}
		return nil
	}
	if inc.Decision == nil {
		return invalid(inc, ev)
	}
	if stale {
		return ErrConflict
	}
	if inc.Decision.Approved == approve && inc.Decision.Actor == ev.Actor {
		return nil
	}
	return invalid(inc, ev)
}

func invalid(inc models.Incident, ev Event) error {
	return fmt.Errorf("%w: %s not allowed in %s", ErrInvalidState, ev.Type, inc.State)
}
