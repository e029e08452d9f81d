package models

import "time"

// State is a lifecycle position of an incident.
type State string

const (
	StateDetected        State = "DETECTED"
	StateDiagnosing      State = "DIAGNOSING"
	StatePendingApproval State = "PENDING_APPROVAL"
	StateApproved        State = "APPROVED"
	StateRejected        State = "REJECTED"
	StateExecuted        State = "EXECUTED"
	StateExpired         State = "EXPIRED"
	StateFailed          State = "FAILED"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateExecuted, StateExpired, StateFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateDetected, StateDiagnosing, StatePendingApproval, StateApproved,
		StateRejected, StateExecuted, StateExpired, StateFailed:
		return true
	}
	return false
}

// ProposedAction describes the remediation a diagnosis wants executed.
type ProposedAction struct {
	Type       string            `json:"type" yaml:"type"`
	Target     string            `json:"target,omitempty" yaml:"target"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters"`
}

// Actionable reports whether the proposal names something to do.
func (a *ProposedAction) Actionable() bool {
	return a != nil && a.Type != ""
}

// Diagnosis is the collaborator's explanation plus an optional proposed action.
type Diagnosis struct {
	Summary    string          `json:"summary"`
	Action     *ProposedAction `json:"proposed_action,omitempty"`
	Provider   string          `json:"provider,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Decision records who approved or rejected a proposal.
type Decision struct {
	Actor     string    `json:"actor"`
	Approved  bool      `json:"approved"`
	DecidedAt time.Time `json:"decided_at"`
	Note      string    `json:"note,omitempty"`
}

// Incident is the durable record of one anomaly episode for one service.
type Incident struct {
	ID                  string          `json:"id"`
	Service             string          `json:"service"`
	DetectedAt          time.Time       `json:"detected_at"`
	TriggeringAggregate WindowAggregate `json:"triggering_aggregate"`
	LatestEvidence      WindowAggregate `json:"latest_evidence"`
	TripCount           int             `json:"trip_count"`
	Diagnosis           *Diagnosis      `json:"diagnosis,omitempty"`
	State               State           `json:"state"`
	Decision            *Decision       `json:"decision,omitempty"`
	ApprovalDeadline    time.Time       `json:"approval_deadline,omitempty"`
	FailureReason       string          `json:"failure_reason,omitempty"`
	ExecutionResult     string          `json:"execution_result,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	Version             int64           `json:"version"`
}

// Open reports whether the incident can still transition.
func (i Incident) Open() bool {
	return !i.State.Terminal()
}

// Clone returns a deep copy so callers never share nested pointers with stored records.
func (i Incident) Clone() Incident {
	out := i
	if i.Diagnosis != nil {
		d := *i.Diagnosis
		if d.Action != nil {
			a := *d.Action
			if a.Parameters != nil {
				params := make(map[string]string, len(a.Parameters))
				for k, v := range a.Parameters {
					params[k] = v
				}
				a.Parameters = params
			}
			d.Action = &a
		}
		out.Diagnosis = &d
	}
	if i.Decision != nil {
		d := *i.Decision
		out.Decision = &d
	}
	return out
}
