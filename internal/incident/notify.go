package incident

import (
	"time"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// Notification kinds published to subscribers.
const (
	KindCreated    = "incident.created"
	KindTransition = "incident.transition"
	KindEvidence   = "incident.evidence"
	KindEscalated  = "incident.escalated"
)

// Notification describes one change to an incident.
type Notification struct {
	Kind     string          `json:"kind"`
	From     models.State    `json:"from,omitempty"`
	Incident models.Incident `json:"incident"`
	At       time.Time       `json:"at"`
}

// Publisher receives notifications. Publish must not block.
type Publisher interface {
	Publish(Notification)
}

type discardPublisher struct{}

func (discardPublisher) Publish(Notification) {}
