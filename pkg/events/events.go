// Package events is the notification bus: typed topics, a CloudEvents-like
// envelope, an in-process bus for single-node deployments, and a Redis
// pub/sub adapter for fan-out across processes. Alerter adapters bridge the
// discrepancy detector and the threat intel processor onto the bus.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// Topic names the notification channels.
type Topic string

const (
	TopicSecurityAlerts    Topic = "security_alerts"
	TopicDiscrepancyAlerts Topic = "discrepancy_alerts"
	TopicModeratorAlerts   Topic = "moderator_alerts"
	TopicThreatAlerts      Topic = "threat_alerts"
	TopicExternalSharing   Topic = "external_sharing"
)

// Severity lets consumers triage without decoding the payload.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Envelope is the wire shape of every notification.
type Envelope struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Source   string          `json:"source"`
	Time     time.Time       `json:"time"`
	Severity Severity        `json:"severity"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// New wraps a payload for publication. The bus stamps ID and Time when
// they are left unset.
func New(eventType, source string, severity Severity, payload any) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, fault.New(fault.CodeInputInvalid, "notification needs a type")
	}
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fault.Wrap(fault.CodeInputInvalid, err, "encoding notification payload")
		}
		data = encoded
	}
	return Envelope{
		Type:     eventType,
		Source:   source,
		Severity: severity,
		Data:     data,
	}, nil
}

// DecodeData unmarshals the payload into out.
func (e Envelope) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return fault.New(fault.CodeNotFound, "notification %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fault.Wrap(fault.CodeInputInvalid, err, "decoding notification payload")
	}
	return nil
}

// Publisher sends one notification to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, env Envelope) error
}

// stamp fills the fields publishers may leave unset.
func stamp(env *Envelope, clock func() time.Time, newID func() string) {
	if env.ID == "" {
		env.ID = newID()
	}
	if env.Time.IsZero() {
		env.Time = clock().UTC()
	}
	if env.Severity == "" {
		env.Severity = SeverityInfo
	}
}

func defaultID() string { return uuid.NewString() }
