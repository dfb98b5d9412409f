package events

import (
	"context"

	"github.com/hlekkr/hlekkr/pkg/discrepancy"
	"github.com/hlekkr/hlekkr/pkg/threatintel"
)

// DiscrepancyAlerter publishes detector findings to discrepancy_alerts.
// It satisfies discrepancy.Alerter.
type DiscrepancyAlerter struct {
	pub Publisher
}

// NewDiscrepancyAlerter bridges the discrepancy detector onto the bus.
func NewDiscrepancyAlerter(pub Publisher) *DiscrepancyAlerter {
	return &DiscrepancyAlerter{pub: pub}
}

func (a *DiscrepancyAlerter) Alert(ctx context.Context, d discrepancy.Discrepancy) error {
	env, err := New("discrepancy."+string(d.Type), "discrepancy-detector",
		Severity(d.Severity), d)
	if err != nil {
		return err
	}
	return a.pub.Publish(ctx, TopicDiscrepancyAlerts, env)
}

// ThreatAlerter publishes threat reports to threat_alerts, and mirrors
// coordinated campaigns to external_sharing so partner feeds see them.
// It satisfies threatintel.Alerter.
type ThreatAlerter struct {
	pub Publisher
}

// NewThreatAlerter bridges the threat intel processor onto the bus.
func NewThreatAlerter(pub Publisher) *ThreatAlerter {
	return &ThreatAlerter{pub: pub}
}

func (a *ThreatAlerter) Alert(ctx context.Context, r threatintel.Report) error {
	env, err := New("threat."+string(r.ThreatType), "threat-intel",
		Severity(r.Severity), r)
	if err != nil {
		return err
	}
	if err := a.pub.Publish(ctx, TopicThreatAlerts, env); err != nil {
		return err
	}
	if r.ThreatType == threatintel.ThreatCoordinatedCampaign {
		shared := env
		shared.ID = ""
		return a.pub.Publish(ctx, TopicExternalSharing, shared)
	}
	return nil
}
