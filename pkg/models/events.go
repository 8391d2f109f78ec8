package models

import (
	"encoding/json"
	"time"
)

// EventKind classifies campaign events
type EventKind string

const (
	EventCampaignStateChanged EventKind = "campaign_state_changed"
	EventApplicationPlanned   EventKind = "application_planned"
	EventApplicationSubmitted EventKind = "application_submitted"
	EventApplicationFailed    EventKind = "application_failed"
	EventOutcomeAdvanced      EventKind = "outcome_advanced"
	EventAdapterDegraded      EventKind = "adapter_degraded"
	EventPredictorUpdated     EventKind = "predictor_updated"
	EventPredictorDegraded    EventKind = "predictor_degraded"
	EventIntegrityViolation   EventKind = "integrity_violation"
)

// Event is the append-only envelope consumed by downstream systems.
// Seq is strictly monotone and gap-free per campaign.
type Event struct {
	Seq           int64           `json:"seq"`
	CampaignID    string          `json:"campaign_id"`
	ApplicationID string          `json:"application_id,omitempty"`
	Kind          EventKind       `json:"kind"`
	TS            time.Time       `json:"ts"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// MustPayload marshals v into an event payload; a marshal failure
// yields a null payload rather than an error (payloads are advisory).
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
