package database

import (
	"encoding/json"
	"time"

	"applyd/pkg/models"
)

// AppendEvent appends an event to a campaign's log. The sequence number is
// allocated inside the insert's transaction, so seq is strictly monotone and
// gap-free per campaign even with concurrent appenders.
func (s *Store) AppendEvent(campaignID, applicationID string, kind models.EventKind, ts time.Time, payload json.RawMessage) (*models.Event, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE campaign_id = ?`, campaignID).Scan(&seq); err != nil {
		return nil, err
	}

	var appID any
	if applicationID != "" {
		appID = applicationID
	}
	var body any
	if len(payload) > 0 {
		body = string(payload)
	}

	_, err = tx.Exec(`INSERT INTO events (campaign_id, seq, application_id, kind, ts, payload)
					  VALUES (?, ?, ?, ?, ?, ?)`, campaignID, seq, appID, string(kind), ts, body)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.Event{
		Seq:           seq,
		CampaignID:    campaignID,
		ApplicationID: applicationID,
		Kind:          kind,
		TS:            ts,
		Payload:       payload,
	}, nil
}

// EventsSince returns a campaign's events with seq > since, in order
func (s *Store) EventsSince(campaignID string, since int64, limit int) ([]*models.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `SELECT seq, application_id, kind, ts, payload FROM events
			  WHERE campaign_id = ? AND seq > ? ORDER BY seq LIMIT ?`
	rows, err := s.db.Query(query, campaignID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*models.Event{}
	for rows.Next() {
		e := &models.Event{CampaignID: campaignID}
		var appID, payload *string
		if err := rows.Scan(&e.Seq, &appID, &e.Kind, &e.TS, &payload); err != nil {
			return nil, err
		}
		if appID != nil {
			e.ApplicationID = *appID
		}
		if payload != nil {
			e.Payload = json.RawMessage(*payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
