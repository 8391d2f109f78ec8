package database

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"applyd/pkg/models"
)

const applicationColumns = `application_id, campaign_id, job_id, platform, variant_id,
	submission_state, outcome_state, predicted_success, predicted_confidence,
	platform_ref, attempts, planned_at, submitted_at, last_polled_at, next_poll_at, terminal_at`

func scanApplication(row interface{ Scan(...any) error }) (*models.ApplicationRecord, error) {
	r := &models.ApplicationRecord{}
	var platform, subState, outState string
	var variantID, platformRef sql.NullString
	err := row.Scan(&r.ApplicationID, &r.CampaignID, &r.JobID, &platform, &variantID,
		&subState, &outState, &r.PredictedSuccess, &r.PredictedConfidence,
		&platformRef, &r.Attempts, &r.PlannedAt, &r.SubmittedAt, &r.LastPolledAt, &r.NextPollAt, &r.TerminalAt)
	if err != nil {
		return nil, err
	}
	r.Platform = models.Platform(platform)
	r.SubmissionState = models.SubmissionState(subState)
	r.OutcomeState = models.OutcomeState(outState)
	r.VariantID = variantID.String
	r.PlatformRef = platformRef.String
	return r, nil
}

// InsertApplication persists a freshly planned record. A violation of the
// (campaign_id, job_id) uniqueness over non-withdrawn rows surfaces as
// ErrDuplicateApplication.
func (s *Store) InsertApplication(r *models.ApplicationRecord) error {
	query := `INSERT INTO applications (application_id, campaign_id, job_id, platform, variant_id,
			  submission_state, outcome_state, predicted_success, predicted_confidence, attempts, planned_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, r.ApplicationID, r.CampaignID, r.JobID, string(r.Platform), r.VariantID,
		string(r.SubmissionState), string(r.OutcomeState), r.PredictedSuccess, r.PredictedConfidence,
		r.Attempts, r.PlannedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicateApplication
	}
	return err
}

// GetApplication fetches one record by id
func (s *Store) GetApplication(applicationID string) (*models.ApplicationRecord, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE application_id = ?`
	r, err := scanApplication(s.db.QueryRow(query, applicationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListApplications returns a page of a campaign's records, oldest plan first
func (s *Store) ListApplications(campaignID string, limit, offset int) ([]*models.ApplicationRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + applicationColumns + ` FROM applications
			  WHERE campaign_id = ? ORDER BY planned_at, application_id LIMIT ? OFFSET ?`
	return s.queryApplications(query, campaignID, limit, offset)
}

// ApplicationsInState returns a campaign's records in a given submission state
func (s *Store) ApplicationsInState(campaignID string, state models.SubmissionState) ([]*models.ApplicationRecord, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications
			  WHERE campaign_id = ? AND submission_state = ? ORDER BY planned_at, application_id`
	return s.queryApplications(query, campaignID, string(state))
}

// StuckSubmitting returns records left mid-submit by a crash, across campaigns
func (s *Store) StuckSubmitting() ([]*models.ApplicationRecord, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications
			  WHERE submission_state = 'submitting' ORDER BY planned_at, application_id`
	return s.queryApplications(query)
}

// DuePolls returns submitted, non-terminal records whose next poll is due,
// grouped so that records on the same platform come out adjacent.
func (s *Store) DuePolls(now time.Time, limit int) ([]*models.ApplicationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + applicationColumns + ` FROM applications
			  WHERE submission_state = 'submitted'
			    AND terminal_at IS NULL
			    AND next_poll_at IS NOT NULL AND next_poll_at <= ?
			  ORDER BY platform, next_poll_at LIMIT ?`
	return s.queryApplications(query, now, limit)
}

func (s *Store) queryApplications(query string, args ...any) ([]*models.ApplicationRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*models.ApplicationRecord{}
	for rows.Next() {
		r, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// UpdateApplication writes back a record's mutable fields with compare-and-set
// on the previous (submission_state, outcome_state). A zero-row update means a
// concurrent writer got there first; that is a bug, surfaced as ErrConflict.
// predicted_success and predicted_confidence are deliberately not in the SET
// list: they are fixed at decision time.
func (s *Store) UpdateApplication(r *models.ApplicationRecord, prevSubmission models.SubmissionState, prevOutcome models.OutcomeState) error {
	query := `UPDATE applications SET
			  submission_state = ?, outcome_state = ?, platform_ref = ?, attempts = ?,
			  submitted_at = ?, last_polled_at = ?, next_poll_at = ?, terminal_at = ?
			  WHERE application_id = ? AND submission_state = ? AND outcome_state = ?`
	res, err := s.db.Exec(query,
		string(r.SubmissionState), string(r.OutcomeState), nullable(r.PlatformRef), r.Attempts,
		r.SubmittedAt, r.LastPolledAt, r.NextPollAt, r.TerminalAt,
		r.ApplicationID, string(prevSubmission), string(prevOutcome))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// CountNonTerminal reports how many of a campaign's records still need work
func (s *Store) CountNonTerminal(campaignID string) (int, error) {
	query := `SELECT COUNT(*) FROM applications
			  WHERE campaign_id = ?
			    AND submission_state NOT IN ('failed_permanent', 'withdrawn')
			    AND NOT (submission_state = 'submitted' AND outcome_state IN ('offer', 'rejected', 'ghosted'))`
	var n int
	err := s.db.QueryRow(query, campaignID).Scan(&n)
	return n, err
}

// Counters aggregates a campaign's record states for status reporting
func (s *Store) Counters(campaignID string) (*models.CampaignCounters, error) {
	query := `SELECT
			  SUM(submission_state IN ('planned', 'submitting', 'failed_retryable')),
			  SUM(submission_state = 'submitted'),
			  SUM(submission_state = 'failed_permanent'),
			  SUM(outcome_state = 'interview'),
			  SUM(outcome_state = 'offer'),
			  SUM(outcome_state = 'rejected'),
			  SUM(outcome_state = 'ghosted')
			  FROM applications WHERE campaign_id = ?`
	c := &models.CampaignCounters{}
	var planned, submitted, failed, interviews, offers, rejected, ghosted sql.NullInt64
	err := s.db.QueryRow(query, campaignID).Scan(&planned, &submitted, &failed, &interviews, &offers, &rejected, &ghosted)
	if err != nil {
		return nil, err
	}
	c.Planned = int(planned.Int64)
	c.Submitted = int(submitted.Int64)
	c.Failed = int(failed.Int64)
	c.Interviews = int(interviews.Int64)
	c.Offers = int(offers.Int64)
	c.Rejected = int(rejected.Int64)
	c.Ghosted = int(ghosted.Int64)
	return c, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
