package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"applyd/pkg/models"
)

// CreateCampaign inserts a new campaign in state created
func (s *Store) CreateCampaign(c *models.Campaign) error {
	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("failed to encode campaign config: %w", err)
	}

	query := `INSERT INTO campaigns (campaign_id, profile_id, config, state, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query, c.CampaignID, c.ProfileID, string(cfg), string(c.State), c.CreatedAt, c.UpdatedAt)
	return err
}

// GetCampaign fetches one campaign by id
func (s *Store) GetCampaign(campaignID string) (*models.Campaign, error) {
	query := `SELECT campaign_id, profile_id, config, state, created_at, updated_at, started_at, ended_at
			  FROM campaigns WHERE campaign_id = ?`

	c := &models.Campaign{}
	var cfg string
	var state string
	err := s.db.QueryRow(query, campaignID).Scan(&c.CampaignID, &c.ProfileID, &cfg, &state,
		&c.CreatedAt, &c.UpdatedAt, &c.StartedAt, &c.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.State = models.CampaignState(state)
	if err := json.Unmarshal([]byte(cfg), &c.Config); err != nil {
		return nil, fmt.Errorf("failed to decode campaign config: %w", err)
	}
	return c, nil
}

// ListCampaigns returns all campaigns, newest first
func (s *Store) ListCampaigns() ([]*models.Campaign, error) {
	query := `SELECT campaign_id, profile_id, config, state, created_at, updated_at, started_at, ended_at
			  FROM campaigns ORDER BY created_at DESC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		c := &models.Campaign{}
		var cfg, state string
		if err := rows.Scan(&c.CampaignID, &c.ProfileID, &cfg, &state,
			&c.CreatedAt, &c.UpdatedAt, &c.StartedAt, &c.EndedAt); err != nil {
			return nil, err
		}
		c.State = models.CampaignState(state)
		if err := json.Unmarshal([]byte(cfg), &c.Config); err != nil {
			return nil, fmt.Errorf("failed to decode campaign config: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// TransitionCampaign moves a campaign from one state to another.
// The previous state is part of the WHERE clause so a concurrent
// transition surfaces as ErrConflict instead of a silent overwrite.
func (s *Store) TransitionCampaign(campaignID string, from, to models.CampaignState, now time.Time) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: campaign %s -> %s", ErrInvalidTransition, from, to)
	}

	query := `UPDATE campaigns SET state = ?, updated_at = ?`
	args := []any{string(to), now}
	if to == models.CampaignRunning && from == models.CampaignPlanning {
		query += `, started_at = ?`
		args = append(args, now)
	}
	if to.Terminal() {
		query += `, ended_at = ?`
		args = append(args, now)
	}
	query += ` WHERE campaign_id = ? AND state = ?`
	args = append(args, campaignID, string(from))

	res, err := s.db.Exec(query, args...)
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

// Profile persistence: profiles are written by onboarding and read-only here.

// UpsertProfile stores a candidate profile snapshot
func (s *Store) UpsertProfile(p *models.CandidateProfile) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	query := `INSERT INTO profiles (profile_id, payload) VALUES (?, ?)
			  ON CONFLICT(profile_id) DO UPDATE SET payload = excluded.payload`
	_, err = s.db.Exec(query, p.ProfileID, string(payload))
	return err
}

// GetProfile fetches a candidate profile by id
func (s *Store) GetProfile(profileID string) (*models.CandidateProfile, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM profiles WHERE profile_id = ?`, profileID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p := &models.CandidateProfile{}
	if err := json.Unmarshal([]byte(payload), p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return p, nil
}

// UpsertVariant stores CV variant metadata (the artifact stays with the CV service)
func (s *Store) UpsertVariant(v *models.CVVariant) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode variant: %w", err)
	}
	query := `INSERT INTO cv_variants (variant_id, payload) VALUES (?, ?)
			  ON CONFLICT(variant_id) DO UPDATE SET payload = excluded.payload`
	_, err = s.db.Exec(query, v.VariantID, string(payload))
	return err
}

// GetVariant fetches CV variant metadata by id
func (s *Store) GetVariant(variantID string) (*models.CVVariant, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM cv_variants WHERE variant_id = ?`, variantID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v := &models.CVVariant{}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return nil, fmt.Errorf("failed to decode variant: %w", err)
	}
	return v, nil
}

// EnqueueJob stores a job posting for a campaign. Idempotent on
// (campaign_id, job_id): re-enqueueing the same job is a no-op.
func (s *Store) EnqueueJob(campaignID string, job *models.JobPosting) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to encode job: %w", err)
	}
	query := `INSERT OR IGNORE INTO campaign_jobs (campaign_id, job_id, payload) VALUES (?, ?, ?)`
	res, err := s.db.Exec(query, campaignID, job.JobID, string(payload))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetJob fetches one queued posting by id
func (s *Store) GetJob(campaignID, jobID string) (*models.JobPosting, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM campaign_jobs WHERE campaign_id = ? AND job_id = ?`,
		campaignID, jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job := &models.JobPosting{}
	if err := json.Unmarshal([]byte(payload), job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

// QueuedJobs returns every job enqueued for a campaign, oldest first
func (s *Store) QueuedJobs(campaignID string) ([]*models.JobPosting, error) {
	query := `SELECT payload FROM campaign_jobs WHERE campaign_id = ? ORDER BY enqueued_at, job_id`
	rows, err := s.db.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*models.JobPosting{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		job := &models.JobPosting{}
		if err := json.Unmarshal([]byte(payload), job); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
