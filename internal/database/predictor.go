package database

import (
	"database/sql"
	"errors"
	"time"

	"applyd/pkg/models"
)

// Prior is a rolling success-rate bucket maintained by the predictor
type Prior struct {
	Platform    models.Platform
	BucketKey   string
	SampleCount int
	SuccessRate float64
	UpdatedAt   time.Time
}

// GetPrior fetches one prior bucket. A missing bucket is not an error:
// callers get a zero-sample prior.
func (s *Store) GetPrior(platform models.Platform, bucketKey string) (*Prior, error) {
	p := &Prior{Platform: platform, BucketKey: bucketKey}
	query := `SELECT sample_count, success_rate, updated_at FROM predictor_priors
			  WHERE platform = ? AND bucket_key = ?`
	err := s.db.QueryRow(query, string(platform), bucketKey).Scan(&p.SampleCount, &p.SuccessRate, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RecordOutcome folds one observed outcome into a prior bucket as a rolling
// mean with the given horizon. The update is a single transaction, so readers
// see either the pre- or post-update snapshot.
func (s *Store) RecordOutcome(platform models.Platform, bucketKey string, success bool, horizon int, now time.Time) (*Prior, error) {
	if horizon <= 0 {
		horizon = 500
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p := &Prior{Platform: platform, BucketKey: bucketKey}
	query := `SELECT sample_count, success_rate FROM predictor_priors WHERE platform = ? AND bucket_key = ?`
	err = tx.QueryRow(query, string(platform), bucketKey).Scan(&p.SampleCount, &p.SuccessRate)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	observed := 0.0
	if success {
		observed = 1.0
	}

	// Rolling mean: full weight until the horizon is reached, then the
	// effective sample count is pinned so old outcomes decay.
	n := p.SampleCount
	if n >= horizon {
		n = horizon - 1
	}
	p.SuccessRate = (p.SuccessRate*float64(n) + observed) / float64(n+1)
	p.SampleCount++
	p.UpdatedAt = now

	_, err = tx.Exec(`INSERT INTO predictor_priors (platform, bucket_key, sample_count, success_rate, updated_at)
					  VALUES (?, ?, ?, ?, ?)
					  ON CONFLICT(platform, bucket_key) DO UPDATE SET
					  sample_count = excluded.sample_count,
					  success_rate = excluded.success_rate,
					  updated_at = excluded.updated_at`,
		string(platform), bucketKey, p.SampleCount, p.SuccessRate, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

// Priors returns every prior bucket for a platform
func (s *Store) Priors(platform models.Platform) ([]*Prior, error) {
	query := `SELECT bucket_key, sample_count, success_rate, updated_at FROM predictor_priors
			  WHERE platform = ? ORDER BY bucket_key`
	rows, err := s.db.Query(query, string(platform))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	priors := []*Prior{}
	for rows.Next() {
		p := &Prior{Platform: platform}
		if err := rows.Scan(&p.BucketKey, &p.SampleCount, &p.SuccessRate, &p.UpdatedAt); err != nil {
			return nil, err
		}
		priors = append(priors, p)
	}
	return priors, rows.Err()
}
