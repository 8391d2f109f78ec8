package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database with typed repositories.
// Writes to a given application are serialized by compare-and-set updates;
// disjoint records may be written concurrently.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle (used by the app container for Close)
func (s *Store) DB() *sql.DB {
	return s.db
}

// Open opens the SQLite database at path with the proper pragmas
// and runs migrations.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// RunMigrations creates all necessary tables
func RunMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		profile_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS cv_variants (
		variant_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS campaigns (
		campaign_id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		config TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'created',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		CHECK(state IN ('created', 'planning', 'running', 'paused', 'completed', 'failed'))
	);

	CREATE TABLE IF NOT EXISTS campaign_jobs (
		campaign_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (campaign_id, job_id),
		FOREIGN KEY (campaign_id) REFERENCES campaigns(campaign_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS applications (
		application_id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		variant_id TEXT,
		submission_state TEXT NOT NULL DEFAULT 'planned',
		outcome_state TEXT NOT NULL DEFAULT 'no_response',
		predicted_success REAL NOT NULL,
		predicted_confidence TEXT NOT NULL DEFAULT 'low',
		platform_ref TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		planned_at DATETIME NOT NULL,
		submitted_at DATETIME,
		last_polled_at DATETIME,
		next_poll_at DATETIME,
		terminal_at DATETIME,
		FOREIGN KEY (campaign_id) REFERENCES campaigns(campaign_id) ON DELETE CASCADE,
		CHECK(submission_state IN ('planned', 'submitting', 'submitted', 'failed_retryable', 'failed_permanent', 'withdrawn')),
		CHECK(outcome_state IN ('no_response', 'under_review', 'interview', 'offer', 'rejected', 'ghosted'))
	);

	CREATE TABLE IF NOT EXISTS events (
		campaign_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		application_id TEXT,
		kind TEXT NOT NULL,
		ts DATETIME NOT NULL,
		payload TEXT,
		PRIMARY KEY (campaign_id, seq),
		FOREIGN KEY (campaign_id) REFERENCES campaigns(campaign_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS predictor_priors (
		platform TEXT NOT NULL,
		bucket_key TEXT NOT NULL,
		sample_count INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (platform, bucket_key)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_applications_campaign_job
		ON applications(campaign_id, job_id)
		WHERE submission_state != 'withdrawn';
	CREATE INDEX IF NOT EXISTS idx_applications_campaign ON applications(campaign_id);
	CREATE INDEX IF NOT EXISTS idx_applications_next_poll ON applications(next_poll_at)
		WHERE next_poll_at IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_applications_submission_state ON applications(submission_state);
	`

	_, err := db.Exec(schema)
	return err
}
