package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a row does not exist or a conditional update matched nothing
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a unique constraint
	ErrDuplicate = errors.New("duplicate record")
	// ErrActiveLimit is returned when an insert would exceed the owner's active job cap
	ErrActiveLimit = errors.New("active job limit reached")
	// ErrDailyLimit is returned when an insert would exceed the owner's daily cap
	ErrDailyLimit = errors.New("daily limit reached")
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation
const uniqueViolation = "23505"

type DB struct {
	*sql.DB
}

// New opens a lib/pq connection pool and verifies it
func New(dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

// WithTx runs fn in a transaction, committing on nil and rolling back otherwise
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// mapError turns driver errors into the package sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}

// lockOwner holds a transaction-scoped advisory lock on one owner's rows in
// table, so cap checks and the insert that follows them are serialized across
// every instance.
func lockOwner(ctx context.Context, tx *sql.Tx, table, ownerID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table+":"+ownerID)
	if err != nil {
		return fmt.Errorf("failed to lock owner: %w", err)
	}
	return nil
}

// expectRows returns ErrNotFound when an update or delete matched nothing
func expectRows(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS source_videos (
		id UUID PRIMARY KEY,
		platform VARCHAR(32) NOT NULL,
		external_video_id VARCHAR(255) NOT NULL,
		region VARCHAR(8) NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		thumbnail_url TEXT NOT NULL DEFAULT '',
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		rank INTEGER NOT NULL DEFAULT 0,
		view_count BIGINT NOT NULL DEFAULT 0,
		like_count BIGINT NOT NULL DEFAULT 0,
		comment_count BIGINT NOT NULL DEFAULT 0,
		fetched_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE (platform, external_video_id)
	);

	CREATE INDEX IF NOT EXISTS idx_source_videos_listing ON source_videos(platform, region, rank);

	CREATE TABLE IF NOT EXISTS platform_credentials (
		id UUID PRIMARY KEY,
		owner_id UUID NOT NULL,
		platform VARCHAR(32) NOT NULL,
		ciphertext BYTEA NOT NULL,
		iv BYTEA NOT NULL,
		auth_tag BYTEA NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		scopes TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE (owner_id, platform)
	);

	CREATE TABLE IF NOT EXISTS channels (
		id UUID PRIMARY KEY,
		owner_id UUID NOT NULL,
		platform VARCHAR(32) NOT NULL,
		credential_id UUID NOT NULL REFERENCES platform_credentials(id) ON DELETE CASCADE,
		name TEXT NOT NULL DEFAULT '',
		audit_approved BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_channels_owner ON channels(owner_id);

	CREATE TABLE IF NOT EXISTS download_jobs (
		id UUID PRIMARY KEY,
		owner_id UUID NOT NULL,
		source_video_id UUID NOT NULL REFERENCES source_videos(id),
		platform VARCHAR(32) NOT NULL,
		external_video_id VARCHAR(255) NOT NULL,
		status VARCHAR(16) NOT NULL,
		queue_job_id VARCHAR(128) NOT NULL DEFAULT '',
		storage_key TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		progress INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		started_at TIMESTAMP WITH TIME ZONE,
		completed_at TIMESTAMP WITH TIME ZONE,
		UNIQUE (owner_id, platform, external_video_id)
	);

	CREATE INDEX IF NOT EXISTS idx_download_jobs_owner_status ON download_jobs(owner_id, status);

	CREATE TABLE IF NOT EXISTS upload_jobs (
		id UUID PRIMARY KEY,
		owner_id UUID NOT NULL,
		download_id UUID NOT NULL REFERENCES download_jobs(id) ON DELETE CASCADE,
		channel_id UUID NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		platform VARCHAR(32) NOT NULL,
		mode VARCHAR(16) NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		queue_job_id VARCHAR(128) NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		external_id TEXT NOT NULL DEFAULT '',
		external_url TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		started_at TIMESTAMP WITH TIME ZONE,
		completed_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_upload_jobs_owner_status ON upload_jobs(owner_id, status);
	CREATE INDEX IF NOT EXISTS idx_upload_jobs_owner_platform_created ON upload_jobs(owner_id, platform, created_at);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id UUID PRIMARY KEY,
		owner_id UUID NOT NULL,
		token_hash VARCHAR(64) UNIQUE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_auth_sessions_owner ON auth_sessions(owner_id);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
