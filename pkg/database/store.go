package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/promptkeep/promptkeep/pkg/repos"
)

// RegistryStore implements repos.Store on an SQL database. Placeholders use
// the $N form, which both lib/pq and go-sqlite3 accept.
type RegistryStore struct {
	db *DB
}

// NewRegistryStore creates a registry store backed by an open database.
func NewRegistryStore(db *DB) *RegistryStore {
	return &RegistryStore{db: db}
}

// Close closes the underlying database connection.
func (s *RegistryStore) Close() error {
	return s.db.Close()
}

// Create inserts a new repository record. When a record with the same
// (user_id, clone_url) already exists, the existing row is loaded into rec
// instead.
func (s *RegistryStore) Create(ctx context.Context, rec *repos.RepositoryRecord) error {
	if rec.ID == "" {
		rec.ID = NewUUID()
	}
	if rec.Status == "" {
		rec.Status = repos.StatusPending
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	query := `
		INSERT INTO repositories (id, user_id, clone_url, repo_name, branch, status, local_path, last_clone_attempt, clone_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, clone_url) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.CloneURL,
		rec.RepoName,
		rec.Branch,
		string(rec.Status),
		rec.LocalPath,
		NullTime(rec.LastCloneAttempt),
		rec.CloneError,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create repository record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create repository record: %w", err)
	}
	if affected == 0 {
		existing, err := s.Get(ctx, rec.UserID, rec.CloneURL)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("repository record for %s disappeared during insert", rec.CloneURL)
		}
		*rec = *existing
	}
	return nil
}

// Get retrieves a record by user and clone URL, returning (nil, nil) when
// absent.
func (s *RegistryStore) Get(ctx context.Context, userID, cloneURL string) (*repos.RepositoryRecord, error) {
	query := `
		SELECT id, user_id, clone_url, repo_name, branch, status, local_path, last_clone_attempt, clone_error, created_at, updated_at
		FROM repositories
		WHERE user_id = $1 AND clone_url = $2
	`
	row := s.db.QueryRowContext(ctx, query, userID, cloneURL)
	return s.scanRecord(row)
}

// GetByName retrieves a record by user and repository name, returning
// (nil, nil) when absent.
func (s *RegistryStore) GetByName(ctx context.Context, userID, repoName string) (*repos.RepositoryRecord, error) {
	query := `
		SELECT id, user_id, clone_url, repo_name, branch, status, local_path, last_clone_attempt, clone_error, created_at, updated_at
		FROM repositories
		WHERE user_id = $1 AND repo_name = $2
		ORDER BY created_at
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, userID, repoName)
	return s.scanRecord(row)
}

// List returns all records for a user, oldest first.
func (s *RegistryStore) List(ctx context.Context, userID string) ([]*repos.RepositoryRecord, error) {
	query := `
		SELECT id, user_id, clone_url, repo_name, branch, status, local_path, last_clone_attempt, clone_error, created_at, updated_at
		FROM repositories
		WHERE user_id = $1
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repository records: %w", err)
	}
	defer rows.Close()

	var records []*repos.RepositoryRecord
	for rows.Next() {
		rec, err := s.scanRecordFromRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// BeginClone atomically moves a record into CLONING unless it is already
// there. It reports whether this caller won the transition.
func (s *RegistryStore) BeginClone(ctx context.Context, id string, at time.Time) (bool, error) {
	// Placeholders are numbered in order of first appearance: go-sqlite3
	// assigns $N parameters indexes by position, not by number.
	query := `
		UPDATE repositories
		SET status = $1, last_clone_attempt = $2, updated_at = $3
		WHERE id = $4 AND status <> $1
	`

	res, err := s.db.ExecContext(ctx, query, string(repos.StatusCloning), at, at, id)
	if err != nil {
		return false, fmt.Errorf("failed to begin clone: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to begin clone: %w", err)
	}
	return affected > 0, nil
}

// MarkCloned records a successful clone with its local path and branch.
func (s *RegistryStore) MarkCloned(ctx context.Context, id, localPath, branch string) error {
	query := `
		UPDATE repositories
		SET status = $1, local_path = $2, branch = $3, clone_error = '', updated_at = $4
		WHERE id = $5
	`
	_, err := s.db.ExecContext(ctx, query, string(repos.StatusCloned), localPath, branch, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark repository cloned: %w", err)
	}
	return nil
}

// MarkFailed records a failed clone with its error message.
func (s *RegistryStore) MarkFailed(ctx context.Context, id, cloneErr string) error {
	query := `
		UPDATE repositories
		SET status = $1, clone_error = $2, updated_at = $3
		WHERE id = $4
	`
	_, err := s.db.ExecContext(ctx, query, string(repos.StatusFailed), cloneErr, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark repository failed: %w", err)
	}
	return nil
}

// Delete removes a record and its events.
func (s *RegistryStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM repo_events WHERE record_id = $1", id); err != nil {
		return fmt.Errorf("failed to delete repository events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM repositories WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete repository record: %w", err)
	}
	return nil
}

// RecordEvent appends an event to a record's audit trail.
func (s *RegistryStore) RecordEvent(ctx context.Context, ev *repos.RepoEvent) error {
	if ev.ID == "" {
		ev.ID = NewUUID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO repo_events (id, record_id, event, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query, ev.ID, ev.RecordID, ev.Event, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListEvents returns events for a record, newest first.
func (s *RegistryStore) ListEvents(ctx context.Context, recordID string, limit int) ([]*repos.RepoEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, record_id, event, detail, created_at
		FROM repo_events
		WHERE record_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*repos.RepoEvent
	for rows.Next() {
		var ev repos.RepoEvent
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.Event, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Helper methods for scanning rows

func (s *RegistryStore) scanRecord(row *sql.Row) (*repos.RepositoryRecord, error) {
	var rec repos.RepositoryRecord
	var status string
	var lastAttempt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.CloneURL,
		&rec.RepoName,
		&rec.Branch,
		&status,
		&rec.LocalPath,
		&lastAttempt,
		&rec.CloneError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan repository record: %w", err)
	}

	rec.Status = repos.CloneStatus(status)
	rec.LastCloneAttempt = TimePtr(lastAttempt)
	return &rec, nil
}

func (s *RegistryStore) scanRecordFromRows(rows *sql.Rows) (*repos.RepositoryRecord, error) {
	var rec repos.RepositoryRecord
	var status string
	var lastAttempt sql.NullTime

	err := rows.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.CloneURL,
		&rec.RepoName,
		&rec.Branch,
		&status,
		&rec.LocalPath,
		&lastAttempt,
		&rec.CloneError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan repository record: %w", err)
	}

	rec.Status = repos.CloneStatus(status)
	rec.LastCloneAttempt = TimePtr(lastAttempt)
	return &rec, nil
}

// Ensure RegistryStore implements repos.Store
var _ repos.Store = (*RegistryStore)(nil)
