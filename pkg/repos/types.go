// Package repos maintains local git-backed working copies of hosted
// repositories. Every repository a user references is tracked through a
// persistent registry record with a small clone lifecycle
// (PENDING -> CLONING -> CLONED/FAILED); the filesystem stays authoritative
// and drift between the two is reconciled on the next ensure pass.
package repos

import (
	"time"
)

// CloneStatus tracks where a registry record sits in the clone lifecycle.
type CloneStatus string

const (
	// StatusPending marks a record that has been registered but never cloned.
	StatusPending CloneStatus = "PENDING"
	// StatusCloning marks a clone in flight.
	StatusCloning CloneStatus = "CLONING"
	// StatusCloned marks a record whose working copy existed at last check.
	StatusCloned CloneStatus = "CLONED"
	// StatusFailed marks a record whose last clone attempt failed.
	StatusFailed CloneStatus = "FAILED"
)

// RepositoryRecord is the registry row for one hosted repository tracked on
// behalf of a user. Records are unique per (UserID, CloneURL). A record with
// StatusCloned should have a working copy at LocalPath, but that is only
// eventually true: the orchestrator re-clones when the directory has gone
// missing instead of trusting the status.
type RepositoryRecord struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	CloneURL         string      `json:"clone_url"`
	RepoName         string      `json:"repo_name"` // e.g., "acme/demo"
	Branch           string      `json:"branch,omitempty"`
	Status           CloneStatus `json:"status"`
	LocalPath        string      `json:"local_path,omitempty"`
	LastCloneAttempt *time.Time  `json:"last_clone_attempt,omitempty"`
	CloneError       string      `json:"clone_error,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// RepoConfig describes one repository a user wants available locally.
type RepoConfig struct {
	RepoName   string `json:"repo_name"` // e.g., "acme/demo"
	RepoURL    string `json:"repo_url"`
	BaseBranch string `json:"base_branch,omitempty"` // empty means the remote default
}

// RepoEvent is one append-only audit entry for a registry record. Event
// writes are best effort: losing one never fails the operation it describes.
type RepoEvent struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event names recorded by the clone orchestrator.
const (
	EventCloneStarted   = "clone_started"
	EventCloneSucceeded = "clone_succeeded"
	EventCloneFailed    = "clone_failed"
	EventDriftDetected  = "drift_detected"
	EventRetrySkipped   = "retry_skipped"
)

// WorkStatus is a diagnostic snapshot of a working copy.
type WorkStatus struct {
	CurrentBranch  string   `json:"current_branch"`
	IsClean        bool     `json:"is_clean"`
	ModifiedFiles  []string `json:"modified_files,omitempty"`
	UntrackedFiles []string `json:"untracked_files,omitempty"`
	StagedFiles    []string `json:"staged_files,omitempty"`
	Ahead          int      `json:"ahead"`  // Commits ahead of upstream
	Behind         int      `json:"behind"` // Commits behind upstream
	LastCommit     *Commit  `json:"last_commit,omitempty"`
}

// Branch represents a local branch of a working copy.
type Branch struct {
	Name      string `json:"name"`
	Hash      string `json:"hash"`
	IsCurrent bool   `json:"is_current"`
}

// Commit represents one entry of a working copy's history.
type Commit struct {
	Hash        string    `json:"hash"`
	ShortHash   string    `json:"short_hash"`
	Author      string    `json:"author"`
	AuthorEmail string    `json:"author_email"`
	Date        time.Time `json:"date"`
	Subject     string    `json:"subject"` // First line of the message
}
