package repos

import (
	"context"
	"time"

	"github.com/promptkeep/promptkeep/pkg/hosting"
)

// Manager keeps configured repositories available as local working copies
// and answers questions about them.
type Manager interface {
	// EnsureRepos makes sure each configured repository has a healthy
	// working copy, cloning or re-cloning where needed, and returns the
	// names of the repositories that are available when it is done.
	// Per-repository failures are recorded and logged, never returned.
	EnsureRepos(ctx context.Context, userID string, configs []RepoConfig, token string) []string

	// List returns the registry records for a user.
	List(ctx context.Context, userID string) ([]*RepositoryRecord, error)

	// Status reports a diagnostic snapshot of a tracked working copy.
	Status(ctx context.Context, userID, repoName string) (*WorkStatus, error)

	// Pull refreshes a tracked working copy from its remote. A non-empty
	// branch is checked out first; force stashes local changes around the
	// pull.
	Pull(ctx context.Context, userID, repoName, branch string, force bool, token string) error

	// Remove deletes the working copy and registry record for a repository.
	Remove(ctx context.Context, userID, repoName string) error

	// RemoteRepositories lists the repositories the token can reach on a
	// provider.
	RemoteRepositories(ctx context.Context, provider hosting.Provider, token string) ([]hosting.Repository, error)

	// RemoteBranches lists branches for one hosted repository, falling back
	// to just the default branch when the listing call fails but the
	// repository itself is reachable.
	RemoteBranches(ctx context.Context, provider hosting.Provider, token, owner, name string) ([]hosting.Branch, error)
}

// GitOps provides the git operations the orchestrator and the artifact
// store need. The default implementation shells out to the git binary.
type GitOps interface {
	// Clone clones url into path. A non-empty branch selects what to check
	// out; otherwise the remote default is used.
	Clone(ctx context.Context, url, branch, path string, creds Credentials) error

	// CheckoutBranch switches path to the named branch, creating it from
	// the current HEAD when it does not exist yet.
	CheckoutBranch(ctx context.Context, path, name string) error

	// Add stages existing files, given relative to the repository root.
	Add(ctx context.Context, path string, files ...string) error

	// AddContent writes relative-path -> content entries into the working
	// copy, creating parent directories, then stages them. It returns the
	// paths written, sorted.
	AddContent(ctx context.Context, path string, files map[string]string) ([]string, error)

	// Commit records the staged changes with the given identity. An empty
	// index returns ErrNothingToCommit.
	Commit(ctx context.Context, path, message, authorName, authorEmail string) error

	// Push pushes branch to origin, authenticating through creds.
	Push(ctx context.Context, path, branch string, creds Credentials) error

	// Pull updates the working copy from origin. A non-empty branch is
	// checked out first. With force, local changes are stashed around the
	// pull. A conflicted pull returns ErrMergeConflict.
	Pull(ctx context.Context, path, branch string, force bool, creds Credentials) error

	// Status returns a diagnostic snapshot of the working copy.
	Status(ctx context.Context, path string) (*WorkStatus, error)

	// CurrentBranch returns the checked-out branch name.
	CurrentBranch(ctx context.Context, path string) (string, error)

	// DefaultBranch returns the remote default branch, falling back to
	// main/master and finally the current branch.
	DefaultBranch(ctx context.Context, path string) (string, error)

	// ListBranches lists local branches.
	ListBranches(ctx context.Context, path string) ([]Branch, error)

	// Remove removes files from the working copy and the index.
	Remove(ctx context.Context, path string, files ...string) error

	// FileLog returns up to limit commits touching one file, newest first.
	FileLog(ctx context.Context, path, file string, limit int) ([]Commit, error)
}

// Store persists registry records and their audit events.
type Store interface {
	// Create inserts a record, assigning an ID when empty. Inserting a
	// (user, clone URL) pair that already exists loads the existing row
	// into rec instead of failing.
	Create(ctx context.Context, rec *RepositoryRecord) error

	// Get retrieves a record by user and clone URL. Absent records return
	// (nil, nil).
	Get(ctx context.Context, userID, cloneURL string) (*RepositoryRecord, error)

	// GetByName retrieves a record by user and "owner/repo" name. Absent
	// records return (nil, nil).
	GetByName(ctx context.Context, userID, repoName string) (*RepositoryRecord, error)

	// List returns all records for a user, oldest first.
	List(ctx context.Context, userID string) ([]*RepositoryRecord, error)

	// BeginClone atomically moves a record into StatusCloning and stamps
	// the attempt time. It reports false when the record is already
	// CLONING, meaning another caller holds the transition.
	BeginClone(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkCloned records a successful clone at localPath on branch.
	MarkCloned(ctx context.Context, id, localPath, branch string) error

	// MarkFailed records a failed clone attempt with its message.
	MarkFailed(ctx context.Context, id, message string) error

	// Delete removes a record and its events.
	Delete(ctx context.Context, id string) error

	// RecordEvent appends an audit event for a record.
	RecordEvent(ctx context.Context, ev *RepoEvent) error

	// ListEvents returns up to limit events for a record, newest first.
	ListEvents(ctx context.Context, recordID string, limit int) ([]*RepoEvent, error)

	// Close closes the store connection.
	Close() error
}
