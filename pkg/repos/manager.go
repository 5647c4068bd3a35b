package repos

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/promptkeep/promptkeep/pkg/hosting"
)

// DefaultBasePath is the default base path for working copy storage.
const DefaultBasePath = "/var/promptkeep/repos"

// workingCopyState is what reconciliation found on disk.
type workingCopyState int

const (
	workingCopyMissing workingCopyState = iota
	workingCopyHealthy
	// workingCopyCorrupt means the path exists without version control
	// metadata; it is removed before the next clone.
	workingCopyCorrupt
)

// DefaultManager implements Manager. It reconciles configured repositories
// against the registry and the filesystem, cloning what is missing. The
// filesystem is authoritative: a healthy working copy on disk wins over
// whatever the registry claims, and a CLONED record whose directory has gone
// missing is re-cloned rather than trusted.
type DefaultManager struct {
	paths         Paths
	gitOps        GitOps
	store         Store
	clients       hosting.Factory
	hostOpts      hosting.Options
	retryCooldown time.Duration
}

// ManagerOption is a functional option for configuring the manager.
type ManagerOption func(*DefaultManager)

// WithGitOps sets a custom GitOps implementation.
func WithGitOps(gitOps GitOps) ManagerOption {
	return func(m *DefaultManager) {
		m.gitOps = gitOps
	}
}

// WithClientFactory sets how hosting clients are constructed.
func WithClientFactory(f hosting.Factory) ManagerOption {
	return func(m *DefaultManager) {
		m.clients = f
	}
}

// WithHostingOptions sets base options (username, timeout) merged into every
// hosting client; the per-call token is filled in separately.
func WithHostingOptions(opts hosting.Options) ManagerOption {
	return func(m *DefaultManager) {
		m.hostOpts = opts
	}
}

// WithRetryCooldown suppresses clone retries for FAILED records whose last
// attempt is younger than d. Zero keeps the default: retry on every call.
func WithRetryCooldown(d time.Duration) ManagerOption {
	return func(m *DefaultManager) {
		m.retryCooldown = d
	}
}

// NewManager creates a repository manager storing working copies under
// paths.Base and tracking them in store.
func NewManager(paths Paths, store Store, opts ...ManagerOption) *DefaultManager {
	if paths.Base == "" {
		paths.Base = DefaultBasePath
	}
	m := &DefaultManager{
		paths:   paths,
		gitOps:  NewGitOps(),
		store:   store,
		clients: hosting.NewClient,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// EnsureRepos makes sure each configured repository has a healthy working
// copy, cloning or re-cloning where needed. It returns the names of the
// repositories available when it is done. Per-repository failures are
// logged and recorded in the registry, never returned: callers decide what
// a partial result means for them.
func (m *DefaultManager) EnsureRepos(ctx context.Context, userID string, configs []RepoConfig, token string) []string {
	log := clog.FromContext(ctx)

	available := make([]string, 0, len(configs))
	for _, cfg := range configs {
		ok, err := m.ensureRepo(ctx, userID, cfg, token)
		if err != nil {
			log.Errorf("repository %s unavailable: %v", cfg.RepoName, err)
			continue
		}
		if ok {
			available = append(available, cfg.RepoName)
		}
	}
	return available
}

func (m *DefaultManager) ensureRepo(ctx context.Context, userID string, cfg RepoConfig, token string) (bool, error) {
	repoPath := m.paths.Repo(userID, cfg.RepoName)

	state := m.reconcile(repoPath)
	if state == workingCopyHealthy {
		return true, nil
	}

	rec, err := m.store.Get(ctx, userID, cfg.RepoURL)
	if err != nil {
		return false, fmt.Errorf("looking up registry record: %w", err)
	}
	if rec == nil {
		rec = &RepositoryRecord{
			UserID:   userID,
			CloneURL: cfg.RepoURL,
			RepoName: cfg.RepoName,
			Branch:   cfg.BaseBranch,
			Status:   StatusPending,
		}
		if err := m.store.Create(ctx, rec); err != nil {
			return false, fmt.Errorf("registering repository: %w", err)
		}
	}

	switch rec.Status {
	case StatusCloning:
		// Another request holds the transition; it will finish or fail on
		// its own terms. Skip for this call.
		return false, nil
	case StatusFailed:
		if m.retryCooldown > 0 && rec.LastCloneAttempt != nil &&
			time.Since(*rec.LastCloneAttempt) < m.retryCooldown {
			m.recordEvent(ctx, rec.ID, EventRetrySkipped,
				"last attempt "+rec.LastCloneAttempt.UTC().Format(time.RFC3339))
			return false, nil
		}
	case StatusCloned:
		m.recordEvent(ctx, rec.ID, EventDriftDetected, "working copy missing at "+repoPath)
	}

	return m.clone(ctx, rec, repoPath, state, token)
}

// reconcile checks what is actually on disk at repoPath. The registry is
// not consulted: a healthy working copy is available no matter what the
// record says, and anything else is treated as absent.
func (m *DefaultManager) reconcile(repoPath string) workingCopyState {
	info, err := os.Stat(repoPath)
	if err != nil || !info.IsDir() {
		return workingCopyMissing
	}
	if IsWorkingCopy(repoPath) {
		return workingCopyHealthy
	}
	return workingCopyCorrupt
}

func (m *DefaultManager) clone(ctx context.Context, rec *RepositoryRecord, repoPath string, state workingCopyState, token string) (bool, error) {
	log := clog.FromContext(ctx)

	won, err := m.store.BeginClone(ctx, rec.ID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("starting clone transition: %w", err)
	}
	if !won {
		// Lost the race against a concurrent request.
		return false, nil
	}
	m.recordEvent(ctx, rec.ID, EventCloneStarted, rec.CloneURL)

	if state == workingCopyCorrupt {
		log.Warnf("removing stale directory %s before clone", repoPath)
		if err := os.RemoveAll(repoPath); err != nil {
			m.markFailed(ctx, rec.ID, fmt.Sprintf("removing stale directory: %v", err))
			return false, fmt.Errorf("removing stale directory: %w", err)
		}
	}

	creds := NewTokenCredentials(token)
	if err := m.gitOps.Clone(ctx, rec.CloneURL, rec.Branch, repoPath, creds); err != nil {
		// Leave nothing half-cloned behind; the next attempt starts clean.
		if rmErr := os.RemoveAll(repoPath); rmErr != nil {
			log.Warnf("cleaning up partial clone at %s: %v", repoPath, rmErr)
		}
		m.markFailed(ctx, rec.ID, err.Error())
		return false, fmt.Errorf("cloning %s: %w", rec.RepoName, err)
	}

	branch := rec.Branch
	if branch == "" {
		if current, err := m.gitOps.CurrentBranch(ctx, repoPath); err == nil {
			branch = current
		}
	}
	if err := m.store.MarkCloned(ctx, rec.ID, repoPath, branch); err != nil {
		log.Warnf("recording clone result for %s: %v", rec.RepoName, err)
	}
	m.recordEvent(ctx, rec.ID, EventCloneSucceeded, repoPath)
	return true, nil
}

// List returns the registry records for a user.
func (m *DefaultManager) List(ctx context.Context, userID string) ([]*RepositoryRecord, error) {
	return m.store.List(ctx, userID)
}

// Status reports a diagnostic snapshot of a tracked working copy.
func (m *DefaultManager) Status(ctx context.Context, userID, repoName string) (*WorkStatus, error) {
	repoPath := m.paths.Repo(userID, repoName)
	if m.reconcile(repoPath) != workingCopyHealthy {
		return nil, fmt.Errorf("no working copy for %s", repoName)
	}
	return m.gitOps.Status(ctx, repoPath)
}

// Pull refreshes a tracked working copy from its remote.
func (m *DefaultManager) Pull(ctx context.Context, userID, repoName, branch string, force bool, token string) error {
	repoPath := m.paths.Repo(userID, repoName)
	if m.reconcile(repoPath) != workingCopyHealthy {
		return fmt.Errorf("no working copy for %s", repoName)
	}
	return m.gitOps.Pull(ctx, repoPath, branch, force, NewTokenCredentials(token))
}

// Remove deletes the working copy and registry record for a repository.
func (m *DefaultManager) Remove(ctx context.Context, userID, repoName string) error {
	repoPath := m.paths.Repo(userID, repoName)
	if err := os.RemoveAll(repoPath); err != nil {
		return fmt.Errorf("removing working copy: %w", err)
	}
	m.cleanupEmptyDirs(filepath.Dir(repoPath))

	rec, err := m.store.GetByName(ctx, userID, repoName)
	if err != nil {
		return fmt.Errorf("looking up registry record: %w", err)
	}
	if rec == nil {
		return nil
	}
	return m.store.Delete(ctx, rec.ID)
}

// RemoteRepositories lists the repositories the token can reach on a
// provider.
func (m *DefaultManager) RemoteRepositories(ctx context.Context, provider hosting.Provider, token string) ([]hosting.Repository, error) {
	client, err := m.hostingClient(provider, token)
	if err != nil {
		return nil, err
	}
	return client.ListRepositories(ctx)
}

// RemoteBranches lists branches for one hosted repository. When the branch
// listing fails but the repository itself is reachable, the default branch
// stands in for the full list.
func (m *DefaultManager) RemoteBranches(ctx context.Context, provider hosting.Provider, token, owner, name string) ([]hosting.Branch, error) {
	client, err := m.hostingClient(provider, token)
	if err != nil {
		return nil, err
	}

	branches, err := client.ListBranches(ctx, owner, name)
	if err == nil {
		return branches, nil
	}

	repo, repoErr := client.GetRepository(ctx, owner, name)
	if repoErr != nil || repo.DefaultBranch == "" {
		return nil, err
	}
	clog.FromContext(ctx).Warnf("branch listing for %s/%s failed, falling back to default branch: %v", owner, name, err)
	return []hosting.Branch{{Name: repo.DefaultBranch, IsDefault: true}}, nil
}

// Internal helper methods

func (m *DefaultManager) hostingClient(provider hosting.Provider, token string) (hosting.Client, error) {
	opts := m.hostOpts
	opts.Token = token
	return m.clients(provider, opts)
}

func (m *DefaultManager) markFailed(ctx context.Context, id, message string) {
	if err := m.store.MarkFailed(ctx, id, message); err != nil {
		clog.FromContext(ctx).Warnf("recording clone failure: %v", err)
	}
	m.recordEvent(ctx, id, EventCloneFailed, message)
}

func (m *DefaultManager) recordEvent(ctx context.Context, recordID, event, detail string) {
	err := m.store.RecordEvent(ctx, &RepoEvent{
		RecordID: recordID,
		Event:    event,
		Detail:   detail,
	})
	if err != nil {
		clog.FromContext(ctx).Warnf("recording %s event: %v", event, err)
	}
}

func (m *DefaultManager) cleanupEmptyDirs(path string) {
	// Don't go above the base directory.
	for path != m.paths.Base && strings.HasPrefix(path, m.paths.Base) {
		entries, err := os.ReadDir(path)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(path); err != nil {
			break
		}
		path = filepath.Dir(path)
	}
}

// Ensure DefaultManager implements Manager.
var _ Manager = (*DefaultManager)(nil)
