package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"gopkg.in/yaml.v3"

	"github.com/promptkeep/promptkeep/pkg/hosting"
	"github.com/promptkeep/promptkeep/pkg/repos"
)

// Store reads and writes typed artifacts inside tracked working copies.
// Every mutation is committed and pushed so the hosted repository remains
// authoritative.
type Store struct {
	paths    repos.Paths
	gitOps   repos.GitOps
	registry repos.Store
	clients  hosting.Factory
	hostOpts hosting.Options
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithGitOps overrides the git implementation.
func WithGitOps(gitOps repos.GitOps) StoreOption {
	return func(s *Store) {
		s.gitOps = gitOps
	}
}

// WithClientFactory overrides how hosting clients are built.
func WithClientFactory(factory hosting.Factory) StoreOption {
	return func(s *Store) {
		s.clients = factory
	}
}

// WithHostingOptions sets base options for hosting clients. The per-call
// token is merged in on use.
func WithHostingOptions(opts hosting.Options) StoreOption {
	return func(s *Store) {
		s.hostOpts = opts
	}
}

// NewStore creates an artifact store over the given layout and registry.
func NewStore(paths repos.Paths, registry repos.Store, opts ...StoreOption) *Store {
	s := &Store{
		paths:    paths,
		gitOps:   repos.NewGitOps(),
		registry: registry,
		clients:  hosting.NewClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Discover walks a working copy and groups artifact files by type. Dot
// directories are skipped at any depth, so .git and other hidden trees never
// contribute files. Paths come back slash-separated and sorted.
func (s *Store) Discover(ctx context.Context, userID, repoName string) (map[Type][]string, error) {
	repoPath := s.paths.Repo(userID, repoName)
	if !repos.IsWorkingCopy(repoPath) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotCloned, repoName)
	}

	found := make(map[Type][]string)
	err := filepath.WalkDir(repoPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != repoPath && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		t, ok := Classify(d.Name())
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(repoPath, p)
		if err != nil {
			return err
		}
		found[t] = append(found[t], filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan working copy: %w", err)
	}

	for _, paths := range found {
		sort.Strings(paths)
	}
	return found, nil
}

// Load reads one artifact. A missing or unparseable file returns (nil, nil)
// rather than an error. Commit history is attached best-effort.
func (s *Store) Load(ctx context.Context, userID, repoName, filePath string) (*Artifact, error) {
	repoPath := s.paths.Repo(userID, repoName)
	if !repos.IsWorkingCopy(repoPath) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotCloned, repoName)
	}

	t, ok := Classify(filePath)
	if !ok {
		return nil, &ValidationError{Path: filePath, Problems: []string{"path does not carry a recognized artifact suffix"}}
	}

	data := readBody(filepath.Join(repoPath, filepath.FromSlash(filePath)))
	if data == nil {
		return nil, nil
	}

	artifact := &Artifact{
		Type: t,
		Name: strings.TrimSuffix(path.Base(filePath), t.Suffix()),
		Path: filePath,
		Data: data,
	}
	if history, err := s.gitOps.FileLog(ctx, repoPath, filePath, 10); err == nil {
		artifact.History = history
	}
	return artifact, nil
}

// Save writes an artifact body, commits it and pushes the current branch.
// When that branch differs from the repository's base branch, an open pull
// request is found or created afterwards; that step is best-effort and its
// outcome is reported in the result, never as the save's error.
func (s *Store) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	if !req.Type.Valid() {
		return nil, &ValidationError{Path: req.FilePath, Problems: []string{fmt.Sprintf("unknown artifact type %q", req.Type)}}
	}

	rec, err := s.registry.GetByName(ctx, req.UserID, req.RepoName)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s is not registered", ErrRepoNotCloned, req.RepoName)
	}

	repoPath := s.paths.Repo(req.UserID, req.RepoName)
	if !repos.IsWorkingCopy(repoPath) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotCloned, req.RepoName)
	}

	relPath, err := s.resolvePath(req)
	if err != nil {
		return nil, err
	}

	absPath := filepath.Join(repoPath, filepath.FromSlash(relPath))
	_, statErr := os.Stat(absPath)
	created := os.IsNotExist(statErr)

	data := make(map[string]any, len(req.Data)+2)
	for k, v := range req.Data {
		data[k] = v
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	data["updated_at"] = now
	if !created {
		if existing := readBody(absPath); existing != nil {
			if v, ok := existing["created_at"]; ok {
				data["created_at"] = v
			}
		}
	}
	if _, ok := data["created_at"]; !ok {
		data["created_at"] = now
	}

	if err := validateBody(req.Type, relPath, data); err != nil {
		return nil, err
	}

	payload, err := yaml.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact: %w", err)
	}

	if _, err := s.gitOps.AddContent(ctx, repoPath, map[string]string{relPath: string(payload)}); err != nil {
		return nil, err
	}

	message := "Update " + relPath
	if created {
		message = "Add " + relPath
	}
	// An empty index is fine here: an earlier save may have committed but
	// failed to push, and this push retries it.
	if err := s.gitOps.Commit(ctx, repoPath, message, req.AuthorName, req.AuthorEmail); err != nil && !errors.Is(err, repos.ErrNothingToCommit) {
		return nil, err
	}

	branch, err := s.gitOps.CurrentBranch(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if err := s.gitOps.Push(ctx, repoPath, branch, repos.NewTokenCredentials(req.Token)); err != nil {
		return nil, err
	}

	result := &SaveResult{Path: relPath, Created: created}
	if rec.Branch != "" && branch != rec.Branch {
		pr, prErr := s.ensurePullRequest(ctx, rec, branch, rec.Branch, req.Token, message)
		result.PullRequest = pr
		result.PullRequestErr = prErr
		if prErr != nil {
			clog.FromContext(ctx).Warnf("pull request step failed for %s: %v", req.RepoName, prErr)
		}
	}
	return result, nil
}

// Delete removes an artifact file, commits the removal and pushes the
// current branch. A missing file returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, req DeleteRequest) error {
	repoPath := s.paths.Repo(req.UserID, req.RepoName)
	if !repos.IsWorkingCopy(repoPath) {
		return fmt.Errorf("%w: %s", ErrRepoNotCloned, req.RepoName)
	}

	absPath := filepath.Join(repoPath, filepath.FromSlash(req.FilePath))
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, req.FilePath)
	}

	if err := s.gitOps.Remove(ctx, repoPath, req.FilePath); err != nil {
		return err
	}
	if err := s.gitOps.Commit(ctx, repoPath, "Delete "+req.FilePath, req.AuthorName, req.AuthorEmail); err != nil && !errors.Is(err, repos.ErrNothingToCommit) {
		return err
	}

	branch, err := s.gitOps.CurrentBranch(ctx, repoPath)
	if err != nil {
		return err
	}
	return s.gitOps.Push(ctx, repoPath, branch, repos.NewTokenCredentials(req.Token))
}

// History returns the commits that touched one artifact file, newest first.
func (s *Store) History(ctx context.Context, userID, repoName, filePath string, limit int) ([]repos.Commit, error) {
	repoPath := s.paths.Repo(userID, repoName)
	if !repos.IsWorkingCopy(repoPath) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotCloned, repoName)
	}
	return s.gitOps.FileLog(ctx, repoPath, filePath, limit)
}

// resolvePath decides where an artifact lands. A caller-supplied path must
// already carry the type's suffix; otherwise the path is derived from the
// slugged name.
func (s *Store) resolvePath(req SaveRequest) (string, error) {
	if req.FilePath != "" {
		if !strings.HasSuffix(req.FilePath, req.Type.Suffix()) {
			return "", &ValidationError{Path: req.FilePath, Problems: []string{fmt.Sprintf("path must end in %s", req.Type.Suffix())}}
		}
		return req.FilePath, nil
	}
	slug := Slugify(req.Name)
	if slug == "" {
		return "", &ValidationError{Problems: []string{"a name is required to derive a file path"}}
	}
	return path.Join(typeDirs[req.Type], slug+req.Type.Suffix()), nil
}

func (s *Store) ensurePullRequest(ctx context.Context, rec *repos.RepositoryRecord, head, base, token, title string) (*hosting.PullRequest, error) {
	provider, owner, name, err := hosting.ParseRemote(rec.CloneURL)
	if err != nil {
		return nil, err
	}

	opts := s.hostOpts
	opts.Token = token
	client, err := s.clients(provider, opts)
	if err != nil {
		return nil, err
	}

	existing, err := client.FindPullRequest(ctx, owner, name, head, base)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return client.CreatePullRequest(ctx, owner, name, hosting.NewPullRequest{
		Title:      title,
		Body:       fmt.Sprintf("Automated update pushed to %s by promptkeep.", head),
		HeadBranch: head,
		BaseBranch: base,
	})
}

// readBody parses a YAML mapping from disk, returning nil when the file is
// absent or does not parse as a mapping.
func readBody(absPath string) map[string]any {
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil
	}
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return data
}
