package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/promptkeep/promptkeep/pkg/hosting"
	"github.com/promptkeep/promptkeep/pkg/repos"
)

// recordingGitOps writes and removes files like the real implementation but
// records commits and pushes instead of shelling out.
type recordingGitOps struct {
	repos.GitOps
	branch  string
	commits []string
	pushes  []string
	removed []string
	log     []repos.Commit
	pushErr error
}

func (g *recordingGitOps) AddContent(ctx context.Context, repoPath string, files map[string]string) ([]string, error) {
	written := make([]string, 0, len(files))
	for rel := range files {
		written = append(written, rel)
	}
	sort.Strings(written)
	for _, rel := range written {
		abs := filepath.Join(repoPath, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(abs, []byte(files[rel]), 0o644); err != nil {
			return nil, err
		}
	}
	return written, nil
}

func (g *recordingGitOps) Commit(ctx context.Context, path, message, authorName, authorEmail string) error {
	g.commits = append(g.commits, message)
	return nil
}

func (g *recordingGitOps) CurrentBranch(ctx context.Context, path string) (string, error) {
	if g.branch == "" {
		return "main", nil
	}
	return g.branch, nil
}

func (g *recordingGitOps) Push(ctx context.Context, path, branch string, creds repos.Credentials) error {
	if g.pushErr != nil {
		return g.pushErr
	}
	g.pushes = append(g.pushes, branch)
	return nil
}

func (g *recordingGitOps) Remove(ctx context.Context, path string, files ...string) error {
	g.removed = append(g.removed, files...)
	for _, f := range files {
		_ = os.Remove(filepath.Join(path, filepath.FromSlash(f)))
	}
	return nil
}

func (g *recordingGitOps) FileLog(ctx context.Context, path, file string, limit int) ([]repos.Commit, error) {
	return g.log, nil
}

// fakeRegistry serves one registered repository record.
type fakeRegistry struct {
	repos.Store
	rec *repos.RepositoryRecord
}

func (f *fakeRegistry) GetByName(ctx context.Context, userID, repoName string) (*repos.RepositoryRecord, error) {
	if f.rec != nil && f.rec.UserID == userID && f.rec.RepoName == repoName {
		return f.rec, nil
	}
	return nil, nil
}

// fakePRClient stubs the pull request surface of a hosting client.
type fakePRClient struct {
	hosting.Client
	existing  *hosting.PullRequest
	findErr   error
	created   []hosting.NewPullRequest
	createErr error
}

func (f *fakePRClient) FindPullRequest(ctx context.Context, owner, name, head, base string) (*hosting.PullRequest, error) {
	return f.existing, f.findErr
}

func (f *fakePRClient) CreatePullRequest(ctx context.Context, owner, name string, pr hosting.NewPullRequest) (*hosting.PullRequest, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, pr)
	return &hosting.PullRequest{
		Number:     42,
		Title:      pr.Title,
		HeadBranch: pr.HeadBranch,
		BaseBranch: pr.BaseBranch,
	}, nil
}

// newWorkingCopy lays out a bare-bones working copy under a fresh base path.
func newWorkingCopy(t *testing.T) (repos.Paths, string) {
	t.Helper()
	base := t.TempDir()
	repoPath := filepath.Join(base, "acme", "demo")
	require.NoError(t, os.MkdirAll(filepath.Join(repoPath, ".git"), 0o755))
	return repos.Paths{Base: base}, repoPath
}

func registeredRepo(baseBranch string) *fakeRegistry {
	return &fakeRegistry{rec: &repos.RepositoryRecord{
		ID:       "rec-1",
		UserID:   "alice",
		RepoName: "acme/demo",
		CloneURL: "https://github.com/acme/demo.git",
		Branch:   baseBranch,
		Status:   repos.StatusCloned,
	}}
}

func readYAML(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var data map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &data))
	return data
}

func TestSaveDerivesPathAndStampsTimestamps(t *testing.T) {
	paths, repoPath := newWorkingCopy(t)
	git := &recordingGitOps{}
	store := NewStore(paths, registeredRepo("main"), WithGitOps(git))

	result, err := store.Save(context.Background(), SaveRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		Type:     TypePrompt,
		Name:     "Greeting Prompt",
		Data:     map[string]any{"prompt": "You are a helpful assistant."},
		Token:    "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, "prompts/greeting-prompt.prompt.yaml", result.Path)
	assert.True(t, result.Created)
	assert.Nil(t, result.PullRequest)

	body := readYAML(t, filepath.Join(repoPath, "prompts", "greeting-prompt.prompt.yaml"))
	assert.Equal(t, "You are a helpful assistant.", body["prompt"])
	assert.NotEmpty(t, body["created_at"])
	assert.Equal(t, body["created_at"], body["updated_at"])

	assert.Equal(t, []string{"Add prompts/greeting-prompt.prompt.yaml"}, git.commits)
	assert.Equal(t, []string{"main"}, git.pushes)
}

func TestSaveUpdatePreservesCreatedAt(t *testing.T) {
	paths, repoPath := newWorkingCopy(t)
	git := &recordingGitOps{}
	store := NewStore(paths, registeredRepo("main"), WithGitOps(git))

	req := SaveRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		Type:     TypePrompt,
		Name:     "Greeting",
		Data:     map[string]any{"prompt": "first version"},
	}
	first, err := store.Save(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Created)
	firstBody := readYAML(t, filepath.Join(repoPath, "prompts", "greeting.prompt.yaml"))

	req.Data = map[string]any{"prompt": "second version"}
	second, err := store.Save(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Path, second.Path)

	secondBody := readYAML(t, filepath.Join(repoPath, "prompts", "greeting.prompt.yaml"))
	assert.Equal(t, "second version", secondBody["prompt"])
	assert.Equal(t, firstBody["created_at"], secondBody["created_at"])

	require.Len(t, git.commits, 2)
	assert.Equal(t, "Update prompts/greeting.prompt.yaml", git.commits[1])
}

func TestSaveExplicitPathMustMatchSuffix(t *testing.T) {
	paths, _ := newWorkingCopy(t)
	store := NewStore(paths, registeredRepo("main"), WithGitOps(&recordingGitOps{}))

	_, err := store.Save(context.Background(), SaveRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		Type:     TypePrompt,
		FilePath: "prompts/greet.yaml",
		Data:     map[string]any{"prompt": "hi"},
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "prompts/greet.yaml", verr.Path)
}

func TestSaveRejectsUnknownType(t *testing.T) {
	paths, _ := newWorkingCopy(t)
	store := NewStore(paths, registeredRepo("main"), WithGitOps(&recordingGitOps{}))

	_, err := store.Save(context.Background(), SaveRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		Type:     Type("model"),
		Name:     "x",
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSaveSchemaViolationWritesNothing(t *testing.T) {
	paths, repoPath := newWorkingCopy(t)
	git := &recordingGitOps{}
	store := NewStore(paths, registeredRepo("main"), WithGitOps(git))

	_, err := store.Save(context.Background(), SaveRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		Type:     TypePrompt,
		Name:     "broken",
		Data:     map[string]any{"name": "no prompt field"},
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, git.commits)
	assert.Empty(t, git.pushes)
	_, statErr := os.Stat(filepath.Join(repoPath, "prompts", "broken.prompt.yaml"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSaveUnregisteredRepo(t *testing.T) {
	paths, _ := newWorkingCopy(t)
	store := NewStore(paths, &fakeRegistry{}, WithGitOps(&recordingGitOps{}))

	_, err := store.Save(context.Background(), SaveRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		Type:     TypePrompt,
		Name:     "greet",
		Data:     map[string]any{"prompt": "hi"},
	})
	assert.ErrorIs(t, err, ErrRepoNotCloned)
}

func TestSaveMissingWorkingCopy(t *testing.T) {
	store := NewStore(repos.Paths{Base: t.TempDir()}, registeredRepo("main"), WithGitOps(&recordingGitOps{}))

	_, err := store.Save(context.Background(), SaveRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		Type:     TypePrompt,
		Name:     "greet",
		Data:     map[string]any{"prompt": "hi"},
	})
	assert.ErrorIs(t, err, ErrRepoNotCloned)
}

func TestSaveOpensPullRequestOffBaseBranch(t *testing.T) {
	paths, _ := newWorkingCopy(t)
	git := &recordingGitOps{branch: "feature/save"}
	client := &fakePRClient{}
	var gotProvider hosting.Provider
	var gotToken string
	store := NewStore(paths, registeredRepo("main"),
		WithGitOps(git),
		WithClientFactory(func(p hosting.Provider, o hosting.Options) (hosting.Client, error) {
			gotProvider = p
			gotToken = o.Token
			return client, nil
		}))

	result, err := store.Save(context.Background(), SaveRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		Type:     TypePrompt,
		Name:     "greet",
		Data:     map[string]any{"prompt": "hi"},
		Token:    "tok",
	})
	require.NoError(t, err)
	require.NoError(t, result.PullRequestErr)
	require.NotNil(t, result.PullRequest)
	assert.Equal(t, 42, result.PullRequest.Number)
	assert.Equal(t, hosting.ProviderGitHub, gotProvider)
	assert.Equal(t, "tok", gotToken)

	require.Len(t, client.created, 1)
	assert.Equal(t, "Add prompts/greet.prompt.yaml", client.created[0].Title)
	assert.Equal(t, "feature/save", client.created[0].HeadBranch)
	assert.Equal(t, "main", client.created[0].BaseBranch)
	assert.Contains(t, client.created[0].Body, "feature/save")
}

func TestSaveReusesExistingPullRequest(t *testing.T) {
	paths, _ := newWorkingCopy(t)
	git := &recordingGitOps{branch: "feature/save"}
	client := &fakePRClient{existing: &hosting.PullRequest{Number: 7}}
	store := NewStore(paths, registeredRepo("main"),
		WithGitOps(git),
		WithClientFactory(func(hosting.Provider, hosting.Options) (hosting.Client, error) {
			return client, nil
		}))

	result, err := store.Save(context.Background(), SaveRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		Type:     TypePrompt,
		Name:     "greet",
		Data:     map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.PullRequest)
	assert.Equal(t, 7, result.PullRequest.Number)
	assert.Empty(t, client.created)
}

func TestSaveOnBaseBranchSkipsPullRequest(t *testing.T) {
	paths, _ := newWorkingCopy(t)
	git := &recordingGitOps{branch: "main"}
	factoryCalled := false
	store := NewStore(paths, registeredRepo("main"),
		WithGitOps(git),
		WithClientFactory(func(hosting.Provider, hosting.Options) (hosting.Client, error) {
			factoryCalled = true
			return &fakePRClient{}, nil
		}))

	result, err := store.Save(context.Background(), SaveRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		Type:     TypePrompt,
		Name:     "greet",
		Data:     map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)
	assert.Nil(t, result.PullRequest)
	assert.False(t, factoryCalled)
}

func TestSavePullRequestFailureDoesNotFailSave(t *testing.T) {
	paths, _ := newWorkingCopy(t)
	git := &recordingGitOps{branch: "feature/save"}
	client := &fakePRClient{findErr: errors.New("api down")}
	store := NewStore(paths, registeredRepo("main"),
		WithGitOps(git),
		WithClientFactory(func(hosting.Provider, hosting.Options) (hosting.Client, error) {
			return client, nil
		}))

	result, err := store.Save(context.Background(), SaveRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		Type:     TypePrompt,
		Name:     "greet",
		Data:     map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)
	assert.Nil(t, result.PullRequest)
	assert.Error(t, result.PullRequestErr)
	// The commit and push still landed.
	assert.Len(t, git.pushes, 1)
}

func TestDeleteCommitsRemoval(t *testing.T) {
	paths, repoPath := newWorkingCopy(t)
	git := &recordingGitOps{}
	store := NewStore(paths, registeredRepo("main"), WithGitOps(git))

	target := filepath.Join(repoPath, "prompts", "old.prompt.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("prompt: old\n"), 0o644))

	err := store.Delete(context.Background(), DeleteRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		FilePath: "prompts/old.prompt.yaml",
		Token:    "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"prompts/old.prompt.yaml"}, git.removed)
	assert.Equal(t, []string{"Delete prompts/old.prompt.yaml"}, git.commits)
	assert.Equal(t, []string{"main"}, git.pushes)
}

func TestDeleteMissingArtifact(t *testing.T) {
	paths, _ := newWorkingCopy(t)
	store := NewStore(paths, registeredRepo("main"), WithGitOps(&recordingGitOps{}))

	err := store.Delete(context.Background(), DeleteRequest{
		UserID:   "alice",
		RepoName: "acme/demo",
		FilePath: "prompts/never-existed.prompt.yaml",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadReturnsArtifactWithHistory(t *testing.T) {
	paths, repoPath := newWorkingCopy(t)
	git := &recordingGitOps{log: []repos.Commit{{ShortHash: "abc1234", Subject: "Add prompts/greet.prompt.yaml"}}}
	store := NewStore(paths, registeredRepo("main"), WithGitOps(git))

	target := filepath.Join(repoPath, "prompts", "greet.prompt.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("prompt: hello\nmodel: gpt-4o\n"), 0o644))

	artifact, err := store.Load(context.Background(), "alice", "acme/demo", "prompts/greet.prompt.yaml")
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, TypePrompt, artifact.Type)
	assert.Equal(t, "greet", artifact.Name)
	assert.Equal(t, "prompts/greet.prompt.yaml", artifact.Path)
	assert.Equal(t, "hello", artifact.Data["prompt"])
	require.Len(t, artifact.History, 1)
	assert.Equal(t, "abc1234", artifact.History[0].ShortHash)
}

func TestLoadAbsentOrUnparseable(t *testing.T) {
	paths, repoPath := newWorkingCopy(t)
	store := NewStore(paths, registeredRepo("main"), WithGitOps(&recordingGitOps{}))

	// Absent file: no artifact, no error.
	artifact, err := store.Load(context.Background(), "alice", "acme/demo", "prompts/missing.prompt.yaml")
	require.NoError(t, err)
	assert.Nil(t, artifact)

	// Unparseable file: same answer.
	target := filepath.Join(repoPath, "prompts", "bad.prompt.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("{not yaml: ["), 0o644))
	artifact, err = store.Load(context.Background(), "alice", "acme/demo", "prompts/bad.prompt.yaml")
	require.NoError(t, err)
	assert.Nil(t, artifact)
}

func TestLoadRejectsUnrecognizedSuffix(t *testing.T) {
	paths, _ := newWorkingCopy(t)
	store := NewStore(paths, registeredRepo("main"), WithGitOps(&recordingGitOps{}))

	_, err := store.Load(context.Background(), "alice", "acme/demo", "config.yaml")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDiscoverGroupsAndSkipsHiddenDirs(t *testing.T) {
	paths, repoPath := newWorkingCopy(t)
	store := NewStore(paths, registeredRepo("main"), WithGitOps(&recordingGitOps{}))

	files := map[string]string{
		"prompts/b.prompt.yaml":       "prompt: b\n",
		"prompts/a.prompt.yaml":       "prompt: a\n",
		"tools/ping.tool.yaml":        "description: ping\n",
		"nested/deep/c.prompt.yaml":   "prompt: c\n",
		"config.yaml":                 "ignored: true\n",
		".git/junk.prompt.yaml":       "prompt: never\n",
		".hidden/d.prompt.yaml":       "prompt: never\n",
		"nested/.cache/e.prompt.yaml": "prompt: never\n",
	}
	for rel, content := range files {
		abs := filepath.Join(repoPath, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}

	found, err := store.Discover(context.Background(), "alice", "acme/demo")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"nested/deep/c.prompt.yaml",
		"prompts/a.prompt.yaml",
		"prompts/b.prompt.yaml",
	}, found[TypePrompt])
	assert.Equal(t, []string{"tools/ping.tool.yaml"}, found[TypeTool])
}

func TestDiscoverRequiresWorkingCopy(t *testing.T) {
	store := NewStore(repos.Paths{Base: t.TempDir()}, registeredRepo("main"), WithGitOps(&recordingGitOps{}))

	_, err := store.Discover(context.Background(), "alice", "acme/demo")
	assert.ErrorIs(t, err, ErrRepoNotCloned)
}

func TestHistory(t *testing.T) {
	paths, _ := newWorkingCopy(t)
	git := &recordingGitOps{log: []repos.Commit{
		{ShortHash: "bbb", Subject: "Update prompts/greet.prompt.yaml"},
		{ShortHash: "aaa", Subject: "Add prompts/greet.prompt.yaml"},
	}}
	store := NewStore(paths, registeredRepo("main"), WithGitOps(git))

	commits, err := store.History(context.Background(), "alice", "acme/demo", "prompts/greet.prompt.yaml", 20)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "bbb", commits[0].ShortHash)

	_, err = store.History(context.Background(), "alice", "acme/other", "prompts/greet.prompt.yaml", 20)
	assert.ErrorIs(t, err, ErrRepoNotCloned)
}
