package repos

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
)

// DefaultGitOps implements GitOps using the git command line.
type DefaultGitOps struct{}

// NewGitOps creates a new GitOps implementation.
func NewGitOps() *DefaultGitOps {
	return &DefaultGitOps{}
}

// Clone clones a repository to the specified path, authenticating through
// creds. The credentialed URL is only ever passed on the command line; after
// the clone the origin remote is reset to the clean URL so no token lands in
// the repository configuration.
func (g *DefaultGitOps) Clone(ctx context.Context, url, branch, path string, creds Credentials) error {
	authURL, err := credURL(creds, url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating clone parent directory: %w", err)
	}

	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, authURL, path)
	cmd := exec.CommandContext(ctx, "git", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &GitError{Op: "clone", Output: redactSecret(output, authURL, url), Err: err}
	}

	if authURL != url {
		cmd = exec.CommandContext(ctx, "git", "remote", "set-url", "origin", url)
		cmd.Dir = path
		if output, err := cmd.CombinedOutput(); err != nil {
			return &GitError{Op: "remote set-url", Output: redactSecret(output, authURL, url), Err: err}
		}
	}
	return nil
}

// CheckoutBranch switches to the named branch, creating it from the current
// HEAD when it does not exist yet.
func (g *DefaultGitOps) CheckoutBranch(ctx context.Context, path, name string) error {
	cmd := exec.CommandContext(ctx, "git", "checkout", name)
	cmd.Dir = path
	if _, err := cmd.CombinedOutput(); err == nil {
		return nil
	}

	cmd = exec.CommandContext(ctx, "git", "checkout", "-b", name)
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &GitError{Op: "checkout -b", Output: trimOutput(output), Err: err}
	}
	return nil
}

// Add stages files for commit, given relative to the repository root.
func (g *DefaultGitOps) Add(ctx context.Context, path string, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, files...)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &GitError{Op: "add", Output: trimOutput(output), Err: err}
	}
	return nil
}

// AddContent writes relative-path -> content entries into the working copy,
// creating parent directories as needed, then stages them. It returns the
// paths written, sorted.
func (g *DefaultGitOps) AddContent(ctx context.Context, path string, files map[string]string) ([]string, error) {
	written := make([]string, 0, len(files))
	for rel := range files {
		written = append(written, rel)
	}
	sort.Strings(written)

	for _, rel := range written {
		abs := filepath.Join(path, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("creating directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(abs, []byte(files[rel]), 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", rel, err)
		}
	}

	if err := g.Add(ctx, path, written...); err != nil {
		return nil, err
	}
	return written, nil
}

// Commit records the staged changes with the given identity. The identity is
// passed per invocation with -c, so nothing is written to git config. An
// empty index returns ErrNothingToCommit.
func (g *DefaultGitOps) Commit(ctx context.Context, path, message, authorName, authorEmail string) error {
	var args []string
	if authorName != "" && authorEmail != "" {
		args = append(args, "-c", "user.name="+authorName, "-c", "user.email="+authorEmail)
	}
	args = append(args, "commit", "-m", message)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		out := trimOutput(output)
		if strings.Contains(out, "nothing to commit") ||
			strings.Contains(out, "nothing added to commit") ||
			strings.Contains(out, "no changes added to commit") {
			return ErrNothingToCommit
		}
		return &GitError{Op: "commit", Output: out, Err: err}
	}
	return nil
}

// Push pushes branch to origin as branch:branch, authenticating through
// creds. The credentialed URL is passed on the command line only.
func (g *DefaultGitOps) Push(ctx context.Context, path, branch string, creds Credentials) error {
	remote, err := g.remoteURL(ctx, path)
	if err != nil {
		return err
	}
	authURL, err := credURL(creds, remote)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "git", "push", authURL, branch+":"+branch)
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &GitError{Op: "push", Output: redactSecret(output, authURL, remote), Err: err}
	}
	return nil
}

// Pull updates the working copy from origin. A non-empty branch is checked
// out first. With force, local changes are stashed around the pull; a failed
// stash pop is logged and left in the stash for manual recovery. A
// conflicted pull returns ErrMergeConflict.
func (g *DefaultGitOps) Pull(ctx context.Context, path, branch string, force bool, creds Credentials) error {
	log := clog.FromContext(ctx)

	if branch != "" {
		if err := g.CheckoutBranch(ctx, path, branch); err != nil {
			return err
		}
	}
	target := branch
	if target == "" {
		current, err := g.CurrentBranch(ctx, path)
		if err != nil {
			return err
		}
		target = current
	}

	remote, err := g.remoteURL(ctx, path)
	if err != nil {
		return err
	}
	authURL, err := credURL(creds, remote)
	if err != nil {
		return err
	}

	stashed := false
	if force {
		cmd := exec.CommandContext(ctx, "git", "stash", "push", "-m", "promptkeep-auto-stash")
		cmd.Dir = path
		output, err := cmd.CombinedOutput()
		if err != nil {
			return &GitError{Op: "stash", Output: trimOutput(output), Err: err}
		}
		stashed = !strings.Contains(string(output), "No local changes")
	}

	cmd := exec.CommandContext(ctx, "git", "pull", authURL, target)
	cmd.Dir = path
	output, pullErr := cmd.CombinedOutput()

	if stashed {
		popCmd := exec.CommandContext(ctx, "git", "stash", "pop")
		popCmd.Dir = path
		if popOut, err := popCmd.CombinedOutput(); err != nil {
			log.Warnf("stash pop after pull failed, changes remain stashed: %s", trimOutput(popOut))
		}
	}

	if pullErr != nil {
		out := redactSecret(output, authURL, remote)
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
			return fmt.Errorf("%w: %s", ErrMergeConflict, out)
		}
		return &GitError{Op: "pull", Output: out, Err: pullErr}
	}
	return nil
}

// Status returns a diagnostic snapshot of the working copy.
func (g *DefaultGitOps) Status(ctx context.Context, path string) (*WorkStatus, error) {
	branch, err := g.CurrentBranch(ctx, path)
	if err != nil {
		return nil, err
	}
	status := &WorkStatus{CurrentBranch: branch}

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, &GitError{Op: "status", Output: trimOutput(output), Err: err}
	}

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 3 {
			continue
		}

		indexStatus := line[0]
		workTreeStatus := line[1]
		file := strings.TrimSpace(line[2:])

		// Untracked files
		if indexStatus == '?' && workTreeStatus == '?' {
			status.UntrackedFiles = append(status.UntrackedFiles, file)
			continue
		}
		// Staged changes
		if indexStatus != ' ' {
			status.StagedFiles = append(status.StagedFiles, file)
		}
		// Modified but not staged
		if workTreeStatus == 'M' || workTreeStatus == 'D' {
			status.ModifiedFiles = append(status.ModifiedFiles, file)
		}
	}

	status.IsClean = len(status.ModifiedFiles) == 0 &&
		len(status.StagedFiles) == 0 &&
		len(status.UntrackedFiles) == 0

	// Ahead/behind counts; upstream might not be set, ignore errors.
	revListCmd := exec.CommandContext(ctx, "git", "rev-list", "--left-right", "--count", "HEAD...@{upstream}")
	revListCmd.Dir = path
	if revOutput, err := revListCmd.CombinedOutput(); err == nil {
		parts := strings.Fields(strings.TrimSpace(string(revOutput)))
		if len(parts) == 2 {
			status.Ahead, _ = strconv.Atoi(parts[0])
			status.Behind, _ = strconv.Atoi(parts[1])
		}
	}

	if commits, err := g.logCommits(ctx, path, 1); err == nil && len(commits) > 0 {
		status.LastCommit = &commits[0]
	}

	return status, nil
}

// CurrentBranch returns the current branch name.
func (g *DefaultGitOps) CurrentBranch(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", &GitError{Op: "rev-parse", Output: trimOutput(output), Err: err}
	}
	return strings.TrimSpace(string(output)), nil
}

// DefaultBranch returns the default branch name.
func (g *DefaultGitOps) DefaultBranch(ctx context.Context, path string) (string, error) {
	// Try the remote HEAD first.
	cmd := exec.CommandContext(ctx, "git", "symbolic-ref", "refs/remotes/origin/HEAD")
	cmd.Dir = path
	if output, err := cmd.CombinedOutput(); err == nil {
		ref := strings.TrimSpace(string(output))
		// Format: refs/remotes/origin/main
		parts := strings.Split(ref, "/")
		if len(parts) > 0 {
			return parts[len(parts)-1], nil
		}
	}

	// Fallback: check common default branch names.
	for _, branch := range []string{"main", "master"} {
		checkCmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
		checkCmd.Dir = path
		if err := checkCmd.Run(); err == nil {
			return branch, nil
		}
	}

	// Last resort: the current branch.
	return g.CurrentBranch(ctx, path)
}

// ListBranches lists local branches.
func (g *DefaultGitOps) ListBranches(ctx context.Context, path string) ([]Branch, error) {
	cmd := exec.CommandContext(ctx, "git", "branch", "--format=%(refname:short)|%(objectname:short)|%(HEAD)")
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, &GitError{Op: "branch", Output: trimOutput(output), Err: err}
	}

	var branches []Branch
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			continue
		}
		branches = append(branches, Branch{
			Name:      parts[0],
			Hash:      parts[1],
			IsCurrent: parts[2] == "*",
		})
	}
	return branches, nil
}

// Remove removes files from the working copy and the index.
func (g *DefaultGitOps) Remove(ctx context.Context, path string, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	args := append([]string{"rm", "--"}, files...)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &GitError{Op: "rm", Output: trimOutput(output), Err: err}
	}
	return nil
}

// FileLog returns up to limit commits touching one file, newest first.
func (g *DefaultGitOps) FileLog(ctx context.Context, path, file string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}
	return g.logCommits(ctx, path, limit, "--", file)
}

func (g *DefaultGitOps) logCommits(ctx context.Context, path string, limit int, extra ...string) ([]Commit, error) {
	// Format: hash|short|author|email|date|subject
	args := []string{"log", fmt.Sprintf("-n%d", limit), "--format=%H|%h|%an|%ae|%aI|%s"}
	args = append(args, extra...)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, &GitError{Op: "log", Output: trimOutput(output), Err: err}
	}

	var commits []Commit
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 6)
		if len(parts) < 6 {
			continue
		}
		date, _ := time.Parse(time.RFC3339, parts[4])
		commits = append(commits, Commit{
			Hash:        parts[0],
			ShortHash:   parts[1],
			Author:      parts[2],
			AuthorEmail: parts[3],
			Date:        date,
			Subject:     parts[5],
		})
	}
	return commits, nil
}

func (g *DefaultGitOps) remoteURL(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", "origin")
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", &GitError{Op: "remote get-url", Output: trimOutput(output), Err: err}
	}
	return strings.TrimSpace(string(output)), nil
}

func credURL(creds Credentials, remote string) (string, error) {
	if creds == nil {
		return remote, nil
	}
	authURL, err := creds.GitURL(remote)
	if err != nil {
		return "", fmt.Errorf("preparing remote URL: %w", err)
	}
	return authURL, nil
}

// redactSecret scrubs the credentialed URL from git output so tokens never
// reach logs or callers.
func redactSecret(output []byte, authURL, cleanURL string) string {
	out := trimOutput(output)
	if authURL != cleanURL {
		out = strings.ReplaceAll(out, authURL, cleanURL)
	}
	return out
}

func trimOutput(output []byte) string {
	return strings.TrimSpace(string(output))
}

// IsWorkingCopy reports whether path holds a git working copy.
func IsWorkingCopy(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}

// Ensure DefaultGitOps implements GitOps.
var _ GitOps = (*DefaultGitOps)(nil)
