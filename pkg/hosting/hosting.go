// Package hosting talks to repository hosting providers (GitHub, GitLab,
// Bitbucket) through one normalized capability surface: repository and
// branch listing, and pull request lookup and creation. Every provider
// paginates its listings; clients here drain all pages before returning,
// bounded by a safety cap.
package hosting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Provider identifies a repository hosting service.
type Provider string

const (
	ProviderGitHub    Provider = "github"
	ProviderGitLab    Provider = "gitlab"
	ProviderBitbucket Provider = "bitbucket"
)

// DefaultTimeout bounds each provider API request.
const DefaultTimeout = 30 * time.Second

// DefaultMaxPages stops runaway pagination.
const DefaultMaxPages = 100

// Repository is a hosted repository, normalized across providers.
type Repository struct {
	Provider      Provider `json:"provider"`
	Owner         string   `json:"owner"`
	Name          string   `json:"name"`
	FullName      string   `json:"full_name"` // "owner/repo"
	CloneURL      string   `json:"clone_url"`
	DefaultBranch string   `json:"default_branch"`
	Private       bool     `json:"private"`
	Description   string   `json:"description,omitempty"`
}

// Branch is one branch of a hosted repository. A listing marks exactly one
// branch as the default.
type Branch struct {
	Name      string `json:"name"`
	Commit    string `json:"commit,omitempty"`
	IsDefault bool   `json:"is_default"`
}

// PullRequest is a pull or merge request, normalized across providers.
type PullRequest struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	State      string `json:"state"`
	HeadBranch string `json:"head_branch"`
	BaseBranch string `json:"base_branch"`
}

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	HeadBranch string `json:"head_branch"`
	BaseBranch string `json:"base_branch"`
}

// Client is the capability surface every provider implements.
type Client interface {
	// Provider returns which service this client talks to.
	Provider() Provider

	// ListRepositories returns every repository the credential can reach,
	// across all pages.
	ListRepositories(ctx context.Context) ([]Repository, error)

	// GetRepository fetches one repository by owner and name.
	GetRepository(ctx context.Context, owner, name string) (*Repository, error)

	// ListBranches returns every branch of a repository, across all pages,
	// with exactly one marked as the default.
	ListBranches(ctx context.Context, owner, name string) ([]Branch, error)

	// FindPullRequest looks for an open pull request from head into base.
	// Absence is not an error: it returns (nil, nil).
	FindPullRequest(ctx context.Context, owner, name, head, base string) (*PullRequest, error)

	// CreatePullRequest opens a pull request.
	CreatePullRequest(ctx context.Context, owner, name string, pr NewPullRequest) (*PullRequest, error)
}

// Options configures a provider client.
type Options struct {
	// Token is the OAuth/bearer credential presented on every request.
	Token string
	// Username pairs with the token for Bitbucket Basic auth.
	Username string
	// BaseURL overrides the provider API root, for tests and self-hosted
	// installs.
	BaseURL string
	// Timeout bounds each HTTP request. Zero means DefaultTimeout.
	Timeout time.Duration
	// HTTPClient overrides the underlying client. Timeout is ignored when
	// it is set.
	HTTPClient *http.Client
	// MaxPages caps pagination. Zero means DefaultMaxPages.
	MaxPages int
}

func (o Options) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	timeout := o.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (o Options) pageCap() int {
	if o.MaxPages > 0 {
		return o.MaxPages
	}
	return DefaultMaxPages
}

// Factory constructs a client for a provider tag. DefaultManager and the
// artifact store take one so tests can substitute fakes.
type Factory func(Provider, Options) (Client, error)

// NewClient returns the client implementation for provider.
func NewClient(provider Provider, opts Options) (Client, error) {
	switch provider {
	case ProviderGitHub:
		return NewGitHubClient(opts), nil
	case ProviderGitLab:
		return NewGitLabClient(opts), nil
	case ProviderBitbucket:
		return NewBitbucketClient(opts)
	default:
		return nil, &APIError{
			Provider:    provider,
			Kind:        KindConfiguration,
			Message:     fmt.Sprintf("unsupported hosting provider: %q", provider),
			Remediation: "Supported providers are github, gitlab and bitbucket",
		}
	}
}

// DetectProvider maps a clone or web URL to the provider serving it.
func DetectProvider(rawURL string) (Provider, bool) {
	host := remoteHost(rawURL)
	switch {
	case host == "github.com" || strings.HasSuffix(host, ".github.com"):
		return ProviderGitHub, true
	case strings.Contains(host, "gitlab"):
		return ProviderGitLab, true
	case host == "bitbucket.org":
		return ProviderBitbucket, true
	}
	return "", false
}

var (
	// SSH format: git@github.com:owner/repo.git
	sshRemoteRegex = regexp.MustCompile(`^git@([^:]+):([^/]+)/(.+?)(?:\.git)?$`)
	// HTTPS format: https://github.com/owner/repo.git
	httpRemoteRegex = regexp.MustCompile(`^https?://(?:[^@/]+@)?([^/]+)/([^/]+)/(.+?)(?:\.git)?$`)
)

// ParseRemote splits a clone URL into the provider serving it plus the
// owner and repository name.
func ParseRemote(rawURL string) (Provider, string, string, error) {
	for _, re := range []*regexp.Regexp{sshRemoteRegex, httpRemoteRegex} {
		matches := re.FindStringSubmatch(rawURL)
		if len(matches) != 4 {
			continue
		}
		provider, ok := DetectProvider("https://" + matches[1])
		if !ok {
			return "", "", "", fmt.Errorf("unrecognized hosting provider in %s", rawURL)
		}
		return provider, matches[2], matches[3], nil
	}
	return "", "", "", fmt.Errorf("unable to parse remote URL: %s", rawURL)
}

func remoteHost(rawURL string) string {
	if matches := sshRemoteRegex.FindStringSubmatch(rawURL); len(matches) == 4 {
		return matches[1]
	}
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return ""
}

// markDefault normalizes a branch listing so exactly one branch carries
// IsDefault, preferring the provider's reported default.
func markDefault(branches []Branch, defaultBranch string) []Branch {
	marked := false
	for i := range branches {
		branches[i].IsDefault = !marked && branches[i].Name == defaultBranch
		if branches[i].IsDefault {
			marked = true
		}
	}
	if !marked && len(branches) > 0 {
		branches[0].IsDefault = true
	}
	return branches
}

// apiMessage pulls a human-readable message out of a provider error body.
func apiMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}
