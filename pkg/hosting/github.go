package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// GitHubClient talks to the GitHub REST API v3.
type GitHubClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	maxPages   int
}

// NewGitHubClient creates a GitHub client.
func NewGitHubClient(opts Options) *GitHubClient {
	base := opts.BaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	return &GitHubClient{
		token:      opts.Token,
		baseURL:    strings.TrimSuffix(base, "/"),
		httpClient: opts.client(),
		maxPages:   opts.pageCap(),
	}
}

// Provider returns ProviderGitHub.
func (c *GitHubClient) Provider() Provider {
	return ProviderGitHub
}

type githubRepo struct {
	Name  string `json:"name"`
	Full  string `json:"full_name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	Description   string `json:"description"`
}

func (r githubRepo) normalize() Repository {
	return Repository{
		Provider:      ProviderGitHub,
		Owner:         r.Owner.Login,
		Name:          r.Name,
		FullName:      r.Full,
		CloneURL:      r.CloneURL,
		DefaultBranch: r.DefaultBranch,
		Private:       r.Private,
		Description:   r.Description,
	}
}

type githubPull struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	URL    string `json:"html_url"`
	Head   struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (p githubPull) normalize() PullRequest {
	return PullRequest{
		Number:     p.Number,
		Title:      p.Title,
		URL:        p.URL,
		State:      p.State,
		HeadBranch: p.Head.Ref,
		BaseBranch: p.Base.Ref,
	}
}

// ListRepositories returns every repository the token can reach, draining
// all pages.
func (c *GitHubClient) ListRepositories(ctx context.Context) ([]Repository, error) {
	const perPage = 100
	var all []Repository
	for page := 1; page <= c.maxPages; page++ {
		apiURL := fmt.Sprintf("%s/user/repos?per_page=%d&page=%d", c.baseURL, perPage, page)
		var raw []githubRepo
		if err := c.doAPIRequest(ctx, http.MethodGet, apiURL, nil, &raw); err != nil {
			return nil, err
		}
		for _, r := range raw {
			all = append(all, r.normalize())
		}
		if len(raw) < perPage {
			break
		}
	}
	return all, nil
}

// GetRepository fetches one repository by owner and name.
func (c *GitHubClient) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, url.PathEscape(owner), url.PathEscape(name))
	var raw githubRepo
	if err := c.doAPIRequest(ctx, http.MethodGet, apiURL, nil, &raw); err != nil {
		return nil, err
	}
	repo := raw.normalize()
	return &repo, nil
}

// ListBranches returns every branch, draining all pages, with the
// repository's reported default branch marked.
func (c *GitHubClient) ListBranches(ctx context.Context, owner, name string) ([]Branch, error) {
	repo, err := c.GetRepository(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	const perPage = 100
	var all []Branch
	for page := 1; page <= c.maxPages; page++ {
		apiURL := fmt.Sprintf("%s/repos/%s/%s/branches?per_page=%d&page=%d",
			c.baseURL, url.PathEscape(owner), url.PathEscape(name), perPage, page)
		var raw []struct {
			Name   string `json:"name"`
			Commit struct {
				SHA string `json:"sha"`
			} `json:"commit"`
		}
		if err := c.doAPIRequest(ctx, http.MethodGet, apiURL, nil, &raw); err != nil {
			return nil, err
		}
		for _, b := range raw {
			all = append(all, Branch{Name: b.Name, Commit: b.Commit.SHA})
		}
		if len(raw) < perPage {
			break
		}
	}
	return markDefault(all, repo.DefaultBranch), nil
}

// FindPullRequest looks for an open pull request from head into base,
// returning (nil, nil) when there is none.
func (c *GitHubClient) FindPullRequest(ctx context.Context, owner, name, head, base string) (*PullRequest, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/pulls?state=open&head=%s&base=%s",
		c.baseURL, url.PathEscape(owner), url.PathEscape(name),
		url.QueryEscape(owner+":"+head), url.QueryEscape(base))
	var raw []githubPull
	if err := c.doAPIRequest(ctx, http.MethodGet, apiURL, nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	pr := raw[0].normalize()
	return &pr, nil
}

// CreatePullRequest opens a pull request.
func (c *GitHubClient) CreatePullRequest(ctx context.Context, owner, name string, pr NewPullRequest) (*PullRequest, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/pulls", c.baseURL, url.PathEscape(owner), url.PathEscape(name))
	body := map[string]any{
		"title": pr.Title,
		"body":  pr.Body,
		"head":  pr.HeadBranch,
		"base":  pr.BaseBranch,
	}
	var raw githubPull
	if err := c.doAPIRequest(ctx, http.MethodPost, apiURL, body, &raw); err != nil {
		return nil, err
	}
	created := raw.normalize()
	return &created, nil
}

func (c *GitHubClient) doAPIRequest(ctx context.Context, method, apiURL string, body, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &APIError{Provider: ProviderGitHub, Kind: KindAPI,
				Message: fmt.Sprintf("encoding request: %v", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, reader)
	if err != nil {
		return &APIError{Provider: ProviderGitHub, Kind: KindTransport,
			Message: fmt.Sprintf("creating request: %v", err)}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Provider: ProviderGitHub, Kind: KindTransport, Retryable: true,
			Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return c.handleHTTPError(resp.StatusCode, data)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return &APIError{Provider: ProviderGitHub, Kind: KindAPI, StatusCode: resp.StatusCode,
				Message: fmt.Sprintf("parsing response: %v", err)}
		}
	}
	return nil
}

// setHeaders sets common headers for GitHub API requests.
func (c *GitHubClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "promptkeep/1.0")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// handleHTTPError converts HTTP status codes to APIError.
func (c *GitHubClient) handleHTTPError(statusCode int, body []byte) *APIError {
	switch statusCode {
	case http.StatusUnauthorized:
		return &APIError{
			Provider:    ProviderGitHub,
			Kind:        KindAuthentication,
			StatusCode:  statusCode,
			Message:     "GitHub API authentication failed",
			Remediation: "Check your GitHub access token",
		}
	case http.StatusForbidden, http.StatusTooManyRequests:
		return &APIError{
			Provider:    ProviderGitHub,
			Kind:        KindRateLimited,
			StatusCode:  statusCode,
			Retryable:   true,
			Message:     "GitHub API rate limit exceeded",
			Remediation: "Wait before making more requests or use a token with higher limits",
		}
	case http.StatusNotFound:
		return &APIError{
			Provider:    ProviderGitHub,
			Kind:        KindNotFound,
			StatusCode:  statusCode,
			Message:     "resource not found on GitHub",
			Remediation: "Verify the repository exists and the token can see it",
		}
	case http.StatusUnprocessableEntity:
		return &APIError{
			Provider:    ProviderGitHub,
			Kind:        KindAPI,
			StatusCode:  statusCode,
			Message:     "GitHub API validation failed: " + apiMessage(body),
			Remediation: "Check the request parameters",
		}
	default:
		return &APIError{
			Provider:   ProviderGitHub,
			Kind:       KindAPI,
			StatusCode: statusCode,
			Retryable:  statusCode >= 500,
			Message:    fmt.Sprintf("GitHub API error: %d: %s", statusCode, apiMessage(body)),
		}
	}
}

// Ensure GitHubClient implements Client.
var _ Client = (*GitHubClient)(nil)
