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

// GitLabClient talks to the GitLab REST API v4. Projects are addressed by
// their URL-encoded "owner%2Frepo" path.
type GitLabClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	maxPages   int
}

// NewGitLabClient creates a GitLab client.
func NewGitLabClient(opts Options) *GitLabClient {
	base := opts.BaseURL
	if base == "" {
		base = "https://gitlab.com/api/v4"
	}
	return &GitLabClient{
		token:      opts.Token,
		baseURL:    strings.TrimSuffix(base, "/"),
		httpClient: opts.client(),
		maxPages:   opts.pageCap(),
	}
}

// Provider returns ProviderGitLab.
func (c *GitLabClient) Provider() Provider {
	return ProviderGitLab
}

type gitlabProject struct {
	Path              string `json:"path"`
	PathWithNamespace string `json:"path_with_namespace"`
	Namespace         struct {
		FullPath string `json:"full_path"`
	} `json:"namespace"`
	HTTPURLToRepo string `json:"http_url_to_repo"`
	DefaultBranch string `json:"default_branch"`
	Visibility    string `json:"visibility"`
	Description   string `json:"description"`
}

func (p gitlabProject) normalize() Repository {
	owner := p.Namespace.FullPath
	if owner == "" {
		if i := strings.LastIndex(p.PathWithNamespace, "/"); i > 0 {
			owner = p.PathWithNamespace[:i]
		}
	}
	return Repository{
		Provider:      ProviderGitLab,
		Owner:         owner,
		Name:          p.Path,
		FullName:      p.PathWithNamespace,
		CloneURL:      p.HTTPURLToRepo,
		DefaultBranch: p.DefaultBranch,
		Private:       p.Visibility != "public",
		Description:   p.Description,
	}
}

type gitlabMergeRequest struct {
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	State        string `json:"state"`
	WebURL       string `json:"web_url"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
}

func (m gitlabMergeRequest) normalize() PullRequest {
	return PullRequest{
		Number:     m.IID,
		Title:      m.Title,
		URL:        m.WebURL,
		State:      m.State,
		HeadBranch: m.SourceBranch,
		BaseBranch: m.TargetBranch,
	}
}

// ListRepositories returns every project the token is a member of, draining
// pages through the X-Next-Page header.
func (c *GitLabClient) ListRepositories(ctx context.Context) ([]Repository, error) {
	var all []Repository
	page := "1"
	for i := 0; i < c.maxPages && page != ""; i++ {
		apiURL := fmt.Sprintf("%s/projects?membership=true&per_page=100&page=%s", c.baseURL, page)
		var raw []gitlabProject
		next, err := c.getPage(ctx, apiURL, &raw)
		if err != nil {
			return nil, err
		}
		for _, p := range raw {
			all = append(all, p.normalize())
		}
		page = next
	}
	return all, nil
}

// GetRepository fetches one project by owner and name.
func (c *GitLabClient) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	apiURL := fmt.Sprintf("%s/projects/%s", c.baseURL, c.projectPath(owner, name))
	var raw gitlabProject
	if err := c.doAPIRequest(ctx, http.MethodGet, apiURL, nil, &raw); err != nil {
		return nil, err
	}
	repo := raw.normalize()
	return &repo, nil
}

// ListBranches returns every branch, draining pages. GitLab marks the
// default branch in the listing itself; the project's reported default is
// only consulted when that marking is absent or ambiguous.
func (c *GitLabClient) ListBranches(ctx context.Context, owner, name string) ([]Branch, error) {
	var all []Branch
	defaults := 0
	page := "1"
	for i := 0; i < c.maxPages && page != ""; i++ {
		apiURL := fmt.Sprintf("%s/projects/%s/repository/branches?per_page=100&page=%s",
			c.baseURL, c.projectPath(owner, name), page)
		var raw []struct {
			Name    string `json:"name"`
			Default bool   `json:"default"`
			Commit  struct {
				ID string `json:"id"`
			} `json:"commit"`
		}
		next, err := c.getPage(ctx, apiURL, &raw)
		if err != nil {
			return nil, err
		}
		for _, b := range raw {
			if b.Default {
				defaults++
			}
			all = append(all, Branch{Name: b.Name, Commit: b.Commit.ID, IsDefault: b.Default})
		}
		page = next
	}

	if defaults != 1 && len(all) > 0 {
		repo, err := c.GetRepository(ctx, owner, name)
		if err != nil {
			return nil, err
		}
		all = markDefault(all, repo.DefaultBranch)
	}
	return all, nil
}

// FindPullRequest looks for an open merge request from head into base,
// returning (nil, nil) when there is none.
func (c *GitLabClient) FindPullRequest(ctx context.Context, owner, name, head, base string) (*PullRequest, error) {
	apiURL := fmt.Sprintf("%s/projects/%s/merge_requests?state=opened&source_branch=%s&target_branch=%s",
		c.baseURL, c.projectPath(owner, name), url.QueryEscape(head), url.QueryEscape(base))
	var raw []gitlabMergeRequest
	if err := c.doAPIRequest(ctx, http.MethodGet, apiURL, nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	mr := raw[0].normalize()
	return &mr, nil
}

// CreatePullRequest opens a merge request.
func (c *GitLabClient) CreatePullRequest(ctx context.Context, owner, name string, pr NewPullRequest) (*PullRequest, error) {
	apiURL := fmt.Sprintf("%s/projects/%s/merge_requests", c.baseURL, c.projectPath(owner, name))
	body := map[string]any{
		"title":         pr.Title,
		"description":   pr.Body,
		"source_branch": pr.HeadBranch,
		"target_branch": pr.BaseBranch,
	}
	var raw gitlabMergeRequest
	if err := c.doAPIRequest(ctx, http.MethodPost, apiURL, body, &raw); err != nil {
		return nil, err
	}
	created := raw.normalize()
	return &created, nil
}

func (c *GitLabClient) projectPath(owner, name string) string {
	// "owner/repo" becomes "owner%2Frepo" in the project endpoint path.
	return url.PathEscape(owner + "/" + name)
}

// getPage performs one paginated GET and returns the X-Next-Page header,
// empty when the listing is exhausted.
func (c *GitLabClient) getPage(ctx context.Context, apiURL string, result any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", &APIError{Provider: ProviderGitLab, Kind: KindTransport,
			Message: fmt.Sprintf("creating request: %v", err)}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &APIError{Provider: ProviderGitLab, Kind: KindTransport, Retryable: true,
			Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", c.handleHTTPError(resp.StatusCode, data)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return "", &APIError{Provider: ProviderGitLab, Kind: KindAPI, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("parsing response: %v", err)}
	}
	return resp.Header.Get("X-Next-Page"), nil
}

func (c *GitLabClient) doAPIRequest(ctx context.Context, method, apiURL string, body, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &APIError{Provider: ProviderGitLab, Kind: KindAPI,
				Message: fmt.Sprintf("encoding request: %v", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, reader)
	if err != nil {
		return &APIError{Provider: ProviderGitLab, Kind: KindTransport,
			Message: fmt.Sprintf("creating request: %v", err)}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Provider: ProviderGitLab, Kind: KindTransport, Retryable: true,
			Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return c.handleHTTPError(resp.StatusCode, data)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return &APIError{Provider: ProviderGitLab, Kind: KindAPI, StatusCode: resp.StatusCode,
				Message: fmt.Sprintf("parsing response: %v", err)}
		}
	}
	return nil
}

// setHeaders sets common headers for GitLab API requests.
func (c *GitLabClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "promptkeep/1.0")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// handleHTTPError converts HTTP status codes to APIError.
func (c *GitLabClient) handleHTTPError(statusCode int, body []byte) *APIError {
	switch statusCode {
	case http.StatusUnauthorized:
		return &APIError{
			Provider:    ProviderGitLab,
			Kind:        KindAuthentication,
			StatusCode:  statusCode,
			Message:     "GitLab API authentication failed",
			Remediation: "Check your GitLab access token",
		}
	case http.StatusForbidden:
		return &APIError{
			Provider:    ProviderGitLab,
			Kind:        KindAPI,
			StatusCode:  statusCode,
			Message:     "GitLab API access forbidden: " + apiMessage(body),
			Remediation: "The token lacks the api scope or a sufficient role on this project",
		}
	case http.StatusNotFound:
		return &APIError{
			Provider:    ProviderGitLab,
			Kind:        KindNotFound,
			StatusCode:  statusCode,
			Message:     "resource not found on GitLab",
			Remediation: "Verify the project path and that the token can see it",
		}
	case http.StatusTooManyRequests:
		return &APIError{
			Provider:    ProviderGitLab,
			Kind:        KindRateLimited,
			StatusCode:  statusCode,
			Retryable:   true,
			Message:     "GitLab API rate limit exceeded",
			Remediation: "Wait before making more requests",
		}
	default:
		return &APIError{
			Provider:   ProviderGitLab,
			Kind:       KindAPI,
			StatusCode: statusCode,
			Retryable:  statusCode >= 500,
			Message:    fmt.Sprintf("GitLab API error: %d: %s", statusCode, apiMessage(body)),
		}
	}
}

// Ensure GitLabClient implements Client.
var _ Client = (*GitLabClient)(nil)
