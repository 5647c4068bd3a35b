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

// BitbucketClient talks to the Bitbucket Cloud REST API v2. Bitbucket app
// passwords only work with HTTP basic auth, so the client carries a username
// alongside the token.
type BitbucketClient struct {
	username   string
	token      string
	baseURL    string
	httpClient *http.Client
	maxPages   int
}

// NewBitbucketClient creates a Bitbucket client. It fails when no username
// is configured because app passwords cannot authenticate on their own.
func NewBitbucketClient(opts Options) (*BitbucketClient, error) {
	if opts.Username == "" {
		return nil, &APIError{
			Provider:    ProviderBitbucket,
			Kind:        KindConfiguration,
			Message:     "bitbucket requires a username alongside the app password",
			Remediation: "Set the bitbucket username in the hosting configuration",
		}
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://api.bitbucket.org/2.0"
	}
	return &BitbucketClient{
		username:   opts.Username,
		token:      opts.Token,
		baseURL:    strings.TrimSuffix(base, "/"),
		httpClient: opts.client(),
		maxPages:   opts.pageCap(),
	}, nil
}

// Provider returns ProviderBitbucket.
func (c *BitbucketClient) Provider() Provider {
	return ProviderBitbucket
}

type bitbucketRepo struct {
	Slug        string `json:"slug"`
	FullName    string `json:"full_name"`
	IsPrivate   bool   `json:"is_private"`
	Description string `json:"description"`
	MainBranch  struct {
		Name string `json:"name"`
	} `json:"mainbranch"`
	Workspace struct {
		Slug string `json:"slug"`
	} `json:"workspace"`
	Links struct {
		Clone []struct {
			Name string `json:"name"`
			Href string `json:"href"`
		} `json:"clone"`
	} `json:"links"`
}

func (r bitbucketRepo) normalize() Repository {
	cloneURL := ""
	for _, link := range r.Links.Clone {
		if link.Name == "https" {
			cloneURL = link.Href
			break
		}
	}
	return Repository{
		Provider:      ProviderBitbucket,
		Owner:         r.Workspace.Slug,
		Name:          r.Slug,
		FullName:      r.FullName,
		CloneURL:      cloneURL,
		DefaultBranch: r.MainBranch.Name,
		Private:       r.IsPrivate,
		Description:   r.Description,
	}
}

type bitbucketPullRequest struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	State string `json:"state"`
	Links struct {
		HTML struct {
			Href string `json:"href"`
		} `json:"html"`
	} `json:"links"`
	Source struct {
		Branch struct {
			Name string `json:"name"`
		} `json:"branch"`
	} `json:"source"`
	Destination struct {
		Branch struct {
			Name string `json:"name"`
		} `json:"branch"`
	} `json:"destination"`
}

func (p bitbucketPullRequest) normalize() PullRequest {
	return PullRequest{
		Number:     p.ID,
		Title:      p.Title,
		URL:        p.Links.HTML.Href,
		State:      p.State,
		HeadBranch: p.Source.Branch.Name,
		BaseBranch: p.Destination.Branch.Name,
	}
}

// ListRepositories returns every repository the account can reach, following
// the "next" links Bitbucket embeds in each page.
func (c *BitbucketClient) ListRepositories(ctx context.Context) ([]Repository, error) {
	apiURL := fmt.Sprintf("%s/repositories?role=member&pagelen=100", c.baseURL)
	values, err := c.listPages(ctx, apiURL)
	if err != nil {
		return nil, err
	}

	repos := make([]Repository, 0, len(values))
	for _, v := range values {
		var raw bitbucketRepo
		if err := json.Unmarshal(v, &raw); err != nil {
			return nil, &APIError{Provider: ProviderBitbucket, Kind: KindAPI,
				Message: fmt.Sprintf("parsing repository: %v", err)}
		}
		repos = append(repos, raw.normalize())
	}
	return repos, nil
}

// GetRepository fetches one repository by workspace and slug.
func (c *BitbucketClient) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	apiURL := fmt.Sprintf("%s/repositories/%s/%s", c.baseURL, url.PathEscape(owner), url.PathEscape(name))
	var raw bitbucketRepo
	if err := c.doAPIRequest(ctx, http.MethodGet, apiURL, nil, &raw); err != nil {
		return nil, err
	}
	repo := raw.normalize()
	return &repo, nil
}

// ListBranches returns every branch. Bitbucket branch listings do not mark
// the main branch, so the repository's mainbranch decides the default.
func (c *BitbucketClient) ListBranches(ctx context.Context, owner, name string) ([]Branch, error) {
	apiURL := fmt.Sprintf("%s/repositories/%s/%s/refs/branches?pagelen=100",
		c.baseURL, url.PathEscape(owner), url.PathEscape(name))
	values, err := c.listPages(ctx, apiURL)
	if err != nil {
		return nil, err
	}

	branches := make([]Branch, 0, len(values))
	for _, v := range values {
		var raw struct {
			Name   string `json:"name"`
			Target struct {
				Hash string `json:"hash"`
			} `json:"target"`
		}
		if err := json.Unmarshal(v, &raw); err != nil {
			return nil, &APIError{Provider: ProviderBitbucket, Kind: KindAPI,
				Message: fmt.Sprintf("parsing branch: %v", err)}
		}
		branches = append(branches, Branch{Name: raw.Name, Commit: raw.Target.Hash})
	}

	if len(branches) > 0 {
		repo, err := c.GetRepository(ctx, owner, name)
		if err != nil {
			return nil, err
		}
		branches = markDefault(branches, repo.DefaultBranch)
	}
	return branches, nil
}

// FindPullRequest looks for an open pull request from head into base,
// returning (nil, nil) when there is none.
func (c *BitbucketClient) FindPullRequest(ctx context.Context, owner, name, head, base string) (*PullRequest, error) {
	query := fmt.Sprintf("source.branch.name = %q AND destination.branch.name = %q AND state = \"OPEN\"", head, base)
	apiURL := fmt.Sprintf("%s/repositories/%s/%s/pullrequests?q=%s",
		c.baseURL, url.PathEscape(owner), url.PathEscape(name), url.QueryEscape(query))
	values, err := c.listPages(ctx, apiURL)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	var raw bitbucketPullRequest
	if err := json.Unmarshal(values[0], &raw); err != nil {
		return nil, &APIError{Provider: ProviderBitbucket, Kind: KindAPI,
			Message: fmt.Sprintf("parsing pull request: %v", err)}
	}
	pr := raw.normalize()
	return &pr, nil
}

// CreatePullRequest opens a pull request.
func (c *BitbucketClient) CreatePullRequest(ctx context.Context, owner, name string, pr NewPullRequest) (*PullRequest, error) {
	apiURL := fmt.Sprintf("%s/repositories/%s/%s/pullrequests",
		c.baseURL, url.PathEscape(owner), url.PathEscape(name))
	body := map[string]any{
		"title":       pr.Title,
		"description": pr.Body,
		"source":      map[string]any{"branch": map[string]string{"name": pr.HeadBranch}},
		"destination": map[string]any{"branch": map[string]string{"name": pr.BaseBranch}},
	}
	var raw bitbucketPullRequest
	if err := c.doAPIRequest(ctx, http.MethodPost, apiURL, body, &raw); err != nil {
		return nil, err
	}
	created := raw.normalize()
	return &created, nil
}

// listPages drains a paginated endpoint, following the "next" URL embedded
// in each response body up to the page cap.
func (c *BitbucketClient) listPages(ctx context.Context, apiURL string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for i := 0; i < c.maxPages && apiURL != ""; i++ {
		var page struct {
			Values []json.RawMessage `json:"values"`
			Next   string            `json:"next"`
		}
		if err := c.doAPIRequest(ctx, http.MethodGet, apiURL, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Values...)
		apiURL = page.Next
	}
	return all, nil
}

func (c *BitbucketClient) doAPIRequest(ctx context.Context, method, apiURL string, body, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &APIError{Provider: ProviderBitbucket, Kind: KindAPI,
				Message: fmt.Sprintf("encoding request: %v", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, reader)
	if err != nil {
		return &APIError{Provider: ProviderBitbucket, Kind: KindTransport,
			Message: fmt.Sprintf("creating request: %v", err)}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Provider: ProviderBitbucket, Kind: KindTransport, Retryable: true,
			Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return c.handleHTTPError(resp.StatusCode, data)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return &APIError{Provider: ProviderBitbucket, Kind: KindAPI, StatusCode: resp.StatusCode,
				Message: fmt.Sprintf("parsing response: %v", err)}
		}
	}
	return nil
}

// setHeaders sets common headers for Bitbucket API requests.
func (c *BitbucketClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "promptkeep/1.0")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.SetBasicAuth(c.username, c.token)
	}
}

// handleHTTPError converts HTTP status codes to APIError.
func (c *BitbucketClient) handleHTTPError(statusCode int, body []byte) *APIError {
	switch statusCode {
	case http.StatusUnauthorized:
		return &APIError{
			Provider:    ProviderBitbucket,
			Kind:        KindAuthentication,
			StatusCode:  statusCode,
			Message:     "Bitbucket API authentication failed",
			Remediation: "Check the username and app password",
		}
	case http.StatusForbidden:
		return &APIError{
			Provider:    ProviderBitbucket,
			Kind:        KindAuthentication,
			StatusCode:  statusCode,
			Message:     "Bitbucket API access forbidden: " + apiMessage(body),
			Remediation: "The app password lacks the repository scopes this call needs",
		}
	case http.StatusNotFound:
		return &APIError{
			Provider:    ProviderBitbucket,
			Kind:        KindNotFound,
			StatusCode:  statusCode,
			Message:     "resource not found on Bitbucket",
			Remediation: "Verify the workspace and repository slug",
		}
	case http.StatusTooManyRequests:
		return &APIError{
			Provider:    ProviderBitbucket,
			Kind:        KindRateLimited,
			StatusCode:  statusCode,
			Retryable:   true,
			Message:     "Bitbucket API rate limit exceeded",
			Remediation: "Wait before making more requests",
		}
	default:
		return &APIError{
			Provider:   ProviderBitbucket,
			Kind:       KindAPI,
			StatusCode: statusCode,
			Retryable:  statusCode >= 500,
			Message:    fmt.Sprintf("Bitbucket API error: %d: %s", statusCode, apiMessage(body)),
		}
	}
}

// Ensure BitbucketClient implements Client.
var _ Client = (*BitbucketClient)(nil)
