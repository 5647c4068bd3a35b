package hosting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBitbucketClientRequiresUsername(t *testing.T) {
	_, err := NewBitbucketClient(Options{Token: "app-pass"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ProviderBitbucket, apiErr.Provider)
	assert.Equal(t, KindConfiguration, apiErr.Kind)
	assert.NotEmpty(t, apiErr.Remediation)
}

func bitbucketRepoJSON(slug string) string {
	return fmt.Sprintf(`{
		"slug": %q,
		"full_name": "acme/%s",
		"is_private": true,
		"mainbranch": {"name": "main"},
		"workspace": {"slug": "acme"},
		"links": {"clone": [
			{"name": "ssh", "href": "git@bitbucket.org:acme/%s.git"},
			{"name": "https", "href": "https://bitbucket.org/acme/%s.git"}
		]}
	}`, slug, slug, slug, slug)
}

func TestBitbucketListRepositoriesFollowsNextLinks(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "worker", user)
		assert.Equal(t, "app-pass", pass)

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprintf(w, `{"values":[%s]}`, bitbucketRepoJSON("tools"))
			return
		}
		next := server.URL + "/repositories?role=member&pagelen=100&page=2"
		fmt.Fprintf(w, `{"values":[%s,%s],"next":%q}`,
			bitbucketRepoJSON("demo"), bitbucketRepoJSON("docs"), next)
	}))
	defer server.Close()

	c, err := NewBitbucketClient(Options{Username: "worker", Token: "app-pass", BaseURL: server.URL})
	require.NoError(t, err)

	repos, err := c.ListRepositories(context.Background())
	require.NoError(t, err)
	require.Len(t, repos, 3)

	first := repos[0]
	assert.Equal(t, ProviderBitbucket, first.Provider)
	assert.Equal(t, "acme", first.Owner)
	assert.Equal(t, "demo", first.Name)
	assert.Equal(t, "acme/demo", first.FullName)
	// The https clone link wins over ssh.
	assert.Equal(t, "https://bitbucket.org/acme/demo.git", first.CloneURL)
	assert.Equal(t, "main", first.DefaultBranch)
	assert.True(t, first.Private)
	assert.Equal(t, "tools", repos[2].Name)
}

func TestBitbucketListBranchesMarksMainBranch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/repositories/acme/demo/refs/branches":
			fmt.Fprint(w, `{"values":[
				{"name":"develop","target":{"hash":"bbb222"}},
				{"name":"main","target":{"hash":"aaa111"}}
			]}`)
		case "/repositories/acme/demo":
			fmt.Fprint(w, bitbucketRepoJSON("demo"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c, err := NewBitbucketClient(Options{Username: "worker", Token: "app-pass", BaseURL: server.URL})
	require.NoError(t, err)

	branches, err := c.ListBranches(context.Background(), "acme", "demo")
	require.NoError(t, err)
	require.Len(t, branches, 2)

	defaults := 0
	for _, b := range branches {
		if b.IsDefault {
			defaults++
			assert.Equal(t, "main", b.Name)
		}
	}
	assert.Equal(t, 1, defaults)
	assert.Equal(t, "bbb222", branches[0].Commit)
}

func TestBitbucketFindPullRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repositories/acme/demo/pullrequests", r.URL.Path)
		query := r.URL.Query().Get("q")
		assert.Contains(t, query, `source.branch.name = "feature/save"`)
		assert.Contains(t, query, `destination.branch.name = "main"`)
		assert.Contains(t, query, `state = "OPEN"`)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"values":[{
			"id": 4,
			"title": "Update prompts",
			"state": "OPEN",
			"links": {"html": {"href": "https://bitbucket.org/acme/demo/pull-requests/4"}},
			"source": {"branch": {"name": "feature/save"}},
			"destination": {"branch": {"name": "main"}}
		}]}`)
	}))
	defer server.Close()

	c, err := NewBitbucketClient(Options{Username: "worker", Token: "app-pass", BaseURL: server.URL})
	require.NoError(t, err)

	pr, err := c.FindPullRequest(context.Background(), "acme", "demo", "feature/save", "main")
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, 4, pr.Number)
	assert.Equal(t, "https://bitbucket.org/acme/demo/pull-requests/4", pr.URL)
	assert.Equal(t, "feature/save", pr.HeadBranch)
	assert.Equal(t, "main", pr.BaseBranch)
}

func TestBitbucketFindPullRequestAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"values":[]}`)
	}))
	defer server.Close()

	c, err := NewBitbucketClient(Options{Username: "worker", Token: "app-pass", BaseURL: server.URL})
	require.NoError(t, err)

	pr, err := c.FindPullRequest(context.Background(), "acme", "demo", "feature/save", "main")
	require.NoError(t, err)
	assert.Nil(t, pr)
}

func TestBitbucketCreatePullRequest(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repositories/acme/demo/pullrequests", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{
			"id": 8,
			"title": "Add tools/ping.tool.yaml",
			"state": "OPEN",
			"links": {"html": {"href": "https://bitbucket.org/acme/demo/pull-requests/8"}},
			"source": {"branch": {"name": "feature/save"}},
			"destination": {"branch": {"name": "main"}}
		}`)
	}))
	defer server.Close()

	c, err := NewBitbucketClient(Options{Username: "worker", Token: "app-pass", BaseURL: server.URL})
	require.NoError(t, err)

	pr, err := c.CreatePullRequest(context.Background(), "acme", "demo", NewPullRequest{
		Title:      "Add tools/ping.tool.yaml",
		Body:       "Automated update.",
		HeadBranch: "feature/save",
		BaseBranch: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 8, pr.Number)

	assert.Equal(t, "Add tools/ping.tool.yaml", got["title"])
	source, ok := got["source"].(map[string]any)
	require.True(t, ok)
	branch, ok := source["branch"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "feature/save", branch["name"])
}

func TestBitbucketErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, KindAuthentication},
		{"forbidden is authentication", http.StatusForbidden, KindAuthentication},
		{"not found", http.StatusNotFound, KindNotFound},
		{"rate limited", http.StatusTooManyRequests, KindRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error": "denied"}`)
			}))
			defer server.Close()

			c, err := NewBitbucketClient(Options{Username: "worker", Token: "app-pass", BaseURL: server.URL})
			require.NoError(t, err)

			_, err = c.GetRepository(context.Background(), "acme", "demo")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, ProviderBitbucket, apiErr.Provider)
			assert.Equal(t, tt.kind, apiErr.Kind)
		})
	}
}
