package repos

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// Credentials rewrites a remote URL so git can authenticate, keeping tokens
// out of the repository configuration entirely. Implementations leave
// non-HTTP(S) remotes untouched.
type Credentials interface {
	// GitURL returns the remote URL to hand to git for one invocation.
	GitURL(remote string) (string, error)
}

// NoCredentials passes every remote through unchanged.
type NoCredentials struct{}

func (NoCredentials) GitURL(remote string) (string, error) {
	return remote, nil
}

// TokenCredentials injects an OAuth access token into HTTP(S) remotes using
// the x-access-token userinfo convention understood by GitHub, GitLab and
// Bitbucket. An empty token behaves like NoCredentials.
type TokenCredentials struct {
	token string
}

// NewTokenCredentials wraps a raw bearer token.
func NewTokenCredentials(token string) TokenCredentials {
	return TokenCredentials{token: token}
}

func (c TokenCredentials) GitURL(remote string) (string, error) {
	return injectToken(remote, c.token)
}

// TokenSourceCredentials resolves a fresh token per invocation from an
// oauth2.TokenSource, so short-lived installation tokens stay valid across
// long-running operations.
type TokenSourceCredentials struct {
	source oauth2.TokenSource
}

// NewTokenSourceCredentials wraps a token source.
func NewTokenSourceCredentials(ts oauth2.TokenSource) *TokenSourceCredentials {
	return &TokenSourceCredentials{source: ts}
}

func (c *TokenSourceCredentials) GitURL(remote string) (string, error) {
	tok, err := c.source.Token()
	if err != nil {
		return "", fmt.Errorf("resolving access token: %w", err)
	}
	return injectToken(remote, tok.AccessToken)
}

func injectToken(remote, token string) (string, error) {
	if token == "" {
		return remote, nil
	}
	if !strings.HasPrefix(remote, "https://") && !strings.HasPrefix(remote, "http://") {
		// SSH and local remotes authenticate on their own terms.
		return remote, nil
	}
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("parsing remote URL: %w", err)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}
