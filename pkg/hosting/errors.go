package hosting

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an APIError for callers that branch on failure mode.
type ErrorKind string

const (
	// KindAuthentication covers rejected credentials (HTTP 401). The
	// Provider field tells callers which provider's session to invalidate.
	KindAuthentication ErrorKind = "authentication"
	// KindNotFound covers missing repositories and endpoints (HTTP 404),
	// distinct from transport failures.
	KindNotFound ErrorKind = "not_found"
	// KindRateLimited covers throttled requests.
	KindRateLimited ErrorKind = "rate_limited"
	// KindTransport covers network failures where no status code arrived.
	KindTransport ErrorKind = "transport"
	// KindConfiguration covers unusable client setup, caught before any
	// request is made.
	KindConfiguration ErrorKind = "configuration"
	// KindAPI covers every other non-2xx response.
	KindAPI ErrorKind = "api"
)

// APIError is a provider call that failed, classified for the caller.
type APIError struct {
	Provider    Provider
	Kind        ErrorKind
	StatusCode  int
	Message     string
	Retryable   bool
	Remediation string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// IsAuthentication reports whether err is a rejected-credential failure.
func IsAuthentication(err error) bool {
	return hasKind(err, KindAuthentication)
}

// IsNotFound reports whether err is a missing-resource failure.
func IsNotFound(err error) bool {
	return hasKind(err, KindNotFound)
}

// IsTransport reports whether err failed before any HTTP status arrived.
func IsTransport(err error) bool {
	return hasKind(err, KindTransport)
}

func hasKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}
