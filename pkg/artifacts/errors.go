package artifacts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound marks an artifact file that does not exist in the working copy.
var ErrNotFound = errors.New("artifact not found")

// ErrRepoNotCloned marks a repository without a usable local working copy.
var ErrRepoNotCloned = errors.New("repository working copy not available")

// ValidationError reports why an artifact body or path was rejected.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid artifact: %s", strings.Join(e.Problems, "; "))
	}
	return fmt.Sprintf("invalid artifact %s: %s", e.Path, strings.Join(e.Problems, "; "))
}
