package repos

import (
	"errors"
	"fmt"
)

// Expected git conditions callers branch on with errors.Is.
var (
	// ErrNothingToCommit reports a commit attempted with an empty index.
	ErrNothingToCommit = errors.New("nothing to commit")
	// ErrMergeConflict reports a pull that stopped on conflicting changes.
	ErrMergeConflict = errors.New("merge conflict")
)

// GitError wraps a failed git invocation with the subcommand that ran and
// the combined output git printed. Credentialed URLs are scrubbed from
// Output before the error leaves this package.
type GitError struct {
	Op     string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("git %s failed: %v: %s", e.Op, e.Err, e.Output)
	}
	return fmt.Sprintf("git %s failed: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error {
	return e.Err
}
