package repos

import "path/filepath"

// Paths resolves where working copies live on disk. The layout mirrors the
// hosted name, so "acme/demo" lands at {base}/acme/demo. With Multitenant
// set, each user gets an isolated subtree under {base}/{userID}.
type Paths struct {
	Base        string
	Multitenant bool
}

// Repo returns the working copy directory for a repository name of the form
// "owner/repo".
func (p Paths) Repo(userID, repoName string) string {
	if p.Multitenant {
		return filepath.Join(p.Base, userID, filepath.FromSlash(repoName))
	}
	return filepath.Join(p.Base, filepath.FromSlash(repoName))
}
