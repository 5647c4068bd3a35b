// Package artifacts treats a git working copy as a typed document store for
// prompt and tool definitions. Files are classified by a fixed suffix per
// type, and every write goes through git so the remote stays the source of
// truth.
package artifacts

import (
	"strings"

	"github.com/promptkeep/promptkeep/pkg/hosting"
	"github.com/promptkeep/promptkeep/pkg/repos"
)

// Type identifies what kind of definition an artifact file holds.
type Type string

const (
	// TypePrompt is a prompt definition, stored as "<name>.prompt.yaml".
	TypePrompt Type = "prompt"
	// TypeTool is a tool definition, stored as "<name>.tool.yaml".
	TypeTool Type = "tool"
)

// suffixes is the fixed type -> filename suffix table. Classification is by
// exact trailing suffix, so "config.yaml" never matches.
var suffixes = map[Type]string{
	TypePrompt: ".prompt.yaml",
	TypeTool:   ".tool.yaml",
}

// typeDirs names the directory a derived path for each type lands in.
var typeDirs = map[Type]string{
	TypePrompt: "prompts",
	TypeTool:   "tools",
}

// Types returns the known artifact types in a stable order.
func Types() []Type {
	return []Type{TypePrompt, TypeTool}
}

// Suffix returns the filename suffix for the type, empty for unknown types.
func (t Type) Suffix() string {
	return suffixes[t]
}

// Valid reports whether t is a known artifact type.
func (t Type) Valid() bool {
	_, ok := suffixes[t]
	return ok
}

// Classify matches a file path against the suffix table. It returns the
// artifact type and true when the path ends in exactly one type's suffix.
func Classify(path string) (Type, bool) {
	for _, t := range Types() {
		if strings.HasSuffix(path, suffixes[t]) {
			return t, true
		}
	}
	return "", false
}

// Artifact is one typed YAML document loaded from a working copy.
type Artifact struct {
	Type    Type           `json:"type"`
	Name    string         `json:"name"`
	Path    string         `json:"path"`
	Data    map[string]any `json:"data"`
	History []repos.Commit `json:"history,omitempty"`
}

// SaveRequest carries everything a save needs. FilePath is optional; when
// empty the path is derived from Name.
type SaveRequest struct {
	UserID      string
	RepoName    string
	Type        Type
	Name        string
	Data        map[string]any
	FilePath    string
	Token       string
	AuthorName  string
	AuthorEmail string
}

// SaveResult reports where an artifact landed. PullRequest and
// PullRequestErr describe the best-effort PR step, separate from the save
// itself: a failed PR never unwinds the pushed commit.
type SaveResult struct {
	Path           string               `json:"path"`
	Created        bool                 `json:"created"`
	PullRequest    *hosting.PullRequest `json:"pull_request,omitempty"`
	PullRequestErr error                `json:"-"`
}

// DeleteRequest identifies an artifact to remove and the identity to commit
// the removal under.
type DeleteRequest struct {
	UserID      string
	RepoName    string
	FilePath    string
	Token       string
	AuthorName  string
	AuthorEmail string
}
