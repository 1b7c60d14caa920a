// Package event classifies GitHub webhook payloads into push and pull request
// events and decides, against the static routing table, whether they should
// be relayed and to which destinations.
package event

import (
	"slices"
	"strings"

	"github.com/codeGROOVE-dev/hookrelay/pkg/config"
)

// Kind identifies the event variant.
type Kind string

const (
	KindPush        Kind = "push"
	KindPullRequest Kind = "pull_request"
)

// Push describes a push to a branch, taken from the head commit.
type Push struct {
	Branch  string
	Author  string
	Message string
	URL     string
}

// PullRequest describes a pull request.
type PullRequest struct {
	SourceBranch string
	TargetBranch string
	Author       string
	Title        string
	Body         string
	URL          string
	State        string
}

// Event is a classified webhook notification. Exactly one of Push or
// PullRequest is set, matching Kind.
type Event struct {
	Push        *Push
	PullRequest *PullRequest
	Repository  string
	Kind        Kind
}

// SkipReason explains why a payload produced no notification.
type SkipReason string

const (
	SkipUnconfigured     SkipReason = "unconfigured_repository"
	SkipBranchNotAllowed SkipReason = "branch_not_allowed"
	SkipPRNotOpen        SkipReason = "pull_request_not_open"
	SkipNoHeadCommit     SkipReason = "no_head_commit"
	SkipUnrecognized     SkipReason = "unrecognized_payload"
	SkipNoDestinations   SkipReason = "no_destinations"
)

// Verdict is the outcome of classifying one payload. When Skip is empty,
// Event is set and Destinations lists where it should be sent.
type Verdict struct {
	Event        *Event
	Skip         SkipReason
	Destinations []string
}

// Actionable reports whether the verdict calls for a dispatch.
func (v Verdict) Actionable() bool {
	return v.Skip == "" && v.Event != nil && len(v.Destinations) > 0
}

// Classifier maps payloads to verdicts. It only reads its configuration
// and is safe for concurrent use.
type Classifier struct {
	repositories map[string]config.RepositoryConfig
	branches     []string
}

// NewClassifier creates a classifier over the given repositories and
// branch allow-list. Branch names are compared case-insensitively.
func NewClassifier(repositories map[string]config.RepositoryConfig, branches []string) *Classifier {
	allowed := make([]string, len(branches))
	for i, b := range branches {
		allowed[i] = strings.ToLower(strings.TrimSpace(b))
	}
	return &Classifier{repositories: repositories, branches: allowed}
}

// RepositoryName extracts repository.name from a payload.
func RepositoryName(payload map[string]any) (string, bool) {
	repo, ok := payload["repository"].(map[string]any)
	if !ok {
		return "", false
	}
	name, ok := repo["name"].(string)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// Classify converts a payload into a verdict. Expected skip conditions are
// reported through Verdict.Skip, never as errors.
func (c *Classifier) Classify(payload map[string]any) Verdict {
	name, ok := RepositoryName(payload)
	if !ok {
		return Verdict{Skip: SkipUnconfigured}
	}
	repo, ok := c.repositories[name]
	if !ok {
		return Verdict{Skip: SkipUnconfigured}
	}

	// A pull request object wins over a ref: pull_request payloads may carry both.
	if pr, ok := payload["pull_request"].(map[string]any); ok {
		return c.classifyPullRequest(name, repo, pr)
	}
	if ref, ok := payload["ref"].(string); ok {
		return c.classifyPush(name, repo, ref, payload)
	}
	return Verdict{Skip: SkipUnrecognized}
}

func (c *Classifier) classifyPush(name string, repo config.RepositoryConfig, ref string, payload map[string]any) Verdict {
	branch := BranchFromRef(ref)
	if !c.branchAllowed(branch) {
		return Verdict{Skip: SkipBranchNotAllowed}
	}

	commit, ok := payload["head_commit"].(map[string]any)
	if !ok {
		return Verdict{Skip: SkipNoHeadCommit}
	}

	ev := &Event{
		Kind:       KindPush,
		Repository: name,
		Push: &Push{
			Branch:  branch,
			Author:  str(commit, "author", "name"),
			Message: str(commit, "message"),
			URL:     str(commit, "url"),
		},
	}
	if len(repo.Push) == 0 {
		return Verdict{Event: ev, Skip: SkipNoDestinations}
	}
	return Verdict{Event: ev, Destinations: slices.Clone(repo.Push)}
}

func (c *Classifier) classifyPullRequest(name string, repo config.RepositoryConfig, pr map[string]any) Verdict {
	ev := &Event{
		Kind:       KindPullRequest,
		Repository: name,
		PullRequest: &PullRequest{
			SourceBranch: str(pr, "head", "ref"),
			TargetBranch: str(pr, "base", "ref"),
			Author:       str(pr, "user", "login"),
			Title:        str(pr, "title"),
			Body:         str(pr, "body"),
			URL:          str(pr, "html_url"),
			State:        str(pr, "state"),
		},
	}

	if ev.PullRequest.State != "open" {
		return Verdict{Event: ev, Skip: SkipPRNotOpen}
	}
	if !c.branchAllowed(ev.PullRequest.TargetBranch) {
		return Verdict{Event: ev, Skip: SkipBranchNotAllowed}
	}
	if len(repo.PullRequest) == 0 {
		return Verdict{Event: ev, Skip: SkipNoDestinations}
	}
	return Verdict{Event: ev, Destinations: slices.Clone(repo.PullRequest)}
}

func (c *Classifier) branchAllowed(branch string) bool {
	return branch != "" && slices.Contains(c.branches, strings.ToLower(branch))
}

// BranchFromRef returns the last path segment of a git ref, so
// "refs/heads/main" yields "main".
func BranchFromRef(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// str walks nested objects along path and returns the string at the end,
// or "" if any step is missing or has the wrong type.
func str(obj map[string]any, path ...string) string {
	cur := obj
	for i, key := range path {
		if i == len(path)-1 {
			s, _ := cur[key].(string) //nolint:errcheck // type assertion, not error
			return s
		}
		next, ok := cur[key].(map[string]any)
		if !ok {
			return ""
		}
		cur = next
	}
	return ""
}
