package hub

import (
	"errors"
	"slices"
)

// AllRepositories subscribes to every configured repository.
const AllRepositories = "*"

var (
	// ErrInvalidRepository indicates an unusable repository name.
	ErrInvalidRepository = errors.New("invalid repository name")
	// ErrInvalidKind indicates an unknown event kind.
	ErrInvalidKind = errors.New("invalid event kind")
)

var knownKinds = []string{"push", "pull_request"}

// Subscription selects which dispatches a watcher receives.
type Subscription struct {
	Repository string   `json:"repository"`
	Kinds      []string `json:"kinds,omitempty"`
}

// Validate checks the subscription is well formed.
func (s *Subscription) Validate() error {
	if s.Repository == "" {
		return errors.New("repository is required")
	}
	if s.Repository != AllRepositories {
		if len(s.Repository) > 100 { // GitHub repository name max length
			return ErrInvalidRepository
		}
		for _, c := range s.Repository {
			if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.') {
				return ErrInvalidRepository
			}
		}
	}

	if len(s.Kinds) > len(knownKinds) {
		return errors.New("too many kinds specified")
	}
	for _, k := range s.Kinds {
		if !slices.Contains(knownKinds, k) {
			return ErrInvalidKind
		}
	}
	return nil
}

// Matches reports whether ev falls under the subscription. Repository
// names match exactly, like routing does.
func (s Subscription) Matches(ev Event) bool {
	if s.Repository == "" {
		return false
	}
	if s.Repository != AllRepositories && s.Repository != ev.Repository {
		return false
	}
	return len(s.Kinds) == 0 || slices.Contains(s.Kinds, ev.Kind)
}
