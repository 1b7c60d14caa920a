package dispatch

import (
	"fmt"

	"github.com/codeGROOVE-dev/hookrelay/pkg/event"
)

// Format renders the notification text for an event. Field order is fixed.
func Format(ev *event.Event) string {
	switch {
	case ev == nil:
		return ""
	case ev.Push != nil:
		p := ev.Push
		return fmt.Sprintf("New push to %s by %s:\nBranch: %s\nMessage: %s\nLink: %s",
			p.Branch, p.Author, p.Branch, p.Message, p.URL)
	case ev.PullRequest != nil:
		pr := ev.PullRequest
		return fmt.Sprintf("Pull request by %s:\nBranch: %s -> %s\nMessage: %s\nCommit message: %s\nLink: %s",
			pr.Author, pr.SourceBranch, pr.TargetBranch, pr.Title, pr.Body, pr.URL)
	default:
		return ""
	}
}
