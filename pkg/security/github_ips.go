package security

import (
	"fmt"
	"net/http"
	"net/netip"

	"github.com/codeGROOVE-dev/hookrelay/pkg/logger"
)

// DefaultGitHubHookRanges are GitHub's webhook source ranges, from the
// "hooks" key of https://api.github.com/meta.
var DefaultGitHubHookRanges = []string{
	"192.30.252.0/22",
	"185.199.108.0/22",
	"140.82.112.0/20",
	"143.55.64.0/20",
	"2a0a:a440::/29",
	"2606:50c0::/32",
}

// GitHubIPValidator checks that requests come from GitHub's hook ranges.
// A nil validator allows everything.
type GitHubIPValidator struct {
	prefixes []netip.Prefix
}

// NewGitHubIPValidator parses ranges, defaulting to DefaultGitHubHookRanges.
func NewGitHubIPValidator(ranges []string) (*GitHubIPValidator, error) {
	if len(ranges) == 0 {
		ranges = DefaultGitHubHookRanges
	}
	v := &GitHubIPValidator{prefixes: make([]netip.Prefix, 0, len(ranges))}
	for _, r := range ranges {
		p, err := netip.ParsePrefix(r)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", r, err)
		}
		v.prefixes = append(v.prefixes, p.Masked())
	}
	return v, nil
}

// IsValid reports whether ip is inside an allowed range.
func (v *GitHubIPValidator) IsValid(ip string) bool {
	if v == nil {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range v.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware rejects requests from outside the allowed ranges with 403.
func (v *GitHubIPValidator) Middleware(next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !v.IsValid(ip) {
			logger.Warn(r.Context(), "request rejected: source is not a GitHub hook address", logger.Fields{
				"ip":   ip,
				"path": r.URL.Path,
			})
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
