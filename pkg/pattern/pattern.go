// Package pattern provides host pattern matching for origin allow/block lists.
//
// Pattern Matching Behavior:
//
//   - Exact (no wildcard): Case-insensitive exact host match
//     Example: "cdn.example.com" matches "cdn.example.com", "CDN.EXAMPLE.COM"
//
//   - Subdomain wildcard (*.parent): matches proper subdomains of parent,
//     never parent itself
//     Example: "*.example.com" matches "img.example.com" but not "example.com"
//
//   - Kill switch (*): a list containing the single pattern "*" matches every host
package pattern

import (
	"strings"
)

// HostList is a parsed comma-separated list of host patterns.
type HostList struct {
	patterns   []string
	killSwitch bool
}

// ParseHostList parses a comma-separated pattern string.
// Empty entries are dropped; patterns are lowercased at parse time.
func ParseHostList(raw string) *HostList {
	l := &HostList{}
	for _, part := range strings.Split(raw, ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		if p == "" {
			continue
		}
		if p == "*" {
			l.killSwitch = true
		}
		l.patterns = append(l.patterns, p)
	}
	return l
}

// Empty reports whether the list contains no patterns.
func (l *HostList) Empty() bool {
	return l == nil || len(l.patterns) == 0
}

// KillSwitch reports whether the list contains the catch-all pattern "*".
func (l *HostList) KillSwitch() bool {
	return l != nil && l.killSwitch
}

// Matches reports whether any pattern in the list matches the host.
// The host should already be lowercased.
func (l *HostList) Matches(host string) bool {
	if l == nil {
		return false
	}
	if l.killSwitch {
		return true
	}
	for _, p := range l.patterns {
		if MatchHost(host, p) {
			return true
		}
	}
	return false
}

// Patterns returns the parsed patterns, for logging.
func (l *HostList) Patterns() []string {
	if l == nil {
		return nil
	}
	return l.patterns
}

// MatchHost tests a single host against a single pattern.
// "*.parent" matches proper subdomains of parent only; anything else is an
// exact case-insensitive comparison.
func MatchHost(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)

	if parent, ok := strings.CutPrefix(pattern, "*."); ok {
		// Proper subdomain: at least one label before the parent.
		return strings.HasSuffix(host, "."+parent) && len(host) > len(parent)+1
	}
	return host == pattern
}
