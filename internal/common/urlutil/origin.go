package urlutil

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// blockedHostnames are names that always refer to the local machine.
var blockedHostnames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"broadcasthost":         true,
}

// internalPatterns match hostnames that belong to private networks or cloud
// metadata services. Patterns use the same semantics as origin block lists:
// "*.suffix" matches proper subdomains, "prefix.*" matches any name under prefix.
var internalPatterns = []string{
	"*.local",
	"*.localhost",
	"*.internal",
	"*.lan",
	"*.home",
	"*.corp",
	"*.private",
	"metadata.google.internal",
	"*.compute.internal",
	"*.ec2.internal",
	"instance-data.*",
	"metadata.*",
}

// ldhHostRe is the standard letter-digit-hyphen hostname shape with an
// alphabetic TLD of at least two letters.
var ldhHostRe = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)

// ipv4LiteralRe matches four dotted decimal groups regardless of range.
var ipv4LiteralRe = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// ValidateOriginHost checks whether a hostname is acceptable as a proxied
// origin. It rejects local names, IP literals, internal and cloud-metadata
// patterns, and anything that is not a plausible public DNS name.
// The host must already be lowercased and port-free.
func ValidateOriginHost(host string) error {
	if host == "" {
		return fmt.Errorf("empty host")
	}
	if blockedHostnames[host] {
		return fmt.Errorf("host %q refers to the local machine", host)
	}
	if ipv4LiteralRe.MatchString(host) {
		return fmt.Errorf("IPv4 literal %q is not a valid origin", host)
	}
	if strings.Contains(host, ":") || strings.HasPrefix(host, "[") {
		return fmt.Errorf("IPv6 literal %q is not a valid origin", host)
	}
	if strings.HasPrefix(host, "169.254.") {
		return fmt.Errorf("link-local address %q is not a valid origin", host)
	}
	for _, pattern := range internalPatterns {
		if matchHostPattern(host, pattern) {
			return fmt.Errorf("host %q matches internal pattern %q", host, pattern)
		}
	}
	if !ldhHostRe.MatchString(host) {
		return fmt.Errorf("host %q is not a valid public hostname", host)
	}
	return nil
}

// ValidateFetchURL checks an absolute URL the fetcher is about to follow,
// both the initial request and every redirect hop. Failure means the fetch
// must be refused.
func ValidateFetchURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("unparseable URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme %q is not allowed", parsed.Scheme)
	}
	if parsed.User != nil {
		return fmt.Errorf("credentials in URL are not allowed")
	}
	switch parsed.Port() {
	case "", "80", "443":
	default:
		return fmt.Errorf("port %q is not allowed", parsed.Port())
	}
	return ValidateOriginHost(strings.ToLower(parsed.Hostname()))
}

// matchHostPattern matches the restricted wildcard forms used by
// internalPatterns: "*.suffix" (proper subdomains plus suffix itself is NOT
// included), "prefix.*" (any name whose first label(s) equal prefix), or an
// exact name.
func matchHostPattern(host, pattern string) bool {
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(host, prefix+".")
	}
	return host == pattern
}
