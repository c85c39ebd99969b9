// Package resolve turns an incoming request path of the form /<host>/<rest>
// into a resource reference: the origin host, the normalized object path,
// the origin URL to fetch, and the cache key both lookups and writes share.
package resolve

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/mediacdn/engine/internal/common/urlutil"
)

// ResourceRef identifies one logical media resource.
type ResourceRef struct {
	Host           string // origin host, lowercased
	NormalizedPath string // decoded, dot-segment free, starts with "/"
	SourceURL      string // https URL to fetch from the origin
	CacheKey       string // stable key shared by every encoding of the resource
	ForceRefresh   bool
	View           bool
}

// Resolve parses a request path and query flags into a ResourceRef.
// The path arrives URL-encoded; the host is the first non-empty segment
// and everything after it is the object path on the origin.
func Resolve(requestPath, query string) (*ResourceRef, error) {
	decoded, err := url.PathUnescape(requestPath)
	if err != nil {
		return nil, fmt.Errorf("undecodable path: %w", err)
	}

	segments := strings.Split(decoded, "/")
	hostIdx := -1
	for i, seg := range segments {
		if seg != "" {
			hostIdx = i
			break
		}
	}
	if hostIdx < 0 {
		return nil, fmt.Errorf("no origin host in path")
	}

	host := strings.ToLower(segments[hostIdx])
	if err := urlutil.ValidateOriginHost(host); err != nil {
		return nil, fmt.Errorf("invalid origin host %q: %w", host, err)
	}

	normalized := NormalizePath(strings.Join(segments[hostIdx+1:], "/"))
	if normalized == "" || normalized == "/" {
		return nil, fmt.Errorf("empty object path for host %q", host)
	}

	escaped := (&url.URL{Path: normalized}).EscapedPath()
	flags, _ := url.ParseQuery(query)

	return &ResourceRef{
		Host:           host,
		NormalizedPath: normalized,
		SourceURL:      "https://" + host + escaped,
		CacheKey:       CacheKey(host, normalized),
		ForceRefresh:   flagSet(flags, "force"),
		View:           flagSet(flags, "view"),
	}, nil
}

// NormalizePath collapses dot segments and duplicate slashes in a decoded
// path. The result always starts with "/" and never escapes the root.
// Normalization is idempotent.
func NormalizePath(p string) string {
	cleaned := path.Clean("/" + p)
	// path.Clean drops a trailing slash; the origin may distinguish
	// /dir/ from /dir so it is preserved.
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// CacheKey derives the object store key for a host and normalized path:
// the plain concatenation, e.g. "example.com/a.jpg". Two request URLs that
// differ only in encoding or redundant dot segments map to the same key;
// distinct resources always have distinct keys. Hashing for the on-disk
// layout is the store's concern.
func CacheKey(host, normalizedPath string) string {
	return host + normalizedPath
}

// flagSet reports whether a query flag is set to 1 or true.
func flagSet(values url.Values, name string) bool {
	v := values.Get(name)
	return v == "1" || v == "true"
}
