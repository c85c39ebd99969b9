// Package clientip extracts the end-user IP from edge-provided request
// headers, used only for the optional X-Forwarded-For pass-through to
// origins.
package clientip

import (
	"net"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/mediacdn/engine/internal/common/configtypes"
)

// defaultHeaders are consulted when no header is configured.
var defaultHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

// Extract returns the client IP for a request. A configured header takes
// precedence; otherwise the default header chain is tried, falling back to
// the connection's remote address.
func Extract(ctx *fasthttp.RequestCtx, cfg *configtypes.ClientIPConfig) string {
	headers := defaultHeaders
	if cfg != nil && cfg.Header != "" {
		headers = []string{cfg.Header}
	}

	for _, header := range headers {
		value := strings.TrimSpace(string(ctx.Request.Header.Peek(header)))
		if value == "" {
			continue
		}
		// X-Forwarded-For may carry a proxy chain; the client is first.
		if idx := strings.IndexByte(value, ','); idx >= 0 {
			value = strings.TrimSpace(value[:idx])
		}
		if ip := normalizeIP(value); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(ctx.RemoteAddr().String())
	if err != nil {
		return normalizeIP(ctx.RemoteAddr().String())
	}
	return normalizeIP(host)
}

// normalizeIP strips IPv6 brackets and zone identifiers and canonicalizes
// the textual form. Unparseable values pass through unchanged so logs can
// show what actually arrived.
func normalizeIP(raw string) string {
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if idx := strings.IndexByte(raw, '%'); idx >= 0 {
		raw = raw[:idx]
	}
	if ip := net.ParseIP(raw); ip != nil {
		return ip.String()
	}
	return raw
}
