// Package fetch pulls media from origin servers. Every URL the fetcher
// touches, including each redirect hop, is re-validated against the SSRF
// rules, and DNS resolution itself refuses private addresses so a hostile
// origin cannot rebind into the internal network.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mediacdn/engine/internal/common/urlutil"
)

const maxRedirects = 5

// htmlChallengeSizeLimit separates interstitial challenge pages from full
// HTML documents returned instead of media.
const htmlChallengeSizeLimit = 50000

// forwardedHeaders are the only client request headers passed to origins.
var forwardedHeaders = []string{"User-Agent", "Accept", "Accept-Language", "Referer"}

// Result is the outcome of an origin fetch. When Blocked is false and the
// status is 2xx, Body streams the origin response; the caller owns Close.
type Result struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentType   string
	ContentLength int64 // -1 when the origin did not declare one
	FinalURL      string
	Blocked       bool
	BlockReason   string
}

// RedirectValidator re-checks admission when a redirect lands on a
// different host than the one originally admitted.
type RedirectValidator func(host string) error

// Fetcher issues outbound requests to origins.
type Fetcher struct {
	client          *fasthttp.Client
	userAgent       string
	timeout         time.Duration
	forwardClientIP bool
	logger          *zap.Logger
}

func NewFetcher(userAgent string, timeout time.Duration, forwardClientIP bool, logger *zap.Logger) *Fetcher {
	client := &fasthttp.Client{
		ReadTimeout:         timeout,
		WriteTimeout:        timeout,
		StreamResponseBody:  true,
		MaxResponseBodySize: 0,
		Dial:                ssrfSafeDial,
	}

	return &Fetcher{
		client:          client,
		userAgent:       userAgent,
		timeout:         timeout,
		forwardClientIP: forwardClientIP,
		logger:          logger,
	}
}

// FetchMedia fetches sourceURL, following up to 5 redirects. Each hop is
// validated; a hop that fails validation fails the whole fetch. The
// returned Result carries block detection independent of HTTP status.
func (f *Fetcher) FetchMedia(ctx context.Context, sourceURL string, clientHeaders map[string]string, clientIP string, redirectValidator RedirectValidator) (*Result, error) {
	if err := urlutil.ValidateFetchURL(sourceURL); err != nil {
		return nil, fmt.Errorf("refusing fetch of %q: %w", sourceURL, err)
	}

	deadline := time.Now().Add(f.timeout)
	currentURL := sourceURL

	for hop := 0; ; hop++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("fetch deadline exceeded after %d hops", hop)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()

		req.SetRequestURI(currentURL)
		req.Header.SetMethod(fasthttp.MethodGet)
		f.setOutboundHeaders(req, clientHeaders, clientIP)

		if err := f.client.DoTimeout(req, resp, remaining); err != nil {
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
			return nil, fmt.Errorf("origin fetch failed: %w", err)
		}

		status := resp.StatusCode()
		if status >= 300 && status < 400 {
			location := string(resp.Header.Peek(fasthttp.HeaderLocation))
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)

			if hop >= maxRedirects {
				return nil, fmt.Errorf("too many redirects (limit %d)", maxRedirects)
			}
			next, err := f.resolveRedirect(currentURL, location, sourceURL, redirectValidator)
			if err != nil {
				return nil, err
			}
			f.logger.Debug("Following origin redirect",
				zap.String("from", currentURL),
				zap.String("to", next),
				zap.Int("hop", hop+1))
			currentURL = next
			continue
		}

		return f.buildResult(req, resp, currentURL), nil
	}
}

func (f *Fetcher) setOutboundHeaders(req *fasthttp.Request, clientHeaders map[string]string, clientIP string) {
	req.Header.Set(fasthttp.HeaderUserAgent, f.userAgent)
	req.Header.Set(fasthttp.HeaderAccept, "image/*,video/*,audio/*,application/vnd.apple.mpegurl,*/*;q=0.8")

	for _, name := range forwardedHeaders {
		for clientName, value := range clientHeaders {
			if strings.EqualFold(clientName, name) && value != "" {
				req.Header.Set(name, value)
			}
		}
	}

	if f.forwardClientIP && clientIP != "" {
		req.Header.Set(fasthttp.HeaderXForwardedFor, clientIP)
	}
}

// resolveRedirect turns a Location header into the next absolute URL and
// validates it. Hops that land on a new host re-run admission.
func (f *Fetcher) resolveRedirect(currentURL, location, initialURL string, redirectValidator RedirectValidator) (string, error) {
	if location == "" {
		return "", fmt.Errorf("redirect without Location from %q", currentURL)
	}

	base, err := url.Parse(currentURL)
	if err != nil {
		return "", fmt.Errorf("unparseable redirect base %q: %w", currentURL, err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("unparseable redirect target %q: %w", location, err)
	}
	next := base.ResolveReference(ref).String()

	if err := urlutil.ValidateFetchURL(next); err != nil {
		return "", fmt.Errorf("refusing redirect to %q: %w", next, err)
	}

	initial, _ := url.Parse(initialURL)
	nextParsed, _ := url.Parse(next)
	if redirectValidator != nil && initial != nil && nextParsed != nil &&
		!strings.EqualFold(initial.Hostname(), nextParsed.Hostname()) {
		if err := redirectValidator(strings.ToLower(nextParsed.Hostname())); err != nil {
			return "", fmt.Errorf("redirect host %q denied: %w", nextParsed.Hostname(), err)
		}
	}

	return next, nil
}

// buildResult runs block detection and wraps the streaming body. Blocked
// and non-streaming outcomes release the fasthttp buffers immediately.
func (f *Fetcher) buildResult(req *fasthttp.Request, resp *fasthttp.Response, finalURL string) *Result {
	status := resp.StatusCode()
	contentType := string(resp.Header.ContentType())
	contentLength := int64(resp.Header.ContentLength())
	if contentLength < 0 {
		contentLength = -1
	}

	result := &Result{
		StatusCode:    status,
		ContentType:   contentType,
		ContentLength: contentLength,
		FinalURL:      finalURL,
	}

	if reason := detectBlock(status, contentType, contentLength); reason != "" {
		result.Blocked = true
		result.BlockReason = reason
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
		return result
	}

	result.Body = &bodyStream{
		reader: resp.BodyStream(),
		req:    req,
		resp:   resp,
	}
	return result
}

// detectBlock classifies origin responses that are refusals in disguise.
// Detection is independent of HTTP status: a 200 serving an HTML challenge
// page is still a block.
func detectBlock(status int, contentType string, contentLength int64) string {
	switch status {
	case fasthttp.StatusUnauthorized, fasthttp.StatusForbidden:
		return fmt.Sprintf("http_%d", status)
	case fasthttp.StatusTooManyRequests:
		return "rate_limited"
	}

	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "text/html"):
		if contentLength >= 0 && contentLength < htmlChallengeSizeLimit {
			return "html_challenge_page"
		}
		return "html_instead_of_media"
	case strings.HasPrefix(ct, "text/"):
		return "text_instead_of_media"
	case strings.HasPrefix(ct, "application/json"):
		return "json_instead_of_media"
	}
	return ""
}

// bodyStream keeps the fasthttp request and response alive while the body
// is being consumed and releases them exactly once on Close.
type bodyStream struct {
	reader io.Reader
	req    *fasthttp.Request
	resp   *fasthttp.Response
	once   sync.Once
}

func (b *bodyStream) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (b *bodyStream) Close() error {
	b.once.Do(func() {
		b.resp.CloseBodyStream() //nolint:errcheck
		fasthttp.ReleaseRequest(b.req)
		fasthttp.ReleaseResponse(b.resp)
	})
	return nil
}

// ssrfSafeDial resolves the hostname, validates all IPs are public, then
// connects. Prevents DNS rebinding attacks where an attacker's domain
// resolves to a private IP.
func ssrfSafeDial(addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %q", host)
	}

	for _, ip := range ips {
		if err := urlutil.ValidateResolvedIP(ip); err != nil {
			return nil, fmt.Errorf("SSRF protection for %q: %w", host, err)
		}
	}

	// All IPs validated as public; connect to the first one
	return fasthttp.DialTimeout(net.JoinHostPort(ips[0].String(), port), 10*time.Second)
}
