package proxy

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mediacdn/engine/internal/edge/clientip"
	"github.com/mediacdn/engine/internal/edge/httprange"
	"github.com/mediacdn/engine/internal/edge/mediatype"
	"github.com/mediacdn/engine/internal/edge/resolve"
	"github.com/mediacdn/engine/internal/edge/store"
	"github.com/mediacdn/engine/internal/edge/stream"
	"github.com/mediacdn/engine/pkg/types"
)

// handleMedia runs the caching pipeline for GET and HEAD. Any failure past
// URL resolution degrades to a 302 back to the origin; the client never
// sees a gateway 5xx.
func (s *Server) handleMedia(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	start := time.Now()
	s.metrics.IncActiveRequests()
	defer s.metrics.DecActiveRequests()

	host := "invalid"
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Request pipeline panicked", zap.Any("panic", rec))
			s.errorFloor(ctx)
		}
		s.metrics.RecordRequest(host, string(ctx.Method()), ctx.Response.StatusCode(), time.Since(start))
	}()

	ref, err := resolve.Resolve(string(ctx.Path()), string(ctx.URI().QueryString()))
	if err != nil {
		logger.Info("Unresolvable media path",
			zap.String("path", string(ctx.Path())),
			zap.Error(err))
		s.errorFloor(ctx)
		return
	}
	host = ref.Host
	logger = logger.With(zap.String("host", ref.Host), zap.String("cache_key", ref.CacheKey))

	cfg := s.config.GetConfig()
	rangeHeader := string(ctx.Request.Header.Peek(fasthttp.HeaderRange))

	var (
		adm                   types.AdmissionResult
		headMeta              *types.ObjectMetadata
		cached                *store.Object
		ranged                *store.Object
		specStart, specLength int64
	)

	// Admission, the cache lookup, and a speculative ranged read are
	// independent; join them in one barrier. Cache read failures degrade
	// to a miss instead of failing the dispatch.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		adm = s.admission.Validate(gctx, ref.Host)
		return nil
	})
	if !ref.ForceRefresh {
		headOnly := ctx.IsHead() || (rangeHeader != "" && !httprange.IsFullFileProbe(rangeHeader))
		g.Go(func() error {
			var err error
			if headOnly {
				headMeta, err = s.store.Head(gctx, ref.CacheKey)
			} else {
				cached, err = s.store.Get(gctx, ref.CacheKey)
			}
			if err != nil {
				logger.Warn("Cache read failed, treating as miss", zap.Error(err))
			}
			return nil
		})
		if !ctx.IsHead() {
			if rangeStart, rangeLength, ok := httprange.IsBounded(rangeHeader); ok {
				specStart, specLength = rangeStart, rangeLength
				g.Go(func() error {
					obj, err := s.store.GetRange(gctx, ref.CacheKey, rangeStart, rangeLength)
					if err != nil {
						// Absent object or a range past the end; the
						// serving path re-derives the correct interval.
						return nil
					}
					ranged = obj
					return nil
				})
			}
		}
	}
	_ = g.Wait()

	if !adm.Allowed {
		discard(cached, ranged)
		logger.Info("Origin not admitted",
			zap.String("reason", string(adm.Reason)),
			zap.String("source", string(adm.Source)))
		s.redirect(ctx, ref.Host, ref.SourceURL, string(adm.Reason))
		return
	}

	if ctx.IsHead() {
		s.serveHead(ctx, ref, headMeta)
		return
	}

	if cached != nil || headMeta != nil {
		s.serveHit(ctx, logger, ref, adm.DomainRecords, cached, headMeta, ranged, specStart, specLength, rangeHeader, cfg.Debug)
		return
	}

	discard(ranged)
	s.serveMiss(ctx, logger, ref, adm.DomainRecords, rangeHeader)
}

// serveHead answers HEAD from cache metadata only. A miss or a force
// refresh redirects; the gateway never fetches an origin body just to
// report headers.
func (s *Server) serveHead(ctx *fasthttp.RequestCtx, ref *resolve.ResourceRef, meta *types.ObjectMetadata) {
	if ref.ForceRefresh || meta == nil {
		s.metrics.RecordCacheMiss(ref.Host)
		s.redirect(ctx, ref.Host, ref.SourceURL, "head_miss")
		return
	}

	if !mediatype.IsMedia(meta.ContentType) {
		s.poisonAndRedirect(ctx, ref)
		return
	}

	s.metrics.RecordCacheHit(ref.Host)
	s.writeHitHeaders(ctx, meta)
	ctx.Response.Header.SetContentLength(int(meta.Size))
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// serveHit delivers a cached object, honoring conditionals and ranges.
func (s *Server) serveHit(
	ctx *fasthttp.RequestCtx,
	logger *zap.Logger,
	ref *resolve.ResourceRef,
	records []types.DomainRecord,
	cached *store.Object,
	headMeta *types.ObjectMetadata,
	ranged *store.Object,
	specStart, specLength int64,
	rangeHeader string,
	debug bool,
) {
	var meta types.ObjectMetadata
	if cached != nil {
		meta = cached.Meta
	} else {
		meta = *headMeta
	}

	if !mediatype.IsMedia(meta.ContentType) {
		discard(cached, ranged)
		logger.Warn("Poisoned cache entry, deleting",
			zap.String("content_type", meta.ContentType))
		s.poisonAndRedirect(ctx, ref)
		return
	}

	if ref.View && debug {
		discard(cached, ranged)
		s.serveView(ctx, ref, meta)
		return
	}

	if inm := string(ctx.Request.Header.Peek(fasthttp.HeaderIfNoneMatch)); inm != "" && inm == meta.ETag {
		discard(cached, ranged)
		s.metrics.RecordCacheHit(ref.Host)
		s.recordUsage(records, ref.Host, 0, true)
		s.writeHitHeaders(ctx, &meta)
		ctx.SetStatusCode(fasthttp.StatusNotModified)
		return
	}

	var interval *httprange.Interval
	if rangeHeader != "" {
		interval = httprange.Parse(rangeHeader, meta.Size)
		if interval == nil {
			discard(cached, ranged)
			ctx.Response.Header.Set(fasthttp.HeaderContentRange, fmt.Sprintf("bytes */%d", meta.Size))
			ctx.SetStatusCode(fasthttp.StatusRequestedRangeNotSatisfiable)
			return
		}
	}

	var body *store.Object
	var length int64
	if interval != nil && interval.Partial {
		length = interval.Length
		if ranged != nil && specStart == interval.Start && specLength == interval.Length {
			body = ranged
			ranged = nil
		} else {
			obj, err := s.store.GetRange(ctx, ref.CacheKey, interval.Start, interval.Length)
			if err != nil || obj == nil {
				discard(cached, ranged)
				logger.Warn("Ranged cache read failed on hit", zap.Error(err))
				s.redirect(ctx, ref.Host, ref.SourceURL, "cache_read_failed")
				return
			}
			body = obj
		}
		discard(cached)
	} else {
		length = meta.Size
		body = cached
		if body == nil {
			if ranged != nil && specStart == 0 && specLength == meta.Size {
				body = ranged
				ranged = nil
			} else {
				obj, err := s.store.Get(ctx, ref.CacheKey)
				if err != nil || obj == nil {
					discard(ranged)
					logger.Warn("Cache read failed on hit", zap.Error(err))
					s.redirect(ctx, ref.Host, ref.SourceURL, "cache_read_failed")
					return
				}
				body = obj
			}
		}
	}
	discard(ranged)

	s.metrics.RecordCacheHit(ref.Host)
	s.writeHitHeaders(ctx, &meta)

	// A Range header always gets a 206, even when the interval covers the
	// whole object, so media players detect seek support.
	if rangeHeader != "" {
		var rangeStart, rangeEnd int64
		if interval != nil {
			rangeStart, rangeEnd = interval.Start, interval.End
		} else {
			rangeStart, rangeEnd = 0, meta.Size-1
		}
		ctx.Response.Header.Set(fasthttp.HeaderContentRange,
			fmt.Sprintf("bytes %d-%d/%d", rangeStart, rangeEnd, meta.Size))
		ctx.SetStatusCode(fasthttp.StatusPartialContent)
	} else {
		ctx.SetStatusCode(fasthttp.StatusOK)
	}

	accounted := newAccountedBody(body.Body, func(bytes int64) {
		s.recordUsage(records, ref.Host, bytes, true)
		s.metrics.RecordBytesServed(ref.Host, "hit", bytes)
	})
	ctx.SetBodyStream(accounted, int(length))
}

// serveMiss fetches from the origin, tees the body into the cache, and
// streams it to the client.
func (s *Server) serveMiss(
	ctx *fasthttp.RequestCtx,
	logger *zap.Logger,
	ref *resolve.ResourceRef,
	records []types.DomainRecord,
	rangeHeader string,
) {
	cfg := s.config.GetConfig()

	// A partial range on a miss cannot be served without lying about
	// Content-Range for bytes we have not cached yet. The full-file probe
	// is the one range a miss can satisfy honestly.
	if rangeHeader != "" && !httprange.IsFullFileProbe(rangeHeader) {
		s.metrics.RecordCacheMiss(ref.Host)
		s.redirect(ctx, ref.Host, ref.SourceURL, "partial_range_miss")
		return
	}

	clientHeaders := map[string]string{
		"User-Agent":      string(ctx.Request.Header.UserAgent()),
		"Accept":          string(ctx.Request.Header.Peek(fasthttp.HeaderAccept)),
		"Accept-Language": string(ctx.Request.Header.Peek(fasthttp.HeaderAcceptLanguage)),
		"Referer":         string(ctx.Request.Header.Referer()),
	}
	clientIP := clientip.Extract(ctx, cfg.ClientIP)

	fetchStart := time.Now()
	result, err := s.fetcher.FetchMedia(ctx, ref.SourceURL, clientHeaders, clientIP, func(redirectHost string) error {
		res := s.admission.Validate(ctx, redirectHost)
		if !res.Allowed {
			return fmt.Errorf("redirect host %s denied: %s", redirectHost, res.Reason)
		}
		return nil
	})
	if err != nil {
		s.metrics.RecordOriginFetch(ref.Host, "error", time.Since(fetchStart))
		s.metrics.RecordCacheMiss(ref.Host)
		logger.Warn("Origin fetch failed", zap.Error(err))
		s.redirect(ctx, ref.Host, ref.SourceURL, "origin_unreachable")
		return
	}

	if result.Blocked {
		s.metrics.RecordOriginFetch(ref.Host, "blocked", time.Since(fetchStart))
		s.metrics.RecordOriginBlocked(ref.Host, result.BlockReason)
		s.metrics.RecordCacheMiss(ref.Host)
		logger.Info("Origin response classified as block",
			zap.String("reason", result.BlockReason),
			zap.Int("status", result.StatusCode))
		ctx.Response.Header.Set(headerBlockReason, result.BlockReason)
		s.redirect(ctx, ref.Host, ref.SourceURL, "origin_blocked")
		return
	}

	if result.StatusCode < 200 || result.StatusCode >= 300 {
		closeBody(result.Body)
		s.metrics.RecordOriginFetch(ref.Host, "error", time.Since(fetchStart))
		s.metrics.RecordCacheMiss(ref.Host)
		logger.Info("Origin returned non-success status", zap.Int("status", result.StatusCode))
		s.redirect(ctx, ref.Host, ref.SourceURL, fmt.Sprintf("origin_status_%d", result.StatusCode))
		return
	}

	if !mediatype.IsMedia(result.ContentType) {
		closeBody(result.Body)
		s.metrics.RecordOriginFetch(ref.Host, "error", time.Since(fetchStart))
		s.metrics.RecordCacheMiss(ref.Host)
		logger.Info("Origin returned non-media content",
			zap.String("content_type", result.ContentType))
		s.redirect(ctx, ref.Host, ref.SourceURL, "not_media")
		return
	}

	maxSize := int64(cfg.Origin.MaxFileSize)
	if result.ContentLength > maxSize {
		closeBody(result.Body)
		s.metrics.RecordOriginFetch(ref.Host, "error", time.Since(fetchStart))
		s.metrics.RecordCacheMiss(ref.Host)
		logger.Info("Origin object exceeds size cap",
			zap.Int64("content_length", result.ContentLength),
			zap.Int64("max", maxSize))
		s.redirect(ctx, ref.Host, ref.SourceURL, "size_cap_exceeded")
		return
	}

	s.metrics.RecordOriginFetch(ref.Host, "ok", time.Since(fetchStart))
	s.metrics.RecordCacheMiss(ref.Host)

	s.writeMissHeaders(ctx, result.ContentType)
	limited := stream.NewSizeLimitedReader(result.Body, maxSize)
	onDone := func(bytes int64) {
		s.recordUsage(records, ref.Host, bytes, false)
		s.metrics.RecordBytesServed(ref.Host, "miss", bytes)
	}

	if result.ContentLength < 0 {
		// Chunked origin bodies stream through uncached; a fixed-length
		// store write needs a size up front and buffering an unbounded
		// body is worse than a second miss.
		s.metrics.RecordError("chunked_not_cached", ref.Host)
		logger.Debug("Origin body has no declared length, skipping cache write")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyStream(newAccountedBody(bodyWithCloser{limited, result.Body}, onDone), -1)
		return
	}

	size := result.ContentLength
	tee := stream.NewTee(limited)
	meta := types.ObjectMetadata{
		ContentType:   result.ContentType,
		SourceURL:     ref.SourceURL,
		OriginHost:    ref.Host,
		CachedAt:      time.Now().UTC().Format(time.RFC3339),
		ContentLength: size,
	}
	s.background.Go("cache-write", func() {
		if err := s.store.Put(context.Background(), ref.CacheKey, tee.Store(), size, meta); err != nil {
			logger.Warn("Background cache write failed", zap.Error(err))
			// Release the store branch so the client stream never blocks
			// behind a write that already failed.
			tee.AbandonStore()
		}
	})
	s.background.Go("origin-body-close", func() {
		<-tee.Done()
		closeBody(result.Body)
	})

	if rangeHeader != "" && size > 0 {
		ctx.Response.Header.Set(fasthttp.HeaderContentRange,
			fmt.Sprintf("bytes 0-%d/%d", size-1, size))
		ctx.SetStatusCode(fasthttp.StatusPartialContent)
	} else {
		ctx.SetStatusCode(fasthttp.StatusOK)
	}
	ctx.SetBodyStream(newAccountedBody(tee, onDone), int(size))
}

// poisonAndRedirect deletes a cached object whose content type is not a
// supported media kind and falls back to the origin.
func (s *Server) poisonAndRedirect(ctx *fasthttp.RequestCtx, ref *resolve.ResourceRef) {
	s.metrics.RecordPoisonedObject(ref.Host)
	key := ref.CacheKey
	s.background.Go("poison-delete", func() {
		if err := s.store.Delete(context.Background(), key); err != nil {
			s.logger.Error("Failed to delete poisoned cache entry",
				zap.String("cache_key", key),
				zap.Error(err))
		}
	})
	s.redirect(ctx, ref.Host, ref.SourceURL, "poisoned_object")
}

// redirect is the universal fallback: 302 back to the origin URL. Nothing
// about the failure is disclosed beyond the optional block-reason header
// the caller may have set.
func (s *Server) redirect(ctx *fasthttp.RequestCtx, host, sourceURL, reason string) {
	ctx.Response.Header.Set(fasthttp.HeaderCacheControl, cacheControlNoStore)
	ctx.Response.Header.Set(headerStatus, "redirect")
	ctx.Redirect(sourceURL, fasthttp.StatusFound)
	s.metrics.RecordRedirect(host, reason)
}

// errorFloor is the last line of the pipeline: rebuild an origin URL from
// the raw request path and redirect. Only a path no origin URL can be
// derived from yields a 400.
func (s *Server) errorFloor(ctx *fasthttp.RequestCtx) {
	if sourceURL, ok := originURLFromPath(string(ctx.Path())); ok {
		parsed, _ := url.Parse(sourceURL)
		host := "invalid"
		if parsed != nil {
			host = parsed.Hostname()
		}
		s.redirect(ctx, host, sourceURL, "pipeline_error")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusBadRequest)
	ctx.SetContentType("text/plain")
	ctx.SetBodyString("invalid request URL")
}

// originURLFromPath rebuilds https://<host><path> without validating the
// host. Hosts that failed validation still redirect to the URL as written;
// the client fails there safely because the gateway never fetched it.
func originURLFromPath(requestPath string) (string, bool) {
	decoded, err := url.PathUnescape(requestPath)
	if err != nil {
		return "", false
	}
	trimmed := strings.TrimLeft(decoded, "/")
	slash := strings.IndexByte(trimmed, '/')
	if slash <= 0 {
		return "", false
	}
	host := strings.ToLower(trimmed[:slash])
	rest := resolve.NormalizePath(trimmed[slash:])
	if rest == "" || rest == "/" || strings.ContainsAny(host, " @:") {
		return "", false
	}
	escaped := (&url.URL{Path: rest}).EscapedPath()
	return "https://" + host + escaped, true
}

func (s *Server) writeHitHeaders(ctx *fasthttp.RequestCtx, meta *types.ObjectMetadata) {
	ctx.SetContentType(meta.ContentType)
	ctx.Response.Header.Set(fasthttp.HeaderAcceptRanges, "bytes")
	ctx.Response.Header.Set(fasthttp.HeaderCacheControl, cacheControlImmutable)
	ctx.Response.Header.Set(fasthttp.HeaderAccessControlAllowOrigin, "*")
	if meta.ETag != "" {
		ctx.Response.Header.Set(fasthttp.HeaderETag, meta.ETag)
	}
	if !meta.Uploaded.IsZero() {
		ctx.Response.Header.Set(fasthttp.HeaderLastModified, meta.Uploaded.UTC().Format(http.TimeFormat))
	}
	ctx.Response.Header.Set(headerStatus, "hit")
	if meta.CachedAt != "" {
		ctx.Response.Header.Set(headerCachedAt, meta.CachedAt)
	}
}

func (s *Server) writeMissHeaders(ctx *fasthttp.RequestCtx, contentType string) {
	ctx.SetContentType(contentType)
	ctx.Response.Header.Set(fasthttp.HeaderAcceptRanges, "bytes")
	ctx.Response.Header.Set(fasthttp.HeaderCacheControl, cacheControlImmutable)
	ctx.Response.Header.Set(fasthttp.HeaderAccessControlAllowOrigin, "*")
	ctx.Response.Header.Set(headerStatus, "miss")
}

// serveView renders the debug metadata page for a cached object. Strictly
// gated on the debug config flag; nothing about the gateway configuration
// is echoed.
func (s *Server) serveView(ctx *fasthttp.RequestCtx, ref *resolve.ResourceRef, meta types.ObjectMetadata) {
	var b strings.Builder
	b.WriteString("<!doctype html><html><head><title>Cached object</title></head><body>")
	fmt.Fprintf(&b, "<h1>%s%s</h1><table>", html.EscapeString(ref.Host), html.EscapeString(ref.NormalizedPath))
	fmt.Fprintf(&b, "<tr><td>Content-Type</td><td>%s</td></tr>", html.EscapeString(meta.ContentType))
	fmt.Fprintf(&b, "<tr><td>Size</td><td>%d</td></tr>", meta.Size)
	fmt.Fprintf(&b, "<tr><td>ETag</td><td>%s</td></tr>", html.EscapeString(meta.ETag))
	fmt.Fprintf(&b, "<tr><td>Cached at</td><td>%s</td></tr>", html.EscapeString(meta.CachedAt))
	fmt.Fprintf(&b, "<tr><td>Source</td><td>%s</td></tr>", html.EscapeString(meta.SourceURL))
	b.WriteString("</table></body></html>")

	ctx.SetContentType("text/html; charset=utf-8")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString(b.String())
}

// recordUsage attributes delivered bytes to every active tenant of the
// host. Fire-and-forget through the background registry.
func (s *Server) recordUsage(records []types.DomainRecord, host string, bytes int64, cacheHit bool) {
	if s.usage == nil {
		return
	}
	tenants := types.ActiveTenants(records)
	if len(tenants) == 0 {
		return
	}
	s.background.Go("usage-record", func() {
		for _, id := range tenants {
			s.usage.Record(id, host, bytes, cacheHit)
		}
	})
}
