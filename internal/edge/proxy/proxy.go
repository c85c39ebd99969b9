// Package proxy is the request pipeline of the media gateway. It routes
// incoming requests, joins admission and cache lookups, serves cached
// objects, and drives the miss path through the origin fetcher.
package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mediacdn/engine/internal/common/config"
	"github.com/mediacdn/engine/internal/common/httputil"
	"github.com/mediacdn/engine/internal/common/requestid"
	"github.com/mediacdn/engine/internal/edge/admission"
	"github.com/mediacdn/engine/internal/edge/background"
	"github.com/mediacdn/engine/internal/edge/fetch"
	"github.com/mediacdn/engine/internal/edge/metrics"
	"github.com/mediacdn/engine/internal/edge/stats"
	"github.com/mediacdn/engine/internal/edge/store"
	"github.com/mediacdn/engine/internal/edge/usage"
)

// Service-specific response headers.
const (
	headerStatus      = "X-MediaCDN-Status"
	headerCachedAt    = "X-MediaCDN-Cached-At"
	headerBlockReason = "X-MediaCDN-Block-Reason"
)

const (
	cacheControlImmutable = "public, max-age=31536000, immutable"
	cacheControlNoStore   = "no-store, no-cache, must-revalidate"
)

// OriginFetcher is the outbound side of the miss path. The production
// implementation is fetch.Fetcher.
type OriginFetcher interface {
	FetchMedia(ctx context.Context, sourceURL string, clientHeaders map[string]string, clientIP string, redirectValidator fetch.RedirectValidator) (*fetch.Result, error)
}

// Server handles all public HTTP traffic.
type Server struct {
	config     *config.Manager
	store      store.Store
	fetcher    OriginFetcher
	admission  *admission.Validator
	usage      *usage.Aggregator
	metrics    *metrics.PrometheusMetrics
	stats      *stats.Collector
	background *background.Registry
	version    string
	logger     *zap.Logger

	httpServer *fasthttp.Server
}

func NewServer(
	configManager *config.Manager,
	objectStore store.Store,
	fetcher OriginFetcher,
	admissionValidator *admission.Validator,
	aggregator *usage.Aggregator,
	metricsCollector *metrics.PrometheusMetrics,
	statsCollector *stats.Collector,
	backgroundRegistry *background.Registry,
	version string,
	logger *zap.Logger,
) *Server {
	return &Server{
		config:     configManager,
		store:      objectStore,
		fetcher:    fetcher,
		admission:  admissionValidator,
		usage:      aggregator,
		metrics:    metricsCollector,
		stats:      statsCollector,
		background: backgroundRegistry,
		version:    version,
		logger:     logger,
	}
}

// HandleRequest is the fasthttp entry point.
func (s *Server) HandleRequest(ctx *fasthttp.RequestCtx) {
	requestID := requestid.Generate(string(ctx.Request.Header.Peek("X-Request-ID")))
	ctx.Response.Header.Set("X-Request-ID", requestID)

	logger := s.logger.With(zap.String("request_id", requestID))

	switch string(ctx.Path()) {
	case "/health", "/ping":
		s.handleHealth(ctx)
		return
	case "/stats":
		s.handleStats(ctx)
		return
	}

	switch {
	case ctx.IsOptions():
		s.handleOptions(ctx)
	case ctx.IsGet(), ctx.IsHead():
		s.handleMedia(ctx, logger)
	default:
		// DELETE is reserved for a future authenticated invalidation API.
		ctx.Response.Header.Set(fasthttp.HeaderAllow, "GET, HEAD, OPTIONS")
		httputil.JSONError(ctx, "method not allowed", fasthttp.StatusMethodNotAllowed)
	}
}

// Start begins serving on the given address and blocks until shutdown.
func (s *Server) Start(listen string) error {
	cfg := s.config.GetConfig()
	name := cfg.Server.Name
	if name == "" {
		name = "MediaCDN-Gateway"
	}

	s.httpServer = &fasthttp.Server{
		Handler:     s.HandleRequest,
		Name:        name,
		ReadTimeout: time.Duration(cfg.Server.Timeout),
	}

	s.logger.Info("Media gateway listening", zap.String("address", listen))
	return s.httpServer.ListenAndServe(listen)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down media gateway server")
	return s.httpServer.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	body, _ := json.Marshal(map[string]string{
		"status":    "ok",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	if s.stats == nil {
		httputil.JSONError(ctx, "stats unavailable", fasthttp.StatusServiceUnavailable)
		return
	}
	httputil.JSONData(ctx, s.stats.Collect(), fasthttp.StatusOK)
}

func (s *Server) handleOptions(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set(fasthttp.HeaderAccessControlAllowOrigin, "*")
	ctx.Response.Header.Set(fasthttp.HeaderAccessControlAllowMethods, "GET, HEAD, OPTIONS")
	ctx.Response.Header.Set(fasthttp.HeaderAccessControlAllowHeaders, "Range, If-None-Match, Origin, Accept")
	ctx.Response.Header.Set(fasthttp.HeaderAccessControlMaxAge, "86400")
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
