package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mediacdn/engine/internal/common/config"
	"github.com/mediacdn/engine/internal/edge/admission"
	"github.com/mediacdn/engine/internal/edge/background"
	"github.com/mediacdn/engine/internal/edge/fetch"
	"github.com/mediacdn/engine/internal/edge/metrics"
	"github.com/mediacdn/engine/internal/edge/resolve"
	"github.com/mediacdn/engine/internal/edge/stats"
	"github.com/mediacdn/engine/internal/edge/store"
	"github.com/mediacdn/engine/internal/edge/usage"
	"github.com/mediacdn/engine/pkg/types"
)

// stubFetcher records calls and returns a canned result, so tests can
// assert which requests ever reach the origin.
type stubFetcher struct {
	calls  int
	result *fetch.Result
	err    error
}

func (f *stubFetcher) FetchMedia(_ context.Context, _ string, _ map[string]string, _ string, _ fetch.RedirectValidator) (*fetch.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func mediaResult(contentType string, body []byte) *fetch.Result {
	return &fetch.Result{
		Body:          io.NopCloser(bytes.NewReader(body)),
		StatusCode:    fasthttp.StatusOK,
		ContentType:   contentType,
		ContentLength: int64(len(body)),
	}
}

type testEnv struct {
	server  *Server
	fetcher *stubFetcher
	store   store.Store
	usage   *usage.Aggregator
	bg      *background.Registry
}

type envOptions struct {
	blocked     string
	registry    admission.RegistryLookup
	debug       bool
	maxFileSize string
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	maxFileSize := opts.maxFileSize
	if maxFileSize == "" {
		maxFileSize = "500MB"
	}
	cfgYAML := fmt.Sprintf(`server:
  listen: ":0"
origin:
  mode: open
  blocked: %q
  max_file_size: %s
storage:
  base_path: %q
debug: %v
log:
  level: error
`, opts.blocked, maxFileSize, filepath.Join(dir, "cache"), opts.debug)
	cfgPath := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o644))

	manager, err := config.NewManager(cfgPath, logger)
	require.NoError(t, err)

	fsStore, err := store.NewFilesystemStore(filepath.Join(dir, "cache"), types.CompressionNone, 0, logger)
	require.NoError(t, err)

	aggregator, err := usage.NewAggregator("", nil, time.Minute, logger)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	pm := metrics.NewPrometheusMetricsWithRegistry("test", registry, logger)
	fetcher := &stubFetcher{}
	bg := background.NewRegistry(logger)
	validator := admission.New("open", "", opts.blocked, opts.registry, logger)

	srv := NewServer(manager, fsStore, fetcher, validator, aggregator, pm,
		stats.NewCollector("test", registry, logger), bg, "test", logger)

	return &testEnv{server: srv, fetcher: fetcher, store: fsStore, usage: aggregator, bg: bg}
}

func (e *testEnv) request(t *testing.T, method, uri string, headers map[string]string) *fasthttp.RequestCtx {
	t.Helper()
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	e.server.HandleRequest(&ctx)
	return &ctx
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.bg.Wait(ctx))
}

func (e *testEnv) putObject(t *testing.T, host, path, contentType string, body []byte) string {
	t.Helper()
	key := resolve.CacheKey(host, path)
	meta := types.ObjectMetadata{
		ContentType: contentType,
		SourceURL:   "https://" + host + path,
		OriginHost:  host,
		CachedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, e.store.Put(context.Background(), key, bytes.NewReader(body), int64(len(body)), meta))
	return key
}

func TestMissPathServesAndCaches(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	body := bytes.Repeat([]byte{0xAB}, 1024)
	env.fetcher.result = mediaResult("image/jpeg", body)

	ctx := env.request(t, "GET", "http://cdn/example.com/a.jpg", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "miss", string(ctx.Response.Header.Peek(headerStatus)))
	assert.Equal(t, body, ctx.Response.Body())
	assert.Equal(t, "bytes", string(ctx.Response.Header.Peek(fasthttp.HeaderAcceptRanges)))

	env.drain(t)

	key := resolve.CacheKey("example.com", "/a.jpg")
	obj, err := env.store.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, obj)
	defer obj.Body.Close()
	stored, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, body, stored)
	assert.Equal(t, int64(1024), obj.Meta.Size)
}

func TestSecondRequestIsHitWithConditional(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	body := []byte("not really a png but close enough")
	env.fetcher.result = mediaResult("image/png", body)

	miss := env.request(t, "GET", "http://cdn/example.com/b.png", nil)
	assert.Equal(t, body, miss.Response.Body())
	env.drain(t)

	hit := env.request(t, "GET", "http://cdn/example.com/b.png", nil)
	assert.Equal(t, fasthttp.StatusOK, hit.Response.StatusCode())
	assert.Equal(t, "hit", string(hit.Response.Header.Peek(headerStatus)))
	assert.Equal(t, body, hit.Response.Body())
	etag := string(hit.Response.Header.Peek(fasthttp.HeaderETag))
	assert.NotEmpty(t, etag)
	assert.NotEmpty(t, string(hit.Response.Header.Peek(fasthttp.HeaderLastModified)))
	assert.Equal(t, 1, env.fetcher.calls)

	cond := env.request(t, "GET", "http://cdn/example.com/b.png", map[string]string{
		"If-None-Match": etag,
	})
	assert.Equal(t, fasthttp.StatusNotModified, cond.Response.StatusCode())
	assert.Empty(t, cond.Response.Body())
}

func TestInvalidHostNeverReachesFetcher(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	ctx := env.request(t, "GET", "http://cdn/evil.local/x.jpg", nil)
	assert.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
	assert.Equal(t, "https://evil.local/x.jpg", string(ctx.Response.Header.Peek(fasthttp.HeaderLocation)))
	assert.Equal(t, "redirect", string(ctx.Response.Header.Peek(headerStatus)))
	assert.Equal(t, 0, env.fetcher.calls)
}

func TestBlockedOriginRedirects(t *testing.T) {
	env := newTestEnv(t, envOptions{blocked: "example.com"})

	ctx := env.request(t, "GET", "http://cdn/example.com/a.jpg", nil)
	assert.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
	assert.Equal(t, 0, env.fetcher.calls)
}

func TestPartialRangeMissRedirects(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	ctx := env.request(t, "GET", "http://cdn/example.com/video.mp4", map[string]string{
		"Range": "bytes=1048576-2097151",
	})
	assert.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
	assert.Equal(t, 0, env.fetcher.calls)

	obj, err := env.store.Get(context.Background(), resolve.CacheKey("example.com", "/video.mp4"))
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestRangeProbeOnMissReturns206(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	body := bytes.Repeat([]byte{0x01}, 512)
	env.fetcher.result = mediaResult("video/mp4", body)

	ctx := env.request(t, "GET", "http://cdn/example.com/clip.mp4", map[string]string{
		"Range": "bytes=0-",
	})
	assert.Equal(t, fasthttp.StatusPartialContent, ctx.Response.StatusCode())
	assert.Equal(t, "bytes 0-511/512", string(ctx.Response.Header.Peek(fasthttp.HeaderContentRange)))
	assert.Equal(t, body, ctx.Response.Body())
	env.drain(t)
}

func TestRangeServingFromCache(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	body := []byte("0123456789abcdef")
	env.putObject(t, "example.com", "/clip.mp4", "video/mp4", body)

	tests := []struct {
		name         string
		rangeHeader  string
		wantStatus   int
		wantRange    string
		wantBody     string
	}{
		{
			name:        "bounded partial",
			rangeHeader: "bytes=2-5",
			wantStatus:  fasthttp.StatusPartialContent,
			wantRange:   "bytes 2-5/16",
			wantBody:    "2345",
		},
		{
			name:        "suffix",
			rangeHeader: "bytes=-4",
			wantStatus:  fasthttp.StatusPartialContent,
			wantRange:   "bytes 12-15/16",
			wantBody:    "cdef",
		},
		{
			name:        "full file probe",
			rangeHeader: "bytes=0-",
			wantStatus:  fasthttp.StatusPartialContent,
			wantRange:   "bytes 0-15/16",
			wantBody:    string(body),
		},
		{
			name:        "suffix zero invalid",
			rangeHeader: "bytes=-0",
			wantStatus:  fasthttp.StatusRequestedRangeNotSatisfiable,
			wantRange:   "bytes */16",
		},
		{
			name:        "start past end of object",
			rangeHeader: "bytes=16-",
			wantStatus:  fasthttp.StatusRequestedRangeNotSatisfiable,
			wantRange:   "bytes */16",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := env.request(t, "GET", "http://cdn/example.com/clip.mp4", map[string]string{
				"Range": tt.rangeHeader,
			})
			assert.Equal(t, tt.wantStatus, ctx.Response.StatusCode())
			assert.Equal(t, tt.wantRange, string(ctx.Response.Header.Peek(fasthttp.HeaderContentRange)))
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, string(ctx.Response.Body()))
			}
		})
	}
	assert.Equal(t, 0, env.fetcher.calls)
}

func TestOversizeOriginRedirects(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.fetcher.result = &fetch.Result{
		Body:          io.NopCloser(strings.NewReader("")),
		StatusCode:    fasthttp.StatusOK,
		ContentType:   "video/mp4",
		ContentLength: 600 * 1024 * 1024, // over the 500MB default cap
	}

	ctx := env.request(t, "GET", "http://cdn/example.com/big.bin", nil)
	assert.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
	assert.Equal(t, "https://example.com/big.bin", string(ctx.Response.Header.Peek(fasthttp.HeaderLocation)))
	assert.Equal(t, "redirect", string(ctx.Response.Header.Peek(headerStatus)))
}

// failingPutStore rejects every write without reading the body, as a full
// disk or unwritable shard directory would.
type failingPutStore struct {
	store.Store
	puts int
}

func (f *failingPutStore) Put(_ context.Context, _ string, _ io.Reader, _ int64, _ types.ObjectMetadata) error {
	f.puts++
	return errors.New("disk full")
}

func TestFailedCacheWriteDoesNotStallClient(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	failing := &failingPutStore{Store: env.store}
	env.server.store = failing

	body := bytes.Repeat([]byte{0xCD}, 64*1024)
	env.fetcher.result = mediaResult("image/jpeg", body)

	ctx := env.request(t, "GET", "http://cdn/example.com/a.jpg", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	got := make(chan []byte, 1)
	go func() { got <- ctx.Response.Body() }()

	select {
	case data := <-got:
		assert.Equal(t, body, data, "client receives the full body despite the failed write")
	case <-time.After(5 * time.Second):
		t.Fatal("client response stalled behind the failed cache write")
	}

	env.drain(t)
	assert.Equal(t, 1, failing.puts)
}

func TestSizeCapBoundary(t *testing.T) {
	env := newTestEnv(t, envOptions{maxFileSize: "1KB"})

	env.fetcher.result = mediaResult("image/jpeg", bytes.Repeat([]byte{0x01}, 1024))
	ctx := env.request(t, "GET", "http://cdn/example.com/exact.jpg", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), "object exactly at the cap is served")
	assert.Equal(t, "miss", string(ctx.Response.Header.Peek(headerStatus)))
	assert.Len(t, ctx.Response.Body(), 1024)

	env.fetcher.result = mediaResult("image/jpeg", bytes.Repeat([]byte{0x01}, 1025))
	ctx = env.request(t, "GET", "http://cdn/example.com/over.jpg", nil)
	assert.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode(), "one byte over the cap redirects")
	assert.Equal(t, "https://example.com/over.jpg", string(ctx.Response.Header.Peek(fasthttp.HeaderLocation)))

	env.drain(t)
}

func TestBlockDetectionRedirectsWithReason(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.fetcher.result = &fetch.Result{
		StatusCode:  fasthttp.StatusOK,
		ContentType: "text/html",
		Blocked:     true,
		BlockReason: "html_challenge_page",
	}

	ctx := env.request(t, "GET", "http://cdn/example.com/a.jpg", nil)
	assert.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
	assert.Equal(t, "html_challenge_page", string(ctx.Response.Header.Peek(headerBlockReason)))
}

func TestNonMediaOriginRedirects(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.fetcher.result = mediaResult("application/octet-stream", []byte("binary"))

	ctx := env.request(t, "GET", "http://cdn/example.com/a.jpg", nil)
	assert.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
}

func TestPoisonedEntryDeletedOnRead(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	key := env.putObject(t, "example.com", "/a.jpg", "text/html", []byte("<html>challenge</html>"))

	ctx := env.request(t, "GET", "http://cdn/example.com/a.jpg", nil)
	assert.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())

	env.drain(t)
	obj, err := env.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestForceRefreshBypassesCache(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.putObject(t, "example.com", "/a.jpg", "image/jpeg", []byte("stale"))
	fresh := []byte("fresh bytes")
	env.fetcher.result = mediaResult("image/jpeg", fresh)

	ctx := env.request(t, "GET", "http://cdn/example.com/a.jpg?force=1", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "miss", string(ctx.Response.Header.Peek(headerStatus)))
	assert.Equal(t, fresh, ctx.Response.Body())
	assert.Equal(t, 1, env.fetcher.calls)

	env.drain(t)
	obj, err := env.store.Get(context.Background(), resolve.CacheKey("example.com", "/a.jpg"))
	require.NoError(t, err)
	require.NotNil(t, obj)
	defer obj.Body.Close()
	stored, _ := io.ReadAll(obj.Body)
	assert.Equal(t, fresh, stored)
}

func TestHeadHitAndMiss(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	miss := env.request(t, "HEAD", "http://cdn/example.com/a.jpg", nil)
	assert.Equal(t, fasthttp.StatusFound, miss.Response.StatusCode())
	assert.Equal(t, 0, env.fetcher.calls)

	env.putObject(t, "example.com", "/a.jpg", "image/jpeg", []byte("jpeg bytes"))
	hit := env.request(t, "HEAD", "http://cdn/example.com/a.jpg", nil)
	assert.Equal(t, fasthttp.StatusOK, hit.Response.StatusCode())
	assert.Equal(t, "hit", string(hit.Response.Header.Peek(headerStatus)))
	assert.Equal(t, 10, hit.Response.Header.ContentLength())
}

func TestUsageAttributedToActiveTenants(t *testing.T) {
	lookup := stubRegistry{records: []types.DomainRecord{
		{TenantID: 7, Status: types.TenantStatusActive},
		{TenantID: 8, Status: types.TenantStatusSuspended},
	}}
	env := newTestEnv(t, envOptions{registry: lookup})
	body := bytes.Repeat([]byte{0x02}, 100)
	env.fetcher.result = mediaResult("image/gif", body)

	ctx := env.request(t, "GET", "http://cdn/example.com/a.gif", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, body, ctx.Response.Body())
	env.drain(t)

	snaps := env.usage.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, 7, snaps[0].TenantID)
	assert.Equal(t, int64(100), snaps[0].BandwidthBytes)
	assert.Equal(t, int64(1), snaps[0].CacheMisses)
}

type stubRegistry struct {
	records []types.DomainRecord
}

func (s stubRegistry) Lookup(_ context.Context, _ string) ([]types.DomainRecord, error) {
	return s.records, nil
}

func TestMethodRouting(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	options := env.request(t, "OPTIONS", "http://cdn/example.com/a.jpg", nil)
	assert.Equal(t, fasthttp.StatusNoContent, options.Response.StatusCode())
	assert.Equal(t, "*", string(options.Response.Header.Peek(fasthttp.HeaderAccessControlAllowOrigin)))

	del := env.request(t, "DELETE", "http://cdn/example.com/a.jpg", nil)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, del.Response.StatusCode())
	assert.Equal(t, "GET, HEAD, OPTIONS", string(del.Response.Header.Peek(fasthttp.HeaderAllow)))
}

func TestSystemEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	health := env.request(t, "GET", "http://cdn/health", nil)
	assert.Equal(t, fasthttp.StatusOK, health.Response.StatusCode())
	var payload map[string]string
	require.NoError(t, json.Unmarshal(health.Response.Body(), &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "test", payload["version"])
	assert.NotEmpty(t, payload["timestamp"])

	statsResp := env.request(t, "GET", "http://cdn/stats", nil)
	assert.Equal(t, fasthttp.StatusOK, statsResp.Response.StatusCode())

	reqID := env.request(t, "GET", "http://cdn/ping", nil)
	assert.NotEmpty(t, string(reqID.Response.Header.Peek("X-Request-ID")))
}

func TestUnparseablePathReturns400(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	ctx := env.request(t, "GET", "http://cdn/example.com", nil)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestViewModeGatedOnDebug(t *testing.T) {
	envOff := newTestEnv(t, envOptions{})
	envOff.putObject(t, "example.com", "/a.jpg", "image/jpeg", []byte("jpeg"))
	normal := envOff.request(t, "GET", "http://cdn/example.com/a.jpg?view=1", nil)
	assert.Equal(t, "image/jpeg", string(normal.Response.Header.ContentType()))

	envOn := newTestEnv(t, envOptions{debug: true})
	envOn.putObject(t, "example.com", "/a.jpg", "image/jpeg", []byte("jpeg"))
	view := envOn.request(t, "GET", "http://cdn/example.com/a.jpg?view=1", nil)
	assert.Equal(t, fasthttp.StatusOK, view.Response.StatusCode())
	assert.Contains(t, string(view.Response.Header.ContentType()), "text/html")
	assert.Contains(t, string(view.Response.Body()), "example.com")
}
