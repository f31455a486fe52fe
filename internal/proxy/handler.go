package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/ranged"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/upstream"
)

// 请求来源，写入日志的 source 字段。
const (
	sourceRange    = "range"
	sourceCache    = "cache"
	sourceUpstream = "upstream"
	sourceNotFound = "not_found"
)

// DefaultFetchTimeout 为回源竞速计时器的默认值。
const DefaultFetchTimeout = 10 * time.Second

// Upstream 透传抓取源站内容。
type Upstream interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error)
}

// Options 注入 Handler 的依赖。
type Options struct {
	Ranges       *ranged.Reconstructor
	Upstream     Upstream
	Origin       string
	FetchTimeout time.Duration
	NotFoundPath string
	Logger       *logrus.Logger
}

// Handler 负责 orchestrate “范围重建 → 整对象缓存 → 回源 → 离线 404 页面” 的全流程，
// 对外暴露 Fiber handler。
type Handler struct {
	ranges       *ranged.Reconstructor
	upstream     Upstream
	origin       string
	fetchTimeout time.Duration
	notFoundPath string
	logger       *logrus.Logger
}

// NewHandler constructs a content handler.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	notFound := opts.NotFoundPath
	if notFound == "" {
		notFound = "/404/"
	}
	return &Handler{
		ranges:       opts.Ranges,
		upstream:     opts.Upstream,
		origin:       strings.TrimRight(opts.Origin, "/"),
		fetchTimeout: timeout,
		notFoundPath: notFound,
		logger:       logger,
	}
}

// Handle 依次尝试范围重建、整对象缓存与回源；回源失败时返回缓存的 404 页面。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	method := c.Method()
	if method != http.MethodGet && method != http.MethodHead {
		return h.writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	key := requestPath(c)
	rangeHeader := c.Get(fiber.HeaderRange)

	if h.ranges != nil {
		req := ranged.Request{Key: key, Range: rangeHeader}
		if h.ranges.CanHandle(ctx, req) {
			return h.serveRange(c, h.ranges.Create(ctx, req), requestID, started)
		}
		if rangeHeader == "" {
			result, partition, err := h.ranges.Lookup(ctx, key)
			switch {
			case err == nil:
				return h.serveCache(c, result, partition, requestID, started)
			case errors.Is(err, cache.ErrNotFound):
			default:
				h.logger.WithError(err).WithFields(logrus.Fields{"action": "content", "url": key}).Warn("cache_lookup_failed")
			}
		}
	}

	resp, err := h.fetch(ctx, c)
	if err != nil {
		h.logResult(key, "", sourceUpstream, requestID, 0, started, err)
		return h.serveNotFound(c, requestID, started)
	}
	defer resp.Body.Close()
	return h.stream(c, resp, requestID, started)
}

// fetch 在 fetchTimeout 内等待源站响应头，超时视为离线。
func (h *Handler) fetch(ctx context.Context, c fiber.Ctx) (*http.Response, error) {
	if h.upstream == nil || h.origin == "" {
		return nil, errors.New("origin not configured")
	}
	target := h.origin + string(c.Request().URI().RequestURI())

	type result struct {
		resp *http.Response
		err  error
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	done := make(chan result, 1)
	go func() {
		resp, err := h.upstream.Get(fetchCtx, target, fiberHeadersAsHTTP(c))
		done <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(h.fetchTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			cancel()
			return nil, r.err
		}
		r.resp.Body = &cancelOnClose{ReadCloser: r.resp.Body, cancel: cancel}
		return r.resp, nil
	case <-timer.C:
		cancel()
		go func() {
			if r := <-done; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return nil, fmt.Errorf("origin did not answer within %s", h.fetchTimeout)
	}
}

func (h *Handler) serveRange(c fiber.Ctx, resp *ranged.Response, requestID string, started time.Time) error {
	for key, values := range resp.Header {
		if strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)
	var err error
	if resp.Status != http.StatusPartialContent {
		err = errors.New(string(resp.Body))
	}
	h.logResult(requestPath(c), "", sourceRange, requestID, resp.Status, started, err)
	return c.Send(resp.Body)
}

func (h *Handler) serveCache(c fiber.Ctx, result *cache.ReadResult, partition, requestID string, started time.Time) error {
	defer result.Reader.Close()

	for key, values := range result.Entry.Header {
		if upstream.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
	c.Set(cache.HeaderFromCache, "true")
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	setRequestIDHeader(c, requestID)
	c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		h.logResult(result.Entry.Key, partition, sourceCache, requestID, fiber.StatusOK, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	h.logResult(result.Entry.Key, partition, sourceCache, requestID, fiber.StatusOK, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *Handler) stream(c fiber.Ctx, resp *http.Response, requestID string, started time.Time) error {
	copyResponseHeaders(c, resp.Header)
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	key := requestPath(c)
	if c.Method() == http.MethodHead {
		h.logResult(key, "", sourceUpstream, requestID, resp.StatusCode, started, nil)
		return nil
	}
	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(key, "", sourceUpstream, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// serveNotFound 返回缓存的 404 页面；页面本身未缓存时返回 JSON 错误。
func (h *Handler) serveNotFound(c fiber.Ctx, requestID string, started time.Time) error {
	if h.ranges != nil {
		result, partition, err := h.ranges.Lookup(c.Context(), h.notFoundPath)
		if err == nil {
			defer result.Reader.Close()
			body, err := io.ReadAll(result.Reader)
			if err == nil {
				if ct := result.Entry.Header.Get(fiber.HeaderContentType); ct != "" {
					c.Set(fiber.HeaderContentType, ct)
				}
				c.Set(cache.HeaderFromCache, "true")
				setRequestIDHeader(c, requestID)
				h.logResult(requestPath(c), partition, sourceNotFound, requestID, fiber.StatusNotFound, started, nil)
				return c.Status(fiber.StatusNotFound).Send(body)
			}
		}
	}
	setRequestIDHeader(c, requestID)
	h.logResult(requestPath(c), "", sourceNotFound, requestID, fiber.StatusNotFound, started, nil)
	return h.writeError(c, fiber.StatusNotFound, "offline_unavailable")
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	key string,
	partition string,
	source string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(partition, key, source, source == sourceRange || source == sourceCache)
	fields["action"] = "content"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("content_failed")
		return
	}
	h.logger.WithFields(fields).Info("content_complete")
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	clean := path.Clean("/" + pathVal)
	if strings.HasSuffix(pathVal, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

// cancelOnClose 在正文关闭时释放回源请求的 context。
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
