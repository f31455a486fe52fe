// Package upstream fetches offline assets and fallback pages from the
// origin server through one shared, tuned HTTP client.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/asset"
)

// StatusError 表示上游返回非 2xx 状态。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.URL, e.StatusCode)
}

// Fetcher 抓取资源；调用方负责关闭响应体。
type Fetcher struct {
	client *http.Client
	logger *logrus.Logger
}

// NewFetcher 构造 Fetcher；client 为 nil 时使用 NewClient 默认配置。
func NewFetcher(client *http.Client, logger *logrus.Logger) *Fetcher {
	if client == nil {
		client = NewClient(0)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{client: client, logger: logger}
}

// Fetch 以 GET 抓取资源。始终请求 identity 编码，保证落盘字节与声明长度一致；
// Neutral 资源额外绕过中间缓存。
func (f *Fetcher) Fetch(ctx context.Context, a asset.Asset) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.SourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", a.SourceURL, err)
	}
	req.Header.Set("Accept-Encoding", "identity")
	if a.Neutral {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}
	return f.do(req)
}

// Get 透传客户端请求头抓取 rawURL，用于缓存未命中时的回源。
func (f *Fetcher) Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", rawURL, err)
	}
	CopyHeaders(req.Header, header)
	req.Header.Del("Host")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *Fetcher) do(req *http.Request) (*http.Response, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.WithFields(logrus.Fields{
			"action":   "upstream_fetch",
			"upstream": req.URL.String(),
		}).WithError(err).Warn("upstream_failed")
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
	}
	return resp, nil
}
