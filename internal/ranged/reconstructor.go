package ranged

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/offline-hub/internal/cache"
)

// DefaultPrefetchPartition 是预取分区名，多个分区命中时优先选择其他分区。
const DefaultPrefetchPartition = "prefetch"

// Request 是与传输层无关的范围请求。
type Request struct {
	// Key 为缓存条目 key，通常是请求路径。
	Key   string
	Range string
}

// Response 是重建后的响应；失败时 Status 为 400，Body 为错误文本。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Options 配置 Reconstructor。
type Options struct {
	PrefetchPartition string
	Logger            *logrus.Logger
}

// Reconstructor 基于 Content Store 重建范围响应，不持久化任何状态。
type Reconstructor struct {
	store    cache.Store
	prefetch string
	logger   *logrus.Logger
	probes   singleflight.Group
}

// New 构造 Reconstructor。
func New(store cache.Store, opts Options) *Reconstructor {
	prefetch := opts.PrefetchPartition
	if prefetch == "" {
		prefetch = DefaultPrefetchPartition
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconstructor{store: store, prefetch: prefetch, logger: logger}
}

// match 描述命中的分区与存储形态；head 为整对象条目或 0 号分片。
type match struct {
	partition cache.Partition
	chunked   bool
	head      *cache.Entry
}

func (m *match) total() (int64, error) {
	if total, ok := cache.AssetLength(m.head.Header); ok {
		return total, nil
	}
	if !m.chunked {
		return m.head.SizeBytes, nil
	}
	return 0, errors.New("unable to create byte range: asset length not set")
}

// CanHandle 判断请求能否完全由缓存回答。
// 分片存储时仅探测首尾两个所需分片，并确认末片覆盖请求终点。
func (r *Reconstructor) CanHandle(ctx context.Context, req Request) bool {
	if r.store == nil || !hasRange(req.Range) {
		return false
	}
	m, err := r.bestMatch(ctx, req.Key)
	if err != nil || m == nil {
		return false
	}
	if !m.chunked {
		return true
	}

	total, err := m.total()
	if err != nil || total == 0 {
		return false
	}
	w, err := ParseRange(req.Range, total)
	if err != nil {
		// 交给 Create 返回 400
		return true
	}

	chunkSize := r.store.ChunkSize()
	startIndex := w.Start / chunkSize
	endIndex := (w.End - 1) / chunkSize
	if _, err := m.partition.Stat(ctx, cache.ChunkKey(req.Key, startIndex)); err != nil {
		return false
	}
	tail, err := m.partition.Stat(ctx, cache.ChunkKey(req.Key, endIndex))
	if err != nil {
		return false
	}
	committed, ok := cache.CommittedLength(tail.Header)
	if !ok {
		return false
	}
	if endIndex*chunkSize+committed < w.End {
		r.logger.WithFields(logrus.Fields{
			"action":    "range_probe",
			"partition": m.partition.Name(),
			"key":       req.Key,
			"available": endIndex*chunkSize + committed,
			"required":  w.End,
		}).Debug("final chunk does not cover requested range")
		return false
	}
	return true
}

// Create 构造 206 响应；任何解析或查找失败都转换为 400 响应。
func (r *Reconstructor) Create(ctx context.Context, req Request) *Response {
	resp, err := r.create(ctx, req)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"action": "range_create",
			"key":    req.Key,
			"range":  req.Range,
		}).Warn(err.Error())
		return &Response{
			Status: http.StatusBadRequest,
			Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
			Body:   []byte(err.Error()),
		}
	}
	return resp
}

func (r *Reconstructor) create(ctx context.Context, req Request) (*Response, error) {
	if r.store == nil {
		return nil, cache.ErrStoreUnavailable
	}
	if !hasRange(req.Range) {
		return nil, fmt.Errorf("%w: missing Range header", ErrMalformedRange)
	}
	m, err := r.bestMatch(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("no cached entry for %s", req.Key)
	}
	total, err := m.total()
	if err != nil {
		return nil, err
	}
	w, err := ParseRange(req.Range, total)
	if err != nil {
		return nil, err
	}

	if !m.chunked {
		return r.fromWhole(ctx, m, req.Key, w, total)
	}
	return r.fromChunks(ctx, m, req.Key, w, total)
}

func (r *Reconstructor) fromWhole(ctx context.Context, m *match, key string, w Window, total int64) (*Response, error) {
	res, err := m.partition.Match(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	body, err := res.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return sliced(body, res.Entry.Header, w, 0, total)
}

func (r *Reconstructor) fromChunks(ctx context.Context, m *match, key string, w Window, total int64) (*Response, error) {
	chunkSize := r.store.ChunkSize()
	startIndex := w.Start / chunkSize
	endIndex := (w.End - 1) / chunkSize
	offset := startIndex * chunkSize

	// 起止落在同一分片时直接切片
	if startIndex == endIndex {
		body, header, err := loadChunk(ctx, m.partition, key, startIndex)
		if err != nil {
			return nil, err
		}
		return sliced(body, header, w, offset, total)
	}

	buf := make([]byte, (endIndex-startIndex+1)*chunkSize)
	var (
		mu     sync.Mutex
		header http.Header
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := startIndex; i <= endIndex; i++ {
		g.Go(func() error {
			body, h, err := loadChunk(gctx, m.partition, key, i)
			if err != nil {
				return err
			}
			if i < endIndex && int64(len(body)) != chunkSize {
				return fmt.Errorf("chunk %d of %s holds %d bytes, expected %d", i, key, len(body), chunkSize)
			}
			copy(buf[(i-startIndex)*chunkSize:], body)
			if i == startIndex {
				mu.Lock()
				header = h
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sliced(buf, header, w, offset, total)
}

func loadChunk(ctx context.Context, part cache.Partition, key string, index int64) ([]byte, http.Header, error) {
	chunkKey := cache.ChunkKey(key, index)
	res, err := part.Match(ctx, chunkKey)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to locate chunk %s: %w", chunkKey, err)
	}
	body, err := res.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read chunk %s: %w", chunkKey, err)
	}
	return body, res.Entry.Header, nil
}

// sliced 从 body 中截取窗口；body 的首字节对应资源偏移 offset。
func sliced(body []byte, stored http.Header, w Window, offset, total int64) (*Response, error) {
	s := w.Start - offset
	e := w.End - offset
	if s < 0 || e > int64(len(body)) {
		return nil, fmt.Errorf("stored bytes [%d,%d) do not cover range %d-%d", offset, offset+int64(len(body)), w.Start, w.End-1)
	}
	out := make([]byte, e-s)
	copy(out, body[s:e])

	header := http.Header{}
	for k, v := range stored {
		switch http.CanonicalHeaderKey(k) {
		case cache.HeaderChunkSize, cache.HeaderAssetLength:
			continue
		}
		header[k] = append([]string(nil), v...)
	}
	header.Set(cache.HeaderFromCache, "true")
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.Itoa(len(out)))
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", w.Start, w.End-1, total))
	return &Response{Status: http.StatusPartialContent, Header: header, Body: out}, nil
}

func hasRange(v string) bool {
	for _, c := range v {
		if c != ' ' && c != '\t' {
			return true
		}
	}
	return false
}
