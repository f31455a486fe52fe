package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

var (
	// ErrStoreUnavailable 表示未注入缓存存储实例。
	ErrStoreUnavailable = errors.New("cache store unavailable")
	// ErrCancelled 表示写入在分片边界被取消。
	ErrCancelled = errors.New("cache write cancelled")
)

// storedHeaderSkip 中的头不落盘，回放时由服务端重新计算。
var storedHeaderSkip = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Content-Length":    {},
	"Content-Range":     {},
	"Set-Cookie":        {},
	"Date":              {},
	HeaderChunkSize:     {},
	HeaderAssetLength:   {},
	HeaderFromCache:     {},
}

// Source 描述一次上游响应。
type Source struct {
	StatusCode int
	Header     http.Header
	Body       io.Reader
}

// CommitOptions 控制单个资源的落盘方式。
type CommitOptions struct {
	Key     string
	Chunked bool
	// Cancelled 在每个分片边界被调用，返回 true 时中止写入。
	Cancelled func() bool
}

// CommitResult 汇总写入结果。
type CommitResult struct {
	Key         string
	Bytes       int64
	AssetLength int64
	Chunks      int64
}

// ChunkWriter 将上游正文整体或按分片提交到分区。
type ChunkWriter struct {
	store Store
}

// NewChunkWriter 构造写入器；store 为 nil 时 Enabled 返回 false。
func NewChunkWriter(store Store) ChunkWriter {
	return ChunkWriter{store: store}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w ChunkWriter) Enabled() bool {
	return w.store != nil
}

// ChunkSize 返回底层 Store 的分片大小。
func (w ChunkWriter) ChunkSize() int64 {
	if w.store == nil {
		return DefaultChunkSize
	}
	return w.store.ChunkSize()
}

// Commit 将 src 写入 part。
func (w ChunkWriter) Commit(ctx context.Context, part Partition, src Source, opts CommitOptions) (*CommitResult, error) {
	if w.store == nil {
		return nil, ErrStoreUnavailable
	}
	if opts.Key == "" {
		return nil, errors.New("destination key required")
	}
	if src.Body == nil {
		src.Body = http.NoBody
	}

	span, err := describeSource(src)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", opts.Key, err)
	}
	if opts.Chunked {
		return w.commitChunks(ctx, part, src, span, opts)
	}
	return w.commitWhole(ctx, part, src, span, opts)
}

func (w ChunkWriter) commitWhole(ctx context.Context, part Partition, src Source, span sourceSpan, opts CommitOptions) (*CommitResult, error) {
	body, err := io.ReadAll(src.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", opts.Key, err)
	}
	if isCancelled(opts) {
		return nil, ErrCancelled
	}

	total := span.total
	if total < 0 {
		total = int64(len(body))
	}
	if span.start != 0 || int64(len(body)) != total {
		return nil, fmt.Errorf("commit %s: partial body %d/%d cannot be stored whole", opts.Key, len(body), total)
	}

	header := storedHeader(src.Header)
	header.Set(HeaderAssetLength, strconv.FormatInt(total, 10))
	if _, err := part.Put(ctx, opts.Key, bytes.NewReader(body), PutOptions{Header: header}); err != nil {
		return nil, fmt.Errorf("put %s: %w", opts.Key, err)
	}
	return &CommitResult{Key: opts.Key, Bytes: int64(len(body)), AssetLength: total}, nil
}

func (w ChunkWriter) commitChunks(ctx context.Context, part Partition, src Source, span sourceSpan, opts CommitOptions) (*CommitResult, error) {
	chunkSize := w.store.ChunkSize()
	if span.start%chunkSize != 0 {
		return nil, fmt.Errorf("commit %s: range start %d is not aligned to chunk size %d", opts.Key, span.start, chunkSize)
	}

	base := storedHeader(src.Header)
	index := span.start / chunkSize
	firstIndex := index
	offset := span.start
	result := &CommitResult{Key: opts.Key, AssetLength: span.total}

	commit := func(buf []byte, total int64) error {
		header := base.Clone()
		header.Set(HeaderChunkSize, strconv.Itoa(len(buf)))
		if total >= 0 {
			header.Set(HeaderAssetLength, strconv.FormatInt(total, 10))
		}
		key := ChunkKey(opts.Key, index)
		if _, err := part.Put(ctx, key, bytes.NewReader(buf), PutOptions{Header: header}); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		result.Chunks++
		result.Bytes += int64(len(buf))
		return nil
	}

	// limit 为本次正文在完整资源中的结束偏移（不含），-1 表示未知
	limit := span.total
	if span.end >= 0 {
		limit = span.end
	}
	if limit >= 0 && limit < span.total && limit%chunkSize != 0 {
		return nil, fmt.Errorf("commit %s: range end %d is not aligned to chunk size %d", opts.Key, limit, chunkSize)
	}

	for {
		size := chunkSize
		if limit >= 0 {
			if remaining := limit - offset; remaining < size {
				size = max(remaining, 0)
			}
		}
		if limit >= 0 && limit < span.total && offset == limit {
			if err := ensureDrained(src.Body, opts.Key, limit); err != nil {
				return nil, err
			}
			return result, nil
		}

		buf := make([]byte, size)
		n, err := io.ReadFull(src.Body, buf)
		buf = buf[:n]

		if isCancelled(opts) {
			return nil, ErrCancelled
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		switch {
		case err == nil && int64(n) == chunkSize:
			if cErr := commit(buf, span.total); cErr != nil {
				return nil, cErr
			}
			index++
			offset += int64(n)
			continue
		case err == nil:
			if dErr := ensureDrained(src.Body, opts.Key, limit); dErr != nil {
				return nil, dErr
			}
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			if limit >= 0 {
				// 已读部分照常落盘，校验器据末片长度识别残缺并清理分区
				if cErr := commit(buf, span.total); cErr != nil {
					return nil, cErr
				}
				return nil, fmt.Errorf("read %s: body truncated at %d of %d: %w", opts.Key, offset+int64(n), limit, io.ErrUnexpectedEOF)
			}
		default:
			return nil, fmt.Errorf("read %s: %w", opts.Key, err)
		}

		total := span.total
		if total < 0 {
			total = offset + int64(n)
			result.AssetLength = total
		}
		if err := commit(buf, total); err != nil {
			return nil, err
		}
		if span.total < 0 && index != firstIndex {
			if err := w.stampLength(ctx, part, ChunkKey(opts.Key, firstIndex), total); err != nil {
				return nil, err
			}
		}
		return result, nil
	}
}

// ensureDrained 确认正文在声明长度处结束。
func ensureDrained(body io.Reader, key string, limit int64) error {
	extra, err := io.Copy(io.Discard, body)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if extra > 0 {
		return fmt.Errorf("read %s: body exceeds declared length %d", key, limit)
	}
	return nil
}

// stampLength 在长度未知的流结束后，把完整长度补写到首个分片。
func (w ChunkWriter) stampLength(ctx context.Context, part Partition, key string, total int64) error {
	res, err := part.Match(ctx, key)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", key, err)
	}
	body, err := res.ReadAll()
	if err != nil {
		return fmt.Errorf("reopen %s: %w", key, err)
	}
	header := res.Entry.Header.Clone()
	header.Set(HeaderAssetLength, strconv.FormatInt(total, 10))
	if _, err := part.Put(ctx, key, bytes.NewReader(body), PutOptions{Header: header}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// sourceSpan 描述上游正文在完整资源中的位置；total 为 -1 表示未知，
// end 仅对范围响应有效（不含），其余情况为 -1。
type sourceSpan struct {
	start int64
	end   int64
	total int64
}

func describeSource(src Source) (sourceSpan, error) {
	span := sourceSpan{end: -1, total: -1}
	if src.Header == nil {
		return span, nil
	}
	if cr := src.Header.Get("Content-Range"); cr != "" && src.StatusCode == http.StatusPartialContent {
		start, end, total, err := ParseContentRange(cr)
		if err != nil {
			return span, err
		}
		span.start = start
		span.end = end + 1
		span.total = total
		return span, nil
	}
	if n, ok := parseLength(src.Header.Get("Content-Length")); ok {
		span.total = n
	}
	return span, nil
}

func storedHeader(src http.Header) http.Header {
	header := make(http.Header, len(src))
	for k, values := range src {
		if _, skip := storedHeaderSkip[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		header[http.CanonicalHeaderKey(k)] = append([]string(nil), values...)
	}
	return header
}

func isCancelled(opts CommitOptions) bool {
	return opts.Cancelled != nil && opts.Cancelled()
}
