package cache

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	// HeaderChunkSize 记录分片实际提交的字节数（末片通常短于 ChunkSize）。
	HeaderChunkSize = "X-Chunk-Size"
	// HeaderAssetLength 记录完整资源长度，整对象与分片条目均携带。
	HeaderAssetLength = "X-Asset-Length"
	// HeaderFromCache 标记由缓存重建的响应。
	HeaderFromCache = "X-From-Cache"
)

// ChunkKey 返回分片条目的 key：<url>_<index>，十进制、从 0 开始、无填充。
func ChunkKey(key string, index int64) string {
	return key + "_" + strconv.FormatInt(index, 10)
}

// ParseChunkKey 拆出分片 key 的基础 key 与序号。
func ParseChunkKey(key string) (string, int64, bool) {
	idx := strings.LastIndexByte(key, '_')
	if idx <= 0 || idx == len(key)-1 {
		return "", 0, false
	}
	digits := key[idx+1:]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", 0, false
		}
	}
	if len(digits) > 1 && digits[0] == '0' {
		return "", 0, false
	}
	index, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return key[:idx], index, true
}

// AssetLength 读取条目头中的完整资源长度。
func AssetLength(h http.Header) (int64, bool) {
	return parseLength(h.Get(HeaderAssetLength))
}

// CommittedLength 读取分片条目头中的已提交字节数。
func CommittedLength(h http.Header) (int64, bool) {
	return parseLength(h.Get(HeaderChunkSize))
}

func parseLength(v string) (int64, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ParseContentRange 解析 "bytes start-end/total"，total 为 * 时返回 -1。
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}
