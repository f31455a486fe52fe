package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// DefaultChunkSize 为分片大小（512 KiB），写入、校验与范围重建共用同一常量。
const DefaultChunkSize int64 = 512 * 1024

// Store 管理按分区划分的缓存内容。磁盘布局遵循：
//
//	<StoragePath>/<partition>/<sha256(key)>            # 正文
//	<StoragePath>/<partition>/<sha256(key)>.meta.json  # 原始 key 与响应头
//
// 分区名必须是扁平名称（不含 /）。
type Store interface {
	// Open 打开（必要时创建）分区。
	Open(ctx context.Context, name string) (Partition, error)

	// HasPartition 判断分区是否存在。
	HasPartition(ctx context.Context, name string) (bool, error)

	// ListPartitions 返回所有分区名，按字典序排列。
	ListPartitions(ctx context.Context) ([]string, error)

	// DeletePartition 删除分区及其全部条目；分区不存在时视为成功。
	DeletePartition(ctx context.Context, name string) error

	// ChunkSize 返回当前部署使用的分片大小。
	ChunkSize() int64
}

// Partition 是单个离线包的条目容器。
type Partition interface {
	Name() string

	// Put 写入条目正文与响应头；同 key 重复写入会覆盖旧值。
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error)

	// Match 返回可流式读取的条目；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*ReadResult, error)

	// Stat 仅返回条目元数据，不打开正文。
	Stat(ctx context.Context, key string) (*Entry, error)

	// Keys 列出分区内全部条目 key。
	Keys(ctx context.Context) ([]string, error)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	Header  http.Header
	ModTime time.Time
}

// Entry 描述一个已提交的条目。
type Entry struct {
	Partition string      `json:"partition"`
	Key       string      `json:"key"`
	Header    http.Header `json:"header"`
	SizeBytes int64       `json:"size_bytes"`
	ModTime   time.Time   `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，便于上层直接流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadCloser
}

// ReadAll 读取并关闭正文。
func (r *ReadResult) ReadAll() ([]byte, error) {
	defer r.Reader.Close()
	return io.ReadAll(r.Reader)
}

// Option 调整 Store 构造参数。
type Option func(*options)

type options struct {
	chunkSize int64
}

// WithChunkSize 覆盖默认分片大小，主要用于测试。
func WithChunkSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.chunkSize = size
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var (
	// ErrNotFound 表示条目或分区不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidPartition 表示分区名为空或包含路径分隔符。
	ErrInvalidPartition = errors.New("invalid partition name")
)
