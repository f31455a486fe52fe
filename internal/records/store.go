// Package records keeps small JSON records (license sessions, background
// transfer descriptors) in a gocloud bucket next to the content store.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("record not found")

const recordSuffix = ".json"

// Store 以 <namespace>/<escaped key>.json 的形式保存记录。
type Store struct {
	bucket *blob.Bucket
}

// Open 打开记录存储：URL 走 gocloud，普通目录使用 fileblob（不存在时创建）。
func Open(ctx context.Context, location string) (*Store, error) {
	if location == "" {
		return nil, errors.New("records path required")
	}
	if strings.Contains(location, "://") {
		bucket, err := blob.OpenBucket(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("open records bucket %s: %w", location, err)
		}
		return New(bucket), nil
	}

	abs, err := filepath.Abs(location)
	if err != nil {
		return nil, fmt.Errorf("resolve records path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create records path: %w", err)
	}
	bucket, err := fileblob.OpenBucket(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open records dir %s: %w", abs, err)
	}
	return New(bucket), nil
}

// New 包装已打开的 bucket。
func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// Close 释放底层 bucket。
func (s *Store) Close() error {
	return s.bucket.Close()
}

// Put 以 JSON 写入记录，覆盖旧值。
func (s *Store) Put(ctx context.Context, namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", namespace, key, err)
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, objectKey(namespace, key), data, opts); err != nil {
		return fmt.Errorf("write record %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get 读取记录；不存在时返回 ErrNotFound。
func (s *Store) Get(ctx context.Context, namespace, key string, v any) error {
	data, err := s.bucket.ReadAll(ctx, objectKey(namespace, key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("read record %s/%s: %w", namespace, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Exists 判断记录是否存在。
func (s *Store) Exists(ctx context.Context, namespace, key string) (bool, error) {
	return s.bucket.Exists(ctx, objectKey(namespace, key))
}

// Delete 删除记录；不存在时视为成功。
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	err := s.bucket.Delete(ctx, objectKey(namespace, key))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete record %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys 列出命名空间下的全部记录 key。
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	prefix := namespace + "/"
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), recordSuffix)
		key, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func objectKey(namespace, key string) string {
	return namespace + "/" + url.PathEscape(key) + recordSuffix
}
