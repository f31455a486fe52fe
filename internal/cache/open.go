package cache

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// IsBucketURL 判断存储位置是否为 gocloud bucket URL（mem://、file://、s3://、gs://）。
func IsBucketURL(location string) bool {
	return strings.Contains(location, "://")
}

// OpenStore 根据存储位置选择实现：普通目录使用磁盘缓存，URL 使用 gocloud bucket。
// 返回的 close 函数需在进程退出前调用。
func OpenStore(ctx context.Context, location string, opts ...Option) (Store, func() error, error) {
	if !IsBucketURL(location) {
		store, err := NewStore(location, opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	}

	bucket, err := blob.OpenBucket(ctx, location)
	if err != nil {
		return nil, nil, fmt.Errorf("open bucket %s: %w", location, err)
	}
	return NewBucketStore(bucket, opts...), bucket.Close, nil
}
