package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// partitionMarker 标记分区存在，即使分区内尚无条目。
const partitionMarker = ".partition"

// NewBucketStore 基于 gocloud bucket 构建缓存，布局与磁盘实现一致：
//
//	<partition>/.partition
//	<partition>/<sha256(key)>
//	<partition>/<sha256(key)>.meta.json
func NewBucketStore(bucket *blob.Bucket, opts ...Option) Store {
	o := buildOptions(opts)
	return &bucketStore{bucket: bucket, chunkSize: o.chunkSize}
}

type bucketStore struct {
	bucket    *blob.Bucket
	chunkSize int64
}

func (s *bucketStore) ChunkSize() int64 {
	return s.chunkSize
}

func (s *bucketStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := validatePartition(name); err != nil {
		return nil, err
	}
	markerPath := name + "/" + partitionMarker
	exists, err := s.bucket.Exists(ctx, markerPath)
	if err != nil {
		return nil, fmt.Errorf("probe partition %s: %w", name, err)
	}
	if !exists {
		if err := s.bucket.WriteAll(ctx, markerPath, []byte(name), nil); err != nil {
			return nil, fmt.Errorf("create partition %s: %w", name, err)
		}
	}
	return &bucketPartition{bucket: s.bucket, name: name}, nil
}

func (s *bucketStore) HasPartition(ctx context.Context, name string) (bool, error) {
	if err := validatePartition(name); err != nil {
		return false, err
	}
	return s.bucket.Exists(ctx, name+"/"+partitionMarker)
}

func (s *bucketStore) ListPartitions(ctx context.Context) ([]string, error) {
	var names []string
	iter := s.bucket.List(&blob.ListOptions{Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !obj.IsDir {
			continue
		}
		name := strings.TrimSuffix(obj.Key, "/")
		if strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *bucketStore) DeletePartition(ctx context.Context, name string) error {
	if err := validatePartition(name); err != nil {
		return err
	}
	iter := s.bucket.List(&blob.ListOptions{Prefix: name + "/"})
	var paths []string
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		paths = append(paths, obj.Key)
	}
	for _, p := range paths {
		if err := s.bucket.Delete(ctx, p); err != nil && !isNotExist(err) {
			return fmt.Errorf("delete %s: %w", p, err)
		}
	}
	return nil
}

type bucketPartition struct {
	bucket *blob.Bucket
	name   string
}

func (p *bucketPartition) Name() string {
	return p.name
}

func (p *bucketPartition) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error) {
	if key == "" {
		return nil, errors.New("entry key required")
	}
	bodyPath, metaPath := p.objectPaths(key)

	w, err := p.bucket.NewWriter(ctx, bodyPath, nil)
	if err != nil {
		return nil, err
	}
	written, err := copyWithContext(ctx, w, body)
	closeErr := w.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		p.bucket.Delete(ctx, bodyPath)
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	meta := fileMeta{
		Key:       key,
		Header:    cloneHeader(opts.Header),
		SizeBytes: written,
		ModTime:   modTime,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := p.bucket.WriteAll(ctx, metaPath, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		p.bucket.Delete(ctx, bodyPath)
		return nil, err
	}
	return meta.entry(p.name), nil
}

func (p *bucketPartition) Match(ctx context.Context, key string) (*ReadResult, error) {
	entry, err := p.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	bodyPath, _ := p.objectPaths(key)
	r, err := p.bucket.NewReader(ctx, bodyPath, nil)
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ReadResult{Entry: *entry, Reader: r}, nil
}

func (p *bucketPartition) Stat(ctx context.Context, key string) (*Entry, error) {
	_, metaPath := p.objectPaths(key)
	meta, err := p.readMeta(ctx, metaPath)
	if err != nil {
		return nil, err
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}
	return meta.entry(p.name), nil
}

func (p *bucketPartition) Keys(ctx context.Context) ([]string, error) {
	iter := p.bucket.List(&blob.ListOptions{Prefix: p.name + "/"})
	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !strings.HasSuffix(obj.Key, metaSuffix) {
			continue
		}
		meta, err := p.readMeta(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		keys = append(keys, meta.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *bucketPartition) objectPaths(key string) (string, string) {
	base := p.name + "/" + objectName(key)
	return base, base + metaSuffix
}

func (p *bucketPartition) readMeta(ctx context.Context, metaPath string) (*fileMeta, error) {
	data, err := p.bucket.ReadAll(ctx, metaPath)
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta fileMeta
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode entry meta %s: %w", metaPath, err)
	}
	return &meta, nil
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
