package ranged

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
)

// bestMatch 并发探测所有分区中的整对象或 0 号分片；多个命中时排除预取分区。
// 同一 key 的并发探测通过 singleflight 合并；共享的探测不随单个调用方取消，
// 调用方各自在 ctx 结束时放弃等待。
func (r *Reconstructor) bestMatch(ctx context.Context, key string) (*match, error) {
	shared := context.WithoutCancel(ctx)
	ch := r.probes.DoChan(key, func() (any, error) {
		return r.probe(shared, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		m, _ := res.Val.(*match)
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Reconstructor) probe(ctx context.Context, key string) (*match, error) {
	names, err := r.store.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}

	found := make([]*match, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, name := range names {
		g.Go(func() error {
			m, err := r.probePartition(gctx, name, key)
			if err != nil {
				return err
			}
			found[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var hits []*match
	for _, m := range found {
		if m != nil {
			hits = append(hits, m)
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}
	if len(hits) > 1 {
		preferred := hits[:0:0]
		for _, m := range hits {
			if m.partition.Name() != r.prefetch {
				preferred = append(preferred, m)
			}
		}
		if len(preferred) > 0 {
			hits = preferred
		}
	}
	return hits[0], nil
}

func (r *Reconstructor) probePartition(ctx context.Context, name, key string) (*match, error) {
	part, err := r.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	if head, err := part.Stat(ctx, cache.ChunkKey(key, 0)); err == nil {
		if _, ok := cache.CommittedLength(head.Header); ok {
			return &match{partition: part, chunked: true, head: head}, nil
		}
	} else if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	head, err := part.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &match{partition: part, chunked: false, head: head}, nil
}

// Lookup 返回最佳分区中的整对象条目及分区名；仅有分片或未命中时返回 cache.ErrNotFound。
func (r *Reconstructor) Lookup(ctx context.Context, key string) (*cache.ReadResult, string, error) {
	if r.store == nil {
		return nil, "", cache.ErrNotFound
	}
	m, err := r.bestMatch(ctx, key)
	if err != nil {
		return nil, "", err
	}
	if m == nil || m.chunked {
		return nil, "", cache.ErrNotFound
	}
	res, err := m.partition.Match(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return res, m.partition.Name(), nil
}
