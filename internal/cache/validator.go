package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// LicenseRemover 在分区被判定为残缺时清理关联的授权记录。
type LicenseRemover interface {
	Remove(ctx context.Context, name string) error
}

// Validator 检查分区内分片资源的尾部计数，删除中断下载留下的残缺分区。
// 只比较末片序号、末片长度与声明长度，不校验中间分片内容。
type Validator struct {
	store    Store
	licenses LicenseRemover
	logger   *logrus.Logger
}

// NewValidator 构造校验器；licenses 与 logger 均可为 nil。
func NewValidator(store Store, licenses LicenseRemover, logger *logrus.Logger) *Validator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Validator{store: store, licenses: licenses, logger: logger}
}

// Validate 返回分区是否完整；残缺分区会被删除并返回 false。
// 分区不存在或不含分片条目时视为完整。
func (v *Validator) Validate(ctx context.Context, name string) (bool, error) {
	exists, err := v.store.HasPartition(ctx, name)
	if err != nil || !exists {
		return true, err
	}
	part, err := v.store.Open(ctx, name)
	if err != nil {
		return false, err
	}
	keys, err := part.Keys(ctx)
	if err != nil {
		return false, fmt.Errorf("list %s: %w", name, err)
	}

	tails := make(map[string]int64)
	for _, key := range keys {
		base, index, ok := ParseChunkKey(key)
		if !ok {
			continue
		}
		if cur, seen := tails[base]; !seen || index > cur {
			tails[base] = index
		}
	}

	chunkSize := v.store.ChunkSize()
	for base, maxIndex := range tails {
		tailKey := ChunkKey(base, maxIndex)
		entry, err := part.Stat(ctx, tailKey)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return false, err
		}
		committed, isChunk := CommittedLength(entry.Header)
		if !isChunk {
			continue
		}

		// 末片序号与末片长度都须与声明的完整长度吻合
		total, ok := AssetLength(entry.Header)
		if ok && total/chunkSize == maxIndex && maxIndex*chunkSize+committed == total {
			continue
		}

		v.logger.WithFields(logrus.Fields{
			"action":    "validate",
			"partition": name,
			"asset":     base,
			"tail":      maxIndex,
			"length":    total,
		}).Warn("partial download detected, removing partition")
		if err := v.discard(ctx, name); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (v *Validator) discard(ctx context.Context, name string) error {
	if err := v.store.DeletePartition(ctx, name); err != nil {
		return fmt.Errorf("delete partition %s: %w", name, err)
	}
	if v.licenses == nil {
		return nil
	}
	if err := v.licenses.Remove(ctx, name); err != nil {
		return fmt.Errorf("remove license %s: %w", name, err)
	}
	return nil
}
