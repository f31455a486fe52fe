package config

import "github.com/any-hub/offline-hub/internal/asset"

// Descriptors 返回默认资源清单：AssetManifest 优先，其次是 [[Asset]] 段落，
// 两者均未配置时使用内置清单。
func (c *Config) Descriptors() ([]asset.Descriptor, error) {
	if c.Global.AssetManifest != "" {
		return asset.LoadManifest(c.Global.AssetManifest)
	}
	if len(c.Assets) == 0 {
		return asset.DefaultDescriptors(), nil
	}
	descs := make([]asset.Descriptor, len(c.Assets))
	for i, a := range c.Assets {
		descs[i] = asset.Descriptor{Src: a.Src, Dest: a.Dest, Chunk: a.Chunk}
	}
	return descs, nil
}
