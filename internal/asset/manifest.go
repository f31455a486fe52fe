package asset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest 为默认资源清单文件结构：
//
//	assets:
//	  - artwork@256.jpg
//	  - {src: mp4/offline-720p.mpd, dest: mp4/dash.mpd}
//	  - {src: mp4/v-0720p-2500k-libx264.mp4, chunk: true}
type Manifest struct {
	Assets []Descriptor `yaml:"assets"`
}

// DefaultDescriptors 是未配置清单文件时使用的资源列表。
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{Src: "artwork@256.jpg"},
		{Src: "artwork@512.jpg"},
		{Src: "poster-small.jpg"},
		{Src: "poster.jpg"},
		{Src: "mp4/offline-720p.mpd", Dest: "mp4/dash.mpd"},
		{Src: "mp4/v-0720p-2500k-libx264.mp4", Chunk: true},
		{Src: "mp4/a-eng-0128k-aac.mp4", Chunk: true},
	}
}

// LoadManifest 读取 YAML 清单；path 为空时返回 DefaultDescriptors。
func LoadManifest(path string) ([]Descriptor, error) {
	if path == "" {
		return DefaultDescriptors(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse asset manifest %s: %w", path, err)
	}
	if len(m.Assets) == 0 {
		return nil, fmt.Errorf("asset manifest %s lists no assets", path)
	}
	return m.Assets, nil
}
