// Package asset normalizes offline asset descriptors. Descriptors arrive as
// bare strings (same source and destination, stored whole) or as objects
// with src/dest/chunk fields; both are resolved into Asset values before
// any transfer logic sees them.
package asset

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

// Descriptor 是外部输入的资源描述，可为字符串或 {src,dest,chunk} 对象。
type Descriptor struct {
	Src   string `json:"src" yaml:"src"`
	Dest  string `json:"dest,omitempty" yaml:"dest,omitempty"`
	Chunk bool   `json:"chunk,omitempty" yaml:"chunk,omitempty"`
}

type descriptorFields Descriptor

// UnmarshalJSON 接受 "path" 或 {"src":..,"dest":..,"chunk":..}。
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		*d = Descriptor{Src: bare}
		return d.check()
	}
	var fields descriptorFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("asset descriptor: %w", err)
	}
	*d = Descriptor(fields)
	return d.check()
}

// UnmarshalYAML 与 UnmarshalJSON 语义一致。
func (d *Descriptor) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*d = Descriptor{Src: node.Value}
		return d.check()
	}
	var fields descriptorFields
	if err := node.Decode(&fields); err != nil {
		return fmt.Errorf("asset descriptor (line %d): %w", node.Line, err)
	}
	*d = Descriptor(fields)
	return d.check()
}

func (d Descriptor) check() error {
	if strings.TrimSpace(d.Src) == "" {
		return errors.New("asset descriptor: src required")
	}
	return nil
}

// Asset 是规范化后的传输单元。
type Asset struct {
	// DestKey 为缓存条目 key（请求路径）。
	DestKey string `json:"dest_key"`
	// SourceURL 为实际抓取地址。
	SourceURL string `json:"source_url"`
	Chunked   bool   `json:"chunked"`
	// Neutral 表示以不受缓存与压缩影响的方式抓取（页面本身）。
	Neutral bool `json:"neutral,omitempty"`
}

// Resolver 将描述符解析为 Asset。
type Resolver struct {
	origin *url.URL
}

// NewResolver 以 origin 作为相对路径的抓取源；origin 为空时 SourceURL 保持相对路径。
func NewResolver(origin string) (Resolver, error) {
	if origin == "" {
		return Resolver{}, nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return Resolver{}, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Resolver{}, fmt.Errorf("origin must be absolute: %s", origin)
	}
	return Resolver{origin: u}, nil
}

// Resolve 以 assetPath 为前缀解析描述符：key 为 <assetPath>/<dest>，源为 <assetPath>/<src>。
func (r Resolver) Resolve(assetPath string, descs []Descriptor) []Asset {
	assets := make([]Asset, 0, len(descs))
	for _, d := range descs {
		dest := d.Dest
		if dest == "" {
			dest = d.Src
		}
		assets = append(assets, Asset{
			DestKey:   joinPath(assetPath, dest),
			SourceURL: r.source(joinPath(assetPath, d.Src)),
			Chunked:   d.Chunk,
		})
	}
	return assets
}

// Page 返回页面本身的描述，抓取时使用中性传输提示。
func (r Resolver) Page(pagePath string) Asset {
	key := pagePath
	if !isAbsoluteURL(key) && !strings.HasPrefix(key, "/") {
		key = "/" + key
	}
	return Asset{DestKey: key, SourceURL: r.source(key), Neutral: true}
}

func (r Resolver) source(p string) string {
	if r.origin == nil || isAbsoluteURL(p) {
		return p
	}
	ref, err := url.Parse(p)
	if err != nil {
		return strings.TrimSuffix(r.origin.String(), "/") + p
	}
	return r.origin.ResolveReference(ref).String()
}

func joinPath(base, p string) string {
	if isAbsoluteURL(p) {
		return p
	}
	if base == "" {
		if strings.HasPrefix(p, "/") {
			return p
		}
		return "/" + p
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}

func isAbsoluteURL(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}
