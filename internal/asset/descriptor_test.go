package asset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorAcceptsStringOrObject(t *testing.T) {
	var descs []Descriptor
	payload := `["poster.jpg", {"src": "mp4/offline-720p.mpd", "dest": "mp4/dash.mpd"}, {"src": "mp4/v.mp4", "chunk": true}]`
	require.NoError(t, json.Unmarshal([]byte(payload), &descs))

	assert.Equal(t, []Descriptor{
		{Src: "poster.jpg"},
		{Src: "mp4/offline-720p.mpd", Dest: "mp4/dash.mpd"},
		{Src: "mp4/v.mp4", Chunk: true},
	}, descs)
}

func TestDescriptorRejectsMissingSrc(t *testing.T) {
	var d Descriptor
	assert.Error(t, json.Unmarshal([]byte(`{"dest": "x"}`), &d))
	assert.Error(t, json.Unmarshal([]byte(`""`), &d))
}

func TestResolveBuildsKeysAndSources(t *testing.T) {
	r, err := NewResolver("https://origin.example.com")
	require.NoError(t, err)

	assets := r.Resolve("/static/videos/intro", []Descriptor{
		{Src: "poster.jpg"},
		{Src: "mp4/offline-720p.mpd", Dest: "mp4/dash.mpd"},
		{Src: "mp4/v.mp4", Chunk: true},
	})
	require.Len(t, assets, 3)
	assert.Equal(t, Asset{
		DestKey:   "/static/videos/intro/poster.jpg",
		SourceURL: "https://origin.example.com/static/videos/intro/poster.jpg",
	}, assets[0])
	assert.Equal(t, "/static/videos/intro/mp4/dash.mpd", assets[1].DestKey)
	assert.Equal(t, "https://origin.example.com/static/videos/intro/mp4/offline-720p.mpd", assets[1].SourceURL)
	assert.True(t, assets[2].Chunked)

	page := r.Page("/videos/intro/")
	assert.True(t, page.Neutral)
	assert.Equal(t, "/videos/intro/", page.DestKey)
	assert.Equal(t, "https://origin.example.com/videos/intro/", page.SourceURL)
}

func TestNewResolverRejectsRelativeOrigin(t *testing.T) {
	_, err := NewResolver("origin.example.com")
	assert.Error(t, err)
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assets.yaml")
	content := `assets:
  - artwork@256.jpg
  - src: mp4/offline-720p.mpd
    dest: mp4/dash.mpd
  - {src: mp4/a.mp4, chunk: true}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	descs, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, []Descriptor{
		{Src: "artwork@256.jpg"},
		{Src: "mp4/offline-720p.mpd", Dest: "mp4/dash.mpd"},
		{Src: "mp4/a.mp4", Chunk: true},
	}, descs)

	defaults, err := LoadManifest("")
	require.NoError(t, err)
	assert.Len(t, defaults, 7)
}
