package config

import (
	"path/filepath"
	"testing"
)

func TestLoadFailsWithMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("不存在的配置文件应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
Origin = "https://media.example.com"
FetchTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadKeepsBucketStorage(t *testing.T) {
	cfg := `
StoragePath = "mem://"
Origin = "https://media.example.com"
AssetManifest = "assets.yaml"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.StoragePath != "mem://" {
		t.Fatalf("bucket URL 不应被改写: %s", loaded.Global.StoragePath)
	}
	if loaded.Global.RecordsPath != "mem://?prefix=.records/" {
		t.Fatalf("unexpected RecordsPath: %s", loaded.Global.RecordsPath)
	}
	if want := filepath.Join(filepath.Dir(path), "assets.yaml"); loaded.Global.AssetManifest != want {
		t.Fatalf("清单路径应相对配置文件: %s", loaded.Global.AssetManifest)
	}
}
