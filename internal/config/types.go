package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	RecordsPath     string   `mapstructure:"RecordsPath"`
	ChunkSize       int64    `mapstructure:"ChunkSize"`
	Origin          string   `mapstructure:"Origin"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	FetchTimeout    Duration `mapstructure:"FetchTimeout"`
	NotFoundPath    string   `mapstructure:"NotFoundPath"`

	PrefetchPartition   string `mapstructure:"PrefetchPartition"`
	AssetManifest       string `mapstructure:"AssetManifest"`
	BackgroundTransfers bool   `mapstructure:"BackgroundTransfers"`
	BackgroundWorkers   int    `mapstructure:"BackgroundWorkers"`
	LicenseServer       string `mapstructure:"LicenseServer"`
}

// AssetConfig 是 [[Asset]] 段落中的单条资源描述。
type AssetConfig struct {
	Src   string `mapstructure:"Src"`
	Dest  string `mapstructure:"Dest"`
	Chunk bool   `mapstructure:"Chunk"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Assets []AssetConfig `mapstructure:"Asset"`
}

// StorageIsBucket 表示 StoragePath 是否为 gocloud bucket URL。
func (g GlobalConfig) StorageIsBucket() bool {
	return hasScheme(g.StoragePath)
}

func hasScheme(raw string) bool {
	idx := strings.Index(raw, "://")
	return idx > 0 && !strings.ContainsAny(raw[:idx], `/\`)
}
