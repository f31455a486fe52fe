package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Global.StorageIsBucket() {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}
	if cfg.Global.RecordsPath == "" {
		cfg.Global.RecordsPath = defaultRecordsPath(cfg.Global.StoragePath)
	}
	if cfg.Global.AssetManifest != "" && !filepath.IsAbs(cfg.Global.AssetManifest) {
		// 清单路径相对配置文件所在目录
		cfg.Global.AssetManifest = filepath.Join(filepath.Dir(path), cfg.Global.AssetManifest)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("ChunkSize", 512*1024)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("FetchTimeout", "10s")
	v.SetDefault("NotFoundPath", "/404/")
	v.SetDefault("PrefetchPartition", "prefetch")
	v.SetDefault("BackgroundWorkers", 2)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = 512 * 1024
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.FetchTimeout.DurationValue() == 0 {
		g.FetchTimeout = Duration(10 * time.Second)
	}
	if strings.TrimSpace(g.NotFoundPath) == "" {
		g.NotFoundPath = "/404/"
	}
	if strings.TrimSpace(g.PrefetchPartition) == "" {
		g.PrefetchPartition = "prefetch"
	}
	if g.BackgroundWorkers <= 0 {
		g.BackgroundWorkers = 2
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")
}

// defaultRecordsPath 将授权与后台任务记录放在缓存目录下的隐藏目录中，
// bucket 存储则改用同一 bucket 的 .records 前缀。
func defaultRecordsPath(storage string) string {
	if hasScheme(storage) {
		return withPrefix(storage, ".records/")
	}
	return filepath.Join(storage, ".records")
}

func withPrefix(rawURL, prefix string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "prefix=" + prefix
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
