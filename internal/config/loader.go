package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/indirect/gemstash/internal/upstream"
)

// DefaultPath 是未指定 --config 时尝试读取的文件。
const DefaultPath = "config.toml"

// 默认值，applyGlobalDefaults 与 setDefaults 共用。
const (
	defaultListenPort      = 9292
	defaultRubygemsURL     = "https://rubygems.org"
	defaultUpstreamTimeout = 20 * time.Second
	defaultInitialBackoff  = 500 * time.Millisecond
	defaultPreloadThreads  = 20
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// path 为空时读取 DefaultPath，文件不存在则完全使用默认值；显式指定的文件必须存在。
// 全局字段可被 GEMSTASH_<KEY> 环境变量覆盖，例如 GEMSTASH_LISTENPORT。
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("GEMSTASH")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Upstreams {
		applyUpstreamDefaults(&cfg.Upstreams[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析存储目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("RubygemsURL", defaultRubygemsURL)
	v.SetDefault("UpstreamTimeout", "20s")
	v.SetDefault("MaxRetries", 2)
	v.SetDefault("InitialBackoff", "500ms")
	v.SetDefault("ProtectedFetch", false)
	v.SetDefault("SerializeSpecRebuilds", false)
	v.SetDefault("EnvPrefix", upstream.DefaultEnvPrefix)
	v.SetDefault("DBAdapter", DBAdapterMemory)
	v.SetDefault("DBURL", "")
	v.SetDefault("PreloadThreads", defaultPreloadThreads)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if strings.TrimSpace(g.RubygemsURL) == "" {
		g.RubygemsURL = defaultRubygemsURL
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(defaultInitialBackoff)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(defaultUpstreamTimeout)
	}
	if g.PreloadThreads == 0 {
		g.PreloadThreads = defaultPreloadThreads
	}
	g.DBAdapter = strings.ToLower(strings.TrimSpace(g.DBAdapter))
	if g.DBAdapter == "" {
		g.DBAdapter = DBAdapterMemory
	}
}

func applyUpstreamDefaults(u *UpstreamConfig) {
	u.Domain = strings.ToLower(strings.TrimSpace(u.Domain))
	u.Name = strings.TrimSpace(u.Name)
	if u.Name == "" {
		u.Name = u.Domain
	}
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
