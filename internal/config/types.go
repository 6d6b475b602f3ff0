package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/indirect/gemstash/internal/upstream"
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

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// 支持的版本库适配器。
const (
	DBAdapterMemory   = "memory"
	DBAdapterPostgres = "postgres"
)

// GlobalConfig 描述全局运行时行为，所有上游共享同一份参数。
type GlobalConfig struct {
	ListenPort            int      `mapstructure:"ListenPort"`
	LogLevel              string   `mapstructure:"LogLevel"`
	LogFilePath           string   `mapstructure:"LogFilePath"`
	LogMaxSize            int      `mapstructure:"LogMaxSize"`
	LogMaxBackups         int      `mapstructure:"LogMaxBackups"`
	LogCompress           bool     `mapstructure:"LogCompress"`
	StoragePath           string   `mapstructure:"StoragePath"`
	RubygemsURL           string   `mapstructure:"RubygemsURL"`
	UpstreamTimeout       Duration `mapstructure:"UpstreamTimeout"`
	MaxRetries            int      `mapstructure:"MaxRetries"`
	InitialBackoff        Duration `mapstructure:"InitialBackoff"`
	ProtectedFetch        bool     `mapstructure:"ProtectedFetch"`
	SerializeSpecRebuilds bool     `mapstructure:"SerializeSpecRebuilds"`
	EnvPrefix             string   `mapstructure:"EnvPrefix"`
	DBAdapter             string   `mapstructure:"DBAdapter"`
	DBURL                 string   `mapstructure:"DBURL"`
	PreloadThreads        int      `mapstructure:"PreloadThreads"`
}

// UpstreamConfig 将一个 Host 映射到指定的上游源；未映射的 Host 使用 RubygemsURL。
type UpstreamConfig struct {
	Name      string `mapstructure:"Name"`
	Domain    string `mapstructure:"Domain"`
	URL       string `mapstructure:"URL"`
	UserAgent string `mapstructure:"UserAgent"`
}

// APIKeyConfig 对应一条 [[APIKey]]。
type APIKeyConfig struct {
	Name        string   `mapstructure:"Name"`
	Key         string   `mapstructure:"Key"`
	Permissions []string `mapstructure:"Permissions"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig     `mapstructure:",squash"`
	Upstreams []UpstreamConfig `mapstructure:"Upstream"`
	APIKeys   []APIKeyConfig   `mapstructure:"APIKey"`
}

// Source 解析上游地址，凭证按 EnvPrefix 从环境变量补全。
func (u UpstreamConfig) Source(envPrefix string) (*upstream.Source, error) {
	return upstream.Parse(u.URL, upstream.WithEnvPrefix(envPrefix), upstream.WithUserAgent(u.UserAgent))
}

// DefaultSource 返回 RubygemsURL 对应的默认上游。
func (c *Config) DefaultSource() (*upstream.Source, error) {
	return upstream.Parse(c.Global.RubygemsURL, upstream.WithEnvPrefix(c.Global.EnvPrefix))
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func AuthMode(src *upstream.Source) string {
	if src != nil && src.Auth() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有上游的鉴权模式摘要，例如 mirror:credentialed。
func (c *Config) CredentialModes() []string {
	if len(c.Upstreams) == 0 {
		return nil
	}
	result := make([]string, len(c.Upstreams))
	for i, up := range c.Upstreams {
		src, err := up.Source(c.Global.EnvPrefix)
		if err != nil {
			result[i] = fmt.Sprintf("%s:invalid", up.Name)
			continue
		}
		result[i] = fmt.Sprintf("%s:%s", up.Name, AuthMode(src))
	}
	return result
}
