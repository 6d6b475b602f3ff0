package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/indirect/gemstash/internal/auth"
	"github.com/indirect/gemstash/internal/upstream"
)

var supportedPermissions = map[string]struct{}{
	auth.PermissionAll: {},
	auth.ActionFetch:   {},
	auth.ActionPush:    {},
	auth.ActionYank:    {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.PreloadThreads < 1 {
		return newFieldError("Global.PreloadThreads", "必须大于 0")
	}
	if strings.TrimSpace(g.EnvPrefix) == "" {
		return newFieldError("Global.EnvPrefix", "不能为空")
	}
	if err := validateUpstream(g.RubygemsURL); err != nil {
		return fmt.Errorf("Global.RubygemsURL: %w", err)
	}
	switch g.DBAdapter {
	case DBAdapterMemory:
	case DBAdapterPostgres:
		if strings.TrimSpace(g.DBURL) == "" {
			return newFieldError("Global.DBURL", "postgres 适配器需要 DBURL")
		}
	default:
		return newFieldError("Global.DBAdapter", "仅支持 memory|postgres")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Upstreams {
		up := &c.Upstreams[i]
		if up.Name == "" {
			return newFieldError("Upstream[].Name", "不能为空")
		}
		if _, exists := seenNames[up.Name]; exists {
			return newFieldError(upstreamField(up.Name, "Name"), "重复")
		}
		seenNames[up.Name] = struct{}{}

		if err := validateDomain(up.Domain); err != nil {
			return fmt.Errorf("%s: %w", upstreamField(up.Name, "Domain"), err)
		}
		if _, exists := seenDomains[up.Domain]; exists {
			return newFieldError(upstreamField(up.Name, "Domain"), "重复")
		}
		seenDomains[up.Domain] = struct{}{}

		if err := validateUpstream(up.URL); err != nil {
			return fmt.Errorf("%s: %w", upstreamField(up.Name, "URL"), err)
		}
	}

	seenKeys := map[string]struct{}{}
	for _, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			return newFieldError(apiKeyField(key.Name, "Key"), "不能为空")
		}
		if _, exists := seenKeys[key.Key]; exists {
			return newFieldError(apiKeyField(key.Name, "Key"), "重复")
		}
		seenKeys[key.Key] = struct{}{}

		if len(key.Permissions) == 0 {
			return newFieldError(apiKeyField(key.Name, "Permissions"), "至少需要一个权限")
		}
		for _, perm := range key.Permissions {
			if _, ok := supportedPermissions[strings.ToLower(strings.TrimSpace(perm))]; !ok {
				return newFieldError(apiKeyField(key.Name, "Permissions"), "仅支持 all|fetch|push|yank")
			}
		}
	}

	return nil
}

// Keys 将 [[APIKey]] 转换为 auth.Key 列表。
func (c *Config) Keys() []auth.Key {
	keys := make([]auth.Key, len(c.APIKeys))
	for i, k := range c.APIKeys {
		keys[i] = auth.Key{Name: k.Name, Key: k.Key, Permissions: k.Permissions}
	}
	return keys
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("缺少上游地址")
	}
	src, err := upstream.Parse(raw, upstream.WithLookupEnv(func(string) (string, bool) { return "", false }))
	if err != nil {
		return err
	}
	if src.Scheme() != "http" && src.Scheme() != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	return nil
}
