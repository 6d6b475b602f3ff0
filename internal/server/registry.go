package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/indirect/gemstash/internal/config"
	"github.com/indirect/gemstash/internal/upstream"
)

// DefaultRouteName 是 RubygemsURL 对应路由的名称。
const DefaultRouteName = "default"

// UpstreamRoute 将 [[Upstream]] 配置与解析后的 Source 聚合在一起，
// 供路由/代理层直接复用，避免每个请求重复解析上游地址。
type UpstreamRoute struct {
	// Name/Domain 来自配置；默认路由的 Domain 为空。
	Name   string
	Domain string
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	// Source 已补全环境变量凭证与 User-Agent。
	Source *upstream.Source
	// Default 表示该路由来自 RubygemsURL。
	Default bool
}

// AuthMode 输出 credentialed/anonymous。
func (r *UpstreamRoute) AuthMode() string {
	return config.AuthMode(r.Source)
}

// UpstreamRegistry 提供 Host/Host:port 到 UpstreamRoute 的查询能力，
// 未映射的 Host 统一回落到默认上游。
type UpstreamRegistry struct {
	routes   map[string]*UpstreamRoute
	ordered  []*UpstreamRoute
	fallback *UpstreamRoute
}

// NewUpstreamRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewUpstreamRegistry(cfg *config.Config) (*UpstreamRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	fallback, err := defaultRoute(cfg)
	if err != nil {
		return nil, err
	}

	registry := &UpstreamRegistry{
		routes:   make(map[string]*UpstreamRoute, len(cfg.Upstreams)),
		fallback: fallback,
	}

	for _, up := range cfg.Upstreams {
		normalizedHost := normalizeDomain(up.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for upstream %s", up.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildUpstreamRoute(cfg, up)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找路由；matched 为 false 时返回默认路由。
func (r *UpstreamRegistry) Lookup(host string) (route *UpstreamRoute, matched bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if route, ok := r.routes[normalizedHost]; ok && normalizedHost != "" {
		return route, true
	}
	return r.fallback, false
}

// Default 返回 RubygemsURL 对应的路由。
func (r *UpstreamRegistry) Default() *UpstreamRoute {
	if r == nil {
		return nil
	}
	return r.fallback
}

// Find 按名称查找路由，DefaultRouteName 对应默认上游。
func (r *UpstreamRegistry) Find(name string) (*UpstreamRoute, bool) {
	if r == nil {
		return nil, false
	}
	if name == DefaultRouteName {
		return r.fallback, true
	}
	for _, route := range r.ordered {
		if route.Name == name {
			return route, true
		}
	}
	return nil, false
}

// List 返回默认路由加上按配置顺序排列的上游路由，用于 /-/upstreams 输出。
func (r *UpstreamRegistry) List() []UpstreamRoute {
	if r == nil {
		return nil
	}

	result := make([]UpstreamRoute, 0, len(r.ordered)+1)
	result = append(result, *r.fallback)
	for _, route := range r.ordered {
		result = append(result, *route)
	}
	return result
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
