package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/indirect/gemstash/internal/logging"
	"github.com/indirect/gemstash/internal/server"
	"github.com/indirect/gemstash/internal/upstream"
)

// UpstreamPrefix 之后的第一段是转义后的上游地址，例如
// /upstream/https%3A%2F%2Fgems.example.com/gems/rack-2.0.0.gem。
const UpstreamPrefix = "/upstream/"

// EndpointFunc 处理一类请求，path 已去掉 /upstream/<url> 前缀并做过 Clean。
type EndpointFunc func(c fiber.Ctx, route *server.UpstreamRoute, path string) error

// Endpoint 将路径匹配规则与处理函数绑定。
type Endpoint struct {
	Name  string
	Match func(path string) bool
	Serve EndpointFunc
}

// ErrEndpointExists indicates an endpoint has already been registered under the name.
var ErrEndpointExists = errors.New("endpoint already registered")

// Validate ensures name, matcher and handler are all present.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("endpoint name required")
	}
	if e.Match == nil {
		return fmt.Errorf("endpoint %s: matcher required", e.Name)
	}
	if e.Serve == nil {
		return fmt.Errorf("endpoint %s: handler required", e.Name)
	}
	return nil
}

// Forwarder 按注册顺序匹配 Endpoint，都不匹配时交给 fallback（透传）。
// 它实现 server.ProxyHandler，并负责 /upstream/<url> 前缀的上游覆盖。
type Forwarder struct {
	endpoints []Endpoint
	fallback  EndpointFunc
	envPrefix string
	logger    logrus.FieldLogger
}

// NewForwarder 创建 Forwarder 并注册 handler 提供的全部端点。
func NewForwarder(handler *Handler, envPrefix string, logger logrus.FieldLogger) (*Forwarder, error) {
	f := &Forwarder{
		envPrefix: envPrefix,
		logger:    logging.OrDiscard(logger),
	}
	if handler == nil {
		return f, nil
	}
	f.fallback = handler.Passthrough
	for _, ep := range handler.Endpoints() {
		if err := f.Register(ep); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Register 追加一个端点；名称重复时返回 ErrEndpointExists。
func (f *Forwarder) Register(ep Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	for _, existing := range f.endpoints {
		if existing.Name == ep.Name {
			return fmt.Errorf("%w: %s", ErrEndpointExists, ep.Name)
		}
	}
	f.endpoints = append(f.endpoints, ep)
	return nil
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.UpstreamRoute) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r)
		}
	}()

	raw := rawRequestPath(c)
	if strings.HasPrefix(raw, UpstreamPrefix) {
		overridden, rest, parseErr := f.overrideRoute(route, raw)
		if parseErr != nil {
			return writeError(c, f.logger, route, parseErr)
		}
		return f.dispatch(c, overridden, rest, true)
	}
	return f.dispatch(c, route, cleanPath(raw), false)
}

// dispatch 在 overridden 时只允许透传 registryPath 覆盖的路径，避免成为任意主机的 GET 代理。
func (f *Forwarder) dispatch(c fiber.Ctx, route *server.UpstreamRoute, p string, overridden bool) error {
	for _, ep := range f.endpoints {
		if ep.Match(p) {
			return ep.Serve(c, route, p)
		}
	}
	if f.fallback == nil || (overridden && !registryPath(p)) {
		return writeError(c, f.logger, route, errNotFound)
	}
	return f.fallback(c, route, p)
}

// registryIndexes 是 gem 客户端会直接请求的索引文件。
var registryIndexes = map[string]struct{}{
	"/specs.4.8.gz":            {},
	"/latest_specs.4.8.gz":     {},
	"/prerelease_specs.4.8.gz": {},
	"/versions":                {},
	"/names":                   {},
}

// registryPath 报告 p 是否属于 RubyGems 客户端协议（索引、compact index、依赖 API）。
func registryPath(p string) bool {
	if _, ok := registryIndexes[p]; ok {
		return true
	}
	return p == "/api/v1/dependencies" || p == "/api/v1/dependencies.json" || strings.HasPrefix(p, "/info/")
}

// overrideRoute 解析 /upstream/<escaped-url>/<rest>，返回临时路由与剩余路径。
func (f *Forwarder) overrideRoute(base *server.UpstreamRoute, raw string) (*server.UpstreamRoute, string, error) {
	segment, rest, _ := strings.Cut(strings.TrimPrefix(raw, UpstreamPrefix), "/")
	src, err := upstream.Parse(segment, upstream.WithEnvPrefix(f.envPrefix))
	if err != nil {
		return nil, "", err
	}
	route := &server.UpstreamRoute{
		Name:   src.Host(),
		Source: src,
	}
	if base != nil {
		route.ListenPort = base.ListenPort
	}
	return route, cleanPath("/" + rest), nil
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.UpstreamRoute, recovered interface{}) error {
	fields := logrus.Fields{
		"action":     "proxy",
		"error":      codeHandlerPanic,
		"request_id": server.RequestID(c),
	}
	if route != nil {
		fields["upstream"] = route.Name
	}
	f.logger.WithFields(fields).Error(fmt.Sprintf("panic: %v", recovered))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": codeHandlerPanic})
}

// rawRequestPath 返回未解码的请求路径，/upstream/ 段中的 %2F 需要保留到 upstream.Parse。
func rawRequestPath(c fiber.Ctx) string {
	raw := string(c.Request().URI().PathOriginal())
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		raw = raw[:idx]
	}
	if raw == "" {
		raw = string(c.Request().URI().Path())
	}
	if raw == "" {
		return "/"
	}
	return raw
}

func cleanPath(raw string) string {
	if decoded, err := url.PathUnescape(raw); err == nil {
		raw = decoded
	}
	return path.Clean("/" + raw)
}
