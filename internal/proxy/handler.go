package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/indirect/gemstash/internal/auth"
	"github.com/indirect/gemstash/internal/fetch"
	"github.com/indirect/gemstash/internal/gems"
	"github.com/indirect/gemstash/internal/logging"
	"github.com/indirect/gemstash/internal/metrics"
	"github.com/indirect/gemstash/internal/preload"
	"github.com/indirect/gemstash/internal/server"
	"github.com/indirect/gemstash/internal/specs"
	"github.com/indirect/gemstash/internal/storage"
)

// 响应头。
const (
	HeaderCacheHit = "X-Gemstash-Cache-Hit"
	HeaderUpstream = "X-Gemstash-Upstream"
)

// SpecProperty 是上游 gemspec 在 gem_cache/<identifier>/<name> 下的属性名，
// 私有 gem 的布局由 gems 包决定。
const SpecProperty = "spec"

const (
	privatePrefix = "/private/"
	gemsPrefix    = "/gems/"
	quickPrefix   = "/quick/Marshal.4.8/"
)

// Options 汇总 Handler 依赖，Client/Store/Builder 必填；Publisher 为 nil 时不开放发布接口。
type Options struct {
	Client         *fetch.Client
	Store          storage.Store
	Builder        *specs.Builder
	Publisher      *gems.Publisher
	Keyring        *auth.Keyring
	ProtectedFetch bool
	Logger         logrus.FieldLogger
	Metrics        *metrics.Registry
}

// Handler 负责私有索引/私有 gem 与“缓存命中 → 回源写缓存”的上游 gem 代理。
type Handler struct {
	client    *fetch.Client
	store     storage.Store
	builder   *specs.Builder
	publisher *gems.Publisher
	keyring   *auth.Keyring
	protected bool
	logger    logrus.FieldLogger
	metrics   *metrics.Registry
}

// NewHandler constructs a proxy handler with shared client/store/builder.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Client == nil {
		return nil, errors.New("upstream client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Builder == nil {
		return nil, errors.New("spec index builder is required")
	}
	return &Handler{
		client:    opts.Client,
		store:     opts.Store,
		builder:   opts.Builder,
		publisher: opts.Publisher,
		keyring:   opts.Keyring,
		protected: opts.ProtectedFetch,
		logger:    logging.OrDiscard(opts.Logger),
		metrics:   opts.Metrics,
	}, nil
}

// Endpoints 返回内置端点，顺序即匹配优先级。
func (h *Handler) Endpoints() []Endpoint {
	endpoints := []Endpoint{
		{Name: "private_specs", Match: isSpecIndexPath, Serve: h.ServeSpecIndex},
		{Name: "private_gems", Match: prefixMatcher(privatePrefix + "gems/"), Serve: h.ServePrivateGem},
		{Name: "gems", Match: prefixMatcher(gemsPrefix), Serve: h.ServeGem},
		{Name: "quick", Match: prefixMatcher(quickPrefix), Serve: h.ServeGemspec},
	}
	if h.publisher != nil {
		endpoints = append(endpoints, h.publishEndpoints()...)
	}
	return endpoints
}

func prefixMatcher(prefix string) func(string) bool {
	return func(p string) bool { return strings.HasPrefix(p, prefix) }
}

func isSpecIndexPath(p string) bool {
	if !strings.HasPrefix(p, privatePrefix) {
		return false
	}
	_, ok := specs.SelectionFor(strings.TrimPrefix(p, privatePrefix))
	return ok
}

// ServeSpecIndex 返回 private/{specs,latest_specs,prerelease_specs}.4.8.gz。
// ProtectedFetch 开启时在进入 Builder 之前先校验 fetch 权限，缓存命中也不例外。
func (h *Handler) ServeSpecIndex(c fiber.Ctx, route *server.UpstreamRoute, p string) error {
	sel, ok := specs.SelectionFor(strings.TrimPrefix(p, privatePrefix))
	if !ok {
		return writeError(c, h.logger, route, errNotFound)
	}
	authorizer := h.authorizer(c)
	if err := h.authorizeFetch(authorizer); err != nil {
		return writeError(c, h.logger, route, err)
	}

	data, err := h.builder.Serve(requestContext(c), sel, authorizer)
	if err != nil {
		return writeError(c, h.logger, route, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Send(data)
}

// ServePrivateGem 返回 private/gems 下已发布的 gem 归档，不回源。
func (h *Handler) ServePrivateGem(c fiber.Ctx, route *server.UpstreamRoute, p string) error {
	if err := h.authorizeFetch(h.authorizer(c)); err != nil {
		return writeError(c, h.logger, route, err)
	}
	name, ok := gemKey(p, privatePrefix+"gems/", route)
	if !ok {
		return writeError(c, h.logger, route, errNotFound)
	}

	result, err := gems.Resource(h.store, name).Open(requestContext(c), gems.GemProperty)
	if err != nil {
		h.metrics.ProxyRequest("private_gems", metrics.ResultError)
		return writeError(c, h.logger, route, err)
	}
	h.metrics.ProxyRequest("private_gems", metrics.ResultHit)
	return h.streamCached(c, route, result)
}

// ServeGem 代理 /gems/<id>，缓存到 gem_cache/<identifier>/<name> 的 gem 属性。
func (h *Handler) ServeGem(c fiber.Ctx, route *server.UpstreamRoute, p string) error {
	return h.serveCachedBlob(c, route, p, gemsPrefix, preload.GemProperty, "gems")
}

// ServeGemspec 代理 /quick/Marshal.4.8/<id>.gemspec.rz，缓存到 spec 属性。
func (h *Handler) ServeGemspec(c fiber.Ctx, route *server.UpstreamRoute, p string) error {
	return h.serveCachedBlob(c, route, p, quickPrefix, SpecProperty, "quick")
}

func (h *Handler) serveCachedBlob(c fiber.Ctx, route *server.UpstreamRoute, p, prefix, property, metric string) error {
	if !isReadMethod(c.Method()) {
		return h.methodNotAllowed(c, "GET, HEAD")
	}
	name, ok := gemKey(p, prefix, route)
	if !ok {
		return writeError(c, h.logger, route, errNotFound)
	}
	ctx := requestContext(c)
	resource := h.store.Scope(preload.CacheScope).Scope(route.Source.Identifier()).Resource(name)

	result, err := resource.Open(ctx, property)
	switch {
	case err == nil:
		h.metrics.ProxyRequest(metric, metrics.ResultHit)
		return h.streamCached(c, route, result)
	case errors.Is(err, storage.ErrNotFound):
		// miss, continue
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"upstream": route.Name,
			"key":      name,
		}).Warn("cache_get_failed")
	}

	started := time.Now()
	upstreamURL := route.Source.URL(strings.TrimPrefix(p, "/"), "")
	data, err := h.client.ForSource(route.Source).Get(ctx, upstreamURL, nil)
	if err != nil {
		h.metrics.ProxyRequest(metric, metrics.ResultError)
		return writeError(c, h.logger, route, err)
	}
	if err := resource.Save(ctx, map[string][]byte{property: data}); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"upstream": route.Name,
			"key":      name,
		}).Warn("cache_write_failed")
	}
	h.metrics.ProxyRequest(metric, metrics.ResultMiss)

	h.setProxyHeaders(c, route, false)
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Status(fiber.StatusOK)
	h.logResult(c, route, metric, fiber.StatusOK, false, started, nil)
	if c.Method() == http.MethodHead {
		c.Response().Header.SetContentLength(len(data))
		return nil
	}
	return c.Send(data)
}

// Passthrough 将其余 GET/HEAD 请求原样转发给上游，不写缓存。
func (h *Handler) Passthrough(c fiber.Ctx, route *server.UpstreamRoute, p string) error {
	if !isReadMethod(c.Method()) {
		return h.methodNotAllowed(c, "GET, HEAD")
	}
	started := time.Now()
	query := string(c.Request().URI().QueryString())
	upstreamURL := route.Source.URL(strings.TrimPrefix(p, "/"), query)

	resp, err := h.client.ForSource(route.Source).Open(requestContext(c), upstreamURL, forwardedHeaders(c))
	if err != nil {
		h.metrics.ProxyRequest("passthrough", metrics.ResultError)
		return writeError(c, h.logger, route, err)
	}
	defer resp.Body.Close()
	h.metrics.ProxyRequest("passthrough", metrics.ResultMiss)

	copyResponseHeaders(c, resp.Header)
	h.setProxyHeaders(c, route, false)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(c, route, "passthrough", resp.StatusCode, false, started, nil)
		return nil
	}
	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, route, "passthrough", resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) streamCached(c fiber.Ctx, route *server.UpstreamRoute, result *storage.ReadResult) error {
	started := time.Now()
	defer result.Reader.Close()

	h.setProxyHeaders(c, route, true)
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Response().Header.SetContentLength(int(result.Info.SizeBytes))
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		h.logResult(c, route, result.Info.Property, fiber.StatusOK, true, started, nil)
		return nil
	}
	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	h.logResult(c, route, result.Info.Property, fiber.StatusOK, true, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *Handler) setProxyHeaders(c fiber.Ctx, route *server.UpstreamRoute, hit bool) {
	if hit {
		c.Set(HeaderCacheHit, "true")
	} else {
		c.Set(HeaderCacheHit, "false")
	}
	if route != nil && route.Source != nil {
		c.Set(HeaderUpstream, route.Source.Host())
	}
}

// authorizer 从 Authorization 头取 key（Basic 认证取用户名）。
func (h *Handler) authorizer(c fiber.Ctx) auth.Authorizer {
	return h.keyring.For(auth.KeyFromHeader(c.Get(fiber.HeaderAuthorization)))
}

func (h *Handler) authorizeFetch(authorizer auth.Authorizer) error {
	if !h.protected {
		return nil
	}
	return authorizer.Authorize(auth.ActionFetch)
}

func (h *Handler) methodNotAllowed(c fiber.Ctx, allow string) error {
	c.Set(fiber.HeaderAllow, allow)
	return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": codeMethodNotAllowed})
}

func (h *Handler) logResult(c fiber.Ctx, route *server.UpstreamRoute, endpoint string, status int, cacheHit bool, started time.Time, err error) {
	fields := logging.RequestFields(route.Name, c.Hostname(), endpoint, cacheHit)
	fields["action"] = "proxy"
	fields["path"] = string(c.Request().URI().Path())
	fields["status"] = status
	fields["auth_mode"] = route.AuthMode()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if reqID := server.RequestID(c); reqID != "" {
		fields["request_id"] = reqID
	}
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// gemKey 取 prefix 之后的单段标识并去掉 .gem/.gemspec.rz 后缀。
func gemKey(p, prefix string, route *server.UpstreamRoute) (string, bool) {
	id := strings.TrimPrefix(p, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	var name string
	if route != nil && route.Source != nil {
		name = route.Source.ResolveGemName(id).Name
	} else {
		name = strings.TrimSuffix(strings.TrimSuffix(id, ".gemspec.rz"), ".gem")
	}
	if name == "" || strings.HasPrefix(name, ".") {
		return "", false
	}
	return name, true
}

func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// forwardedHeaders 仅转发内容协商相关的请求头，客户端的 Authorization 不会发往上游。
func forwardedHeaders(c fiber.Ctx) http.Header {
	header := http.Header{}
	for _, key := range []string{fiber.HeaderAccept, fiber.HeaderRange} {
		if value := c.Get(key); value != "" {
			header.Set(key, value)
		}
	}
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	filtered := http.Header{}
	server.CopyHeaders(filtered, headers)
	filtered.Del(fiber.HeaderContentLength)
	for key, values := range filtered {
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
