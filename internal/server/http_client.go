package server

import (
	"net/http"
	"net/textproto"

	"github.com/sirupsen/logrus"

	"github.com/indirect/gemstash/internal/config"
	"github.com/indirect/gemstash/internal/fetch"
	"github.com/indirect/gemstash/internal/version"
)

// NewUpstreamClient 返回所有上游请求共享的 fetch.Client，超时与重试取自全局配置。
func NewUpstreamClient(cfg *config.Config, logger logrus.FieldLogger) *fetch.Client {
	opts := fetch.Options{
		UserAgent: version.UserAgent(),
		Logger:    logger,
	}
	if cfg != nil {
		opts.Timeout = cfg.Global.UpstreamTimeout.DurationValue()
		opts.MaxRetries = cfg.Global.MaxRetries
		opts.InitialBackoff = cfg.Global.InitialBackoff.DurationValue()
	}
	return fetch.NewClient(opts)
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
