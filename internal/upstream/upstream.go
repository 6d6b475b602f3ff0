// Package upstream models a remote gem registry: URL normalisation, credential
// resolution (URL userinfo or environment), a stable cache namespace identifier,
// and request-name parsing for gem downloads.
package upstream

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// DefaultEnvPrefix 是凭证环境变量的默认前缀，例如 GEMSTASH_RUBYGEMS_ORG。
const DefaultEnvPrefix = "GEMSTASH_"

// ErrInvalidUpstream 表示上游地址无法解析或缺少 Host。
var ErrInvalidUpstream = errors.New("invalid upstream")

// InvalidUpstreamError 携带原始输入，便于日志与 CLI 输出定位。
type InvalidUpstreamError struct {
	Raw    string
	Reason string
}

func (e *InvalidUpstreamError) Error() string {
	return fmt.Sprintf("invalid upstream %q: %s", e.Raw, e.Reason)
}

// Unwrap 使 errors.Is(err, ErrInvalidUpstream) 成立。
func (e *InvalidUpstreamError) Unwrap() error {
	return ErrInvalidUpstream
}

// Source 是解析后的上游描述，构造完成后不可变。
type Source struct {
	raw         string
	uri         *url.URL
	user        string
	password    string
	hasPassword bool
	userAgent   string
	envVar      string
}

type options struct {
	userAgent string
	envPrefix string
	lookupEnv func(string) (string, bool)
}

// Option 调整 Parse 的可选行为。
type Option func(*options)

// WithUserAgent 设置访问该上游时使用的 User-Agent。
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithEnvPrefix 覆盖凭证环境变量前缀。
func WithEnvPrefix(prefix string) Option {
	return func(o *options) { o.envPrefix = prefix }
}

// WithLookupEnv 注入环境变量读取函数，测试中可替换为 map 查找。
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *options) {
		if fn != nil {
			o.lookupEnv = fn
		}
	}
}

// Parse 解析上游地址：支持百分号转义、缺省 https 协议、userinfo 凭证，
// 当 URL 未带凭证时回退到基于 Host 推导的环境变量。
func Parse(raw string, opts ...Option) (*Source, error) {
	o := options{envPrefix: DefaultEnvPrefix, lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	value := strings.TrimSpace(raw)
	if strings.Contains(value, "%") {
		unescaped, err := url.PathUnescape(value)
		if err != nil {
			return nil, &InvalidUpstreamError{Raw: raw, Reason: err.Error()}
		}
		value = unescaped
	}
	if value == "" {
		return nil, &InvalidUpstreamError{Raw: raw, Reason: "empty url"}
	}
	if !strings.Contains(value, "://") {
		value = "https://" + value
	}

	uri, err := url.Parse(value)
	if err != nil {
		return nil, &InvalidUpstreamError{Raw: raw, Reason: err.Error()}
	}
	if uri.Hostname() == "" {
		return nil, &InvalidUpstreamError{Raw: raw, Reason: "missing host"}
	}

	src := &Source{
		raw:       value,
		uri:       uri,
		userAgent: o.userAgent,
		envVar:    o.envPrefix + EnvName(uri.Hostname()),
	}

	if uri.User != nil && uri.User.Username() != "" {
		src.user = uri.User.Username()
		src.password, src.hasPassword = uri.User.Password()
		return src, nil
	}

	if secret, ok := o.lookupEnv(src.envVar); ok && secret != "" {
		user, password, found := strings.Cut(secret, ":")
		src.user = user
		if found {
			src.password = password
			src.hasPassword = true
		}
	}
	return src, nil
}

// MustParse 仅用于测试与常量初始化，解析失败时 panic。
func MustParse(raw string, opts ...Option) *Source {
	src, err := Parse(raw, opts...)
	if err != nil {
		panic(err)
	}
	return src
}

// EnvName 将 Host 转成环境变量名：大写，连续的非字母数字字符折叠为单个下划线。
func EnvName(host string) string {
	var b strings.Builder
	b.Grow(len(host))
	inRun := false
	for _, r := range strings.ToUpper(host) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			inRun = false
			continue
		}
		if !inRun {
			b.WriteByte('_')
			inRun = true
		}
	}
	return b.String()
}

func (s *Source) Scheme() string { return s.uri.Scheme }

func (s *Source) Host() string { return s.uri.Hostname() }

// Port 返回显式端口，未指定时为空字符串。
func (s *Source) Port() string { return s.uri.Port() }

func (s *Source) Path() string { return s.uri.Path }

func (s *Source) User() string { return s.user }

// Password 与 url.Userinfo.Password 语义一致：API key 模式下第二个返回值为 false。
func (s *Source) Password() (string, bool) { return s.password, s.hasPassword }

// Auth 在存在用户名时为 true（API key 模式同样成立）。
func (s *Source) Auth() bool { return s.user != "" }

func (s *Source) UserAgent() string { return s.userAgent }

// EnvVar 返回本上游对应的凭证环境变量名，便于诊断输出。
func (s *Source) EnvVar() string { return s.envVar }

// String 返回规范化后的原始地址（保留 userinfo）。
func (s *Source) String() string { return s.raw }

// Identifier 返回 "<host>_<md5>"，哈希覆盖协议/Host/端口/路径以及生效的凭证，
// 用作缓存命名空间段。
func (s *Source) Identifier() string {
	normalized := *s.uri
	if s.user != "" {
		if s.hasPassword {
			normalized.User = url.UserPassword(s.user, s.password)
		} else {
			normalized.User = url.User(s.user)
		}
	}
	sum := md5.Sum([]byte(normalized.String()))
	return s.Host() + "_" + hex.EncodeToString(sum[:])
}

// URL 拼接上游地址与可选的路径、查询串；空部分直接省略，不做额外编码。
func (s *Source) URL(path, query string) string {
	base := s.raw
	if path != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		base += strings.TrimPrefix(path, "/")
	}
	if query != "" {
		base += "?" + query
	}
	return base
}

// ResolveGemName 将客户端请求的标识解析为 GemName。
func (s *Source) ResolveGemName(id string) GemName {
	return NewGemName(id)
}
