// Package fetch is the HTTP client used for every upstream request: spec
// index downloads, gem archives and passthrough proxying. It applies a
// per-request timeout, bounded retries with exponential backoff, upstream
// credentials and the configured user agent.
package fetch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/indirect/gemstash/internal/logging"
	"github.com/indirect/gemstash/internal/upstream"
)

// 默认值与 config 包保持一致。
const (
	DefaultTimeout        = 20 * time.Second
	DefaultInitialBackoff = 500 * time.Millisecond
	maxBackoff            = 10 * time.Second
)

// FetchError 描述一次失败的上游请求：Status 非零表示收到了非 2xx 响应，否则 Err 为传输错误。
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NotFound 表示上游返回 404。
func (e *FetchError) NotFound() bool { return e.Status == http.StatusNotFound }

// Getter 获取完整响应体，非 2xx 视为失败。
type Getter interface {
	Get(ctx context.Context, url string, headers http.Header) ([]byte, error)
}

// Opener 返回成功的流式响应，调用方负责关闭 Body。
type Opener interface {
	Open(ctx context.Context, url string, headers http.Header) (*http.Response, error)
}

// Options 配置 Client。
type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	UserAgent      string
	Transport      http.RoundTripper
	Logger         logrus.FieldLogger
}

// Client 是并发安全的上游客户端。
type Client struct {
	http    *http.Client
	retries int
	backoff time.Duration
	agent   string
	logger  logrus.FieldLogger
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultInitialBackoff
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport()
	}
	return &Client{
		http:    &http.Client{Timeout: timeout, Transport: transport},
		retries: retries,
		backoff: backoff,
		agent:   opts.UserAgent,
		logger:  logging.OrDiscard(opts.Logger),
	}
}

// Timeout 返回单次请求的超时。
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}

// Get 读取完整响应体。
func (c *Client) Get(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	resp, err := c.Open(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	return body, nil
}

// Open 发起 GET，5xx/429 与传输错误按指数退避重试，4xx 立即失败。
func (c *Client) Open(ctx context.Context, url string, headers http.Header) (*http.Response, error) {
	var lastErr *FetchError
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			if wait > maxBackoff {
				wait = maxBackoff
			}
			c.logger.WithFields(logrus.Fields{
				"action":  "upstream_retry",
				"url":     url,
				"attempt": attempt,
				"wait_ms": wait.Milliseconds(),
				"error":   lastErr.Error(),
			}).Debug("retrying upstream request")

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &FetchError{URL: url, Err: ctx.Err()}
			case <-timer.C:
			}
		}

		resp, err := c.do(ctx, url, headers)
		if err == nil {
			return resp, nil
		}
		var fetchErr *FetchError
		if !errors.As(err, &fetchErr) || !retryable(ctx, fetchErr) {
			return nil, err
		}
		lastErr = fetchErr
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, url string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("User-Agent") == "" && c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &FetchError{URL: url, Status: resp.StatusCode}
	}
	return resp, nil
}

func retryable(ctx context.Context, err *FetchError) bool {
	if ctx.Err() != nil {
		return false
	}
	if err.Status == 0 {
		return true
	}
	return err.Status >= 500 || err.Status == http.StatusTooManyRequests
}

// ForSource 返回附带上游凭证与 User-Agent 的客户端视图。
func (c *Client) ForSource(src *upstream.Source) *SourceClient {
	return &SourceClient{client: c, source: src}
}

// SourceClient 在每个请求上附加 Basic 认证（API key 模式下密码为空）与上游 User-Agent。
type SourceClient struct {
	client *Client
	source *upstream.Source
}

func (s *SourceClient) Source() *upstream.Source {
	return s.source
}

func (s *SourceClient) Get(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	return s.client.Get(ctx, url, s.headers(headers))
}

func (s *SourceClient) Open(ctx context.Context, url string, headers http.Header) (*http.Response, error) {
	return s.client.Open(ctx, url, s.headers(headers))
}

func (s *SourceClient) headers(extra http.Header) http.Header {
	h := extra.Clone()
	if h == nil {
		h = http.Header{}
	}
	if s.source == nil {
		return h
	}
	if s.source.Auth() {
		password, _ := s.source.Password()
		token := base64.StdEncoding.EncodeToString([]byte(s.source.User() + ":" + password))
		h.Set("Authorization", "Basic "+token)
	}
	if agent := s.source.UserAgent(); agent != "" {
		h.Set("User-Agent", agent)
	}
	return h
}
