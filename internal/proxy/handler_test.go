package proxy

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/indirect/gemstash/internal/auth"
	"github.com/indirect/gemstash/internal/config"
	"github.com/indirect/gemstash/internal/db"
	"github.com/indirect/gemstash/internal/fetch"
	"github.com/indirect/gemstash/internal/gems"
	"github.com/indirect/gemstash/internal/metrics"
	"github.com/indirect/gemstash/internal/preload"
	"github.com/indirect/gemstash/internal/server"
	"github.com/indirect/gemstash/internal/specs"
	"github.com/indirect/gemstash/internal/storage"
)

type registryStub struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newRegistryStub(t *testing.T, marker string) *registryStub {
	t.Helper()
	stub := &registryStub{hits: map[string]int{}}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.hits[r.URL.Path]++
		stub.mu.Unlock()

		switch r.URL.Path {
		case "/gems/rack-2.0.0.gem":
			io.WriteString(w, marker+"-gem")
		case "/quick/Marshal.4.8/rack-2.0.0.gemspec.rz":
			io.WriteString(w, marker+"-spec")
		case "/api/v1/dependencies":
			w.Header().Set("X-Upstream-Test", marker)
			w.Header().Set("Proxy-Authenticate", "Basic")
			io.WriteString(w, "deps:"+r.URL.RawQuery+":"+r.Header.Get("Authorization"))
		case "/gems/broken.gem":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *registryStub) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

type fixture struct {
	app      *fiber.App
	store    storage.Store
	repo     *db.MemoryRepository
	upstream *registryStub
}

func newFixture(t *testing.T, protected bool) *fixture {
	t.Helper()

	stub := newRegistryStub(t, "default")
	store, err := storage.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	repo := db.NewMemoryRepository()
	ctx := context.Background()
	for _, v := range [][2]string{{"rack", "2.0.0"}, {"rack", "2.1.0"}, {"rails", "7.0.0.rc1"}} {
		if _, err := repo.InsertVersion(ctx, v[0], v[1], ""); err != nil {
			t.Fatalf("插入版本失败: %v", err)
		}
	}

	keyring, err := auth.NewKeyring([]auth.Key{
		{Name: "ci", Key: "fetch-key", Permissions: []string{auth.ActionFetch}},
		{Name: "pusher", Key: "push-key", Permissions: []string{auth.ActionPush}},
		{Name: "yanker", Key: "yank-key", Permissions: []string{auth.ActionYank}},
	})
	if err != nil {
		t.Fatalf("创建 keyring 失败: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{Global: config.GlobalConfig{
		ListenPort:  9292,
		RubygemsURL: stub.URL,
		EnvPrefix:   "GEMSTASH_PROXY_TEST_",
	}}
	registry, err := server.NewUpstreamRegistry(cfg)
	if err != nil {
		t.Fatalf("创建 registry 失败: %v", err)
	}

	builder := specs.NewBuilder(store, repo, specs.BuilderOptions{ProtectedFetch: protected, Logger: logger})
	publisher, err := gems.NewPublisher(store, repo, builder, logger)
	if err != nil {
		t.Fatalf("创建 publisher 失败: %v", err)
	}
	handler, err := NewHandler(Options{
		Client:         fetch.NewClient(fetch.Options{MaxRetries: 0}),
		Store:          store,
		Builder:        builder,
		Publisher:      publisher,
		Keyring:        keyring,
		ProtectedFetch: protected,
		Logger:         logger,
		Metrics:        metrics.New(),
	})
	if err != nil {
		t.Fatalf("创建 handler 失败: %v", err)
	}
	forwarder, err := NewForwarder(handler, cfg.Global.EnvPrefix, logger)
	if err != nil {
		t.Fatalf("创建 forwarder 失败: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      forwarder,
		ListenPort: 9292,
	})
	if err != nil {
		t.Fatalf("创建 app 失败: %v", err)
	}
	return &fixture{app: app, store: store, repo: repo, upstream: stub}
}

func (f *fixture) do(t *testing.T, method, target string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	return f.send(t, method, target, nil, headers)
}

func (f *fixture) send(t *testing.T, method, target string, payload []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test(%s) failed: %v", target, err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("响应不是 JSON: %v (%s)", err, body)
	}
	return payload.Error
}

func basicAuth(user string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"))
}

func TestSpecIndexEndpoints(t *testing.T) {
	f := newFixture(t, false)

	cases := map[string][]string{
		"/private/specs.4.8.gz":            {"rack-2.0.0", "rack-2.1.0"},
		"/private/latest_specs.4.8.gz":     {"rack-2.1.0"},
		"/private/prerelease_specs.4.8.gz": {"rails-7.0.0.rc1"},
	}
	for target, want := range cases {
		resp, body := f.do(t, "GET", target, nil)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: expected 200, got %d (%s)", target, resp.StatusCode, body)
		}
		if ct := resp.Header.Get("Content-Type"); ct != fiber.MIMEOctetStream {
			t.Fatalf("%s: unexpected content type %s", target, ct)
		}
		tuples, err := specs.DecodeIndex(body)
		if err != nil {
			t.Fatalf("%s: 解码索引失败: %v", target, err)
		}
		got := make([]string, len(tuples))
		for i, tuple := range tuples {
			got[i] = tuple.FullName()
		}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("%s: got %v, want %v", target, got, want)
		}
	}

	resp, body := f.do(t, "GET", "/private/marshal.4.8.gz", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("未知索引文件应透传到上游并返回 404, got %d (%s)", resp.StatusCode, body)
	}
}

func TestProtectedFetchRequiresFetchKey(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.do(t, "GET", "/private/specs.4.8.gz", nil)
	if resp.StatusCode != fiber.StatusUnauthorized || errorCode(t, body) != codeUnauthorized {
		t.Fatalf("缺少 key 应返回 401, got %d (%s)", resp.StatusCode, body)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("401 应带 WWW-Authenticate")
	}

	resp, _ = f.do(t, "GET", "/private/specs.4.8.gz", map[string]string{"Authorization": "push-key"})
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("没有 fetch 权限的 key 应返回 401, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, "GET", "/private/specs.4.8.gz", map[string]string{"Authorization": basicAuth("fetch-key")})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("Basic 认证的 fetch key 应通过, got %d", resp.StatusCode)
	}

	// 缓存已存在时仍需要鉴权。
	resp, _ = f.do(t, "GET", "/private/specs.4.8.gz", nil)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("缓存命中时也应鉴权, got %d", resp.StatusCode)
	}
}

func TestGemIsFetchedOnceThenCached(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, "GET", "/gems/rack-2.0.0.gem", nil)
	if resp.StatusCode != fiber.StatusOK || string(body) != "default-gem" {
		t.Fatalf("首次请求应回源, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderCacheHit) != "false" {
		t.Fatalf("首次请求不应命中缓存")
	}
	upstreamURL, _ := url.Parse(f.upstream.URL)
	if resp.Header.Get(HeaderUpstream) != upstreamURL.Hostname() {
		t.Fatalf("unexpected upstream header %s", resp.Header.Get(HeaderUpstream))
	}

	resp, body = f.do(t, "GET", "/gems/rack-2.0.0.gem", nil)
	if resp.StatusCode != fiber.StatusOK || string(body) != "default-gem" {
		t.Fatalf("第二次请求应返回缓存, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderCacheHit) != "true" {
		t.Fatalf("第二次请求应命中缓存")
	}
	if n := f.upstream.count("/gems/rack-2.0.0.gem"); n != 1 {
		t.Fatalf("上游只应被请求一次, got %d", n)
	}
}

func TestGemCacheSharesPreloadLayout(t *testing.T) {
	f := newFixture(t, false)

	route, _ := server.NewUpstreamRegistry(&config.Config{Global: config.GlobalConfig{
		RubygemsURL: f.upstream.URL,
		EnvPrefix:   "GEMSTASH_PROXY_TEST_",
	}})
	identifier := route.Default().Source.Identifier()
	resource := f.store.Scope(preload.CacheScope).Scope(identifier).Resource("preloaded-1.0.0")
	if err := resource.Save(context.Background(), map[string][]byte{preload.GemProperty: []byte("from-preload")}); err != nil {
		t.Fatalf("写入缓存失败: %v", err)
	}

	resp, body := f.do(t, "GET", "/gems/preloaded-1.0.0.gem", nil)
	if resp.StatusCode != fiber.StatusOK || string(body) != "from-preload" {
		t.Fatalf("preload 写入的归档应直接命中, got %d %s", resp.StatusCode, body)
	}
	if f.upstream.count("/gems/preloaded-1.0.0.gem") != 0 {
		t.Fatalf("命中缓存时不应回源")
	}
}

func TestGemspecIsCachedSeparately(t *testing.T) {
	f := newFixture(t, false)

	for i := 0; i < 2; i++ {
		resp, body := f.do(t, "GET", "/quick/Marshal.4.8/rack-2.0.0.gemspec.rz", nil)
		if resp.StatusCode != fiber.StatusOK || string(body) != "default-spec" {
			t.Fatalf("unexpected gemspec response %d %s", resp.StatusCode, body)
		}
	}
	if n := f.upstream.count("/quick/Marshal.4.8/rack-2.0.0.gemspec.rz"); n != 1 {
		t.Fatalf("gemspec 只应回源一次, got %d", n)
	}

	resp, body := f.do(t, "GET", "/gems/rack-2.0.0.gem", nil)
	if resp.Header.Get(HeaderCacheHit) != "false" || string(body) != "default-gem" {
		t.Fatalf("gem 与 gemspec 属性应相互独立")
	}
}

func TestUpstreamErrorsAreMapped(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, "GET", "/gems/missing-1.0.0.gem", nil)
	if resp.StatusCode != fiber.StatusNotFound || errorCode(t, body) != codeNotFound {
		t.Fatalf("上游 404 应映射为 404, got %d %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, "GET", "/gems/broken.gem", nil)
	if resp.StatusCode != fiber.StatusBadGateway || errorCode(t, body) != codeUpstreamFailed {
		t.Fatalf("上游 5xx 应映射为 502, got %d %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, "GET", "/gems/", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("空 gem 标识应返回 404, got %d", resp.StatusCode)
	}
}

func TestUpstreamOverride(t *testing.T) {
	f := newFixture(t, false)
	other := newRegistryStub(t, "other")

	target := UpstreamPrefix + url.QueryEscape(other.URL) + "/gems/rack-2.0.0.gem"
	resp, body := f.do(t, "GET", target, nil)
	if resp.StatusCode != fiber.StatusOK || string(body) != "other-gem" {
		t.Fatalf("覆盖上游应请求 other, got %d %s", resp.StatusCode, body)
	}
	if f.upstream.count("/gems/rack-2.0.0.gem") != 0 {
		t.Fatalf("默认上游不应被请求")
	}

	// 不同上游使用不同的缓存命名空间。
	resp, body = f.do(t, "GET", "/gems/rack-2.0.0.gem", nil)
	if resp.Header.Get(HeaderCacheHit) != "false" || string(body) != "default-gem" {
		t.Fatalf("默认上游不应读取 other 的缓存: %s", body)
	}

	resp, body = f.do(t, "GET", UpstreamPrefix+"https%3A%2F%2F/gems/rack-2.0.0.gem", nil)
	if resp.StatusCode != fiber.StatusBadRequest || errorCode(t, body) != codeInvalidUpstream {
		t.Fatalf("无效上游应返回 400, got %d %s", resp.StatusCode, body)
	}
}

func TestUpstreamOverrideLimitsPassthrough(t *testing.T) {
	f := newFixture(t, false)
	other := newRegistryStub(t, "other")
	prefix := UpstreamPrefix + url.QueryEscape(other.URL)

	resp, body := f.do(t, "GET", prefix+"/api/v1/dependencies?gems=rack", nil)
	if resp.StatusCode != fiber.StatusOK || string(body) != "deps:gems=rack:" {
		t.Fatalf("依赖 API 应透传到覆盖上游, got %d %s", resp.StatusCode, body)
	}

	for _, p := range []string{"/admin", "/latest/meta-data/iam", "/api/v1/owners"} {
		resp, body = f.do(t, "GET", prefix+p, nil)
		if resp.StatusCode != fiber.StatusNotFound || errorCode(t, body) != codeNotFound {
			t.Fatalf("%s 不应透传, got %d %s", p, resp.StatusCode, body)
		}
		if other.count(p) != 0 {
			t.Fatalf("%s 不应请求覆盖上游", p)
		}
	}

	// 未覆盖的默认上游仍然透传任意 GET。
	resp, _ = f.do(t, "GET", "/api/v1/versions/rack", nil)
	if f.upstream.count("/api/v1/versions/rack") != 1 {
		t.Fatalf("默认上游应透传, got %d", resp.StatusCode)
	}
}

func TestPassthroughIsNotCached(t *testing.T) {
	f := newFixture(t, false)

	for i := 0; i < 2; i++ {
		resp, body := f.do(t, "GET", "/api/v1/dependencies?gems=rack", map[string]string{"Authorization": "fetch-key"})
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if string(body) != "deps:gems=rack:" {
			t.Fatalf("查询串应透传且不转发客户端 Authorization, got %s", body)
		}
		if resp.Header.Get("X-Upstream-Test") != "default" {
			t.Fatalf("上游响应头应透传")
		}
		if resp.Header.Get("Proxy-Authenticate") != "" {
			t.Fatalf("hop-by-hop 头不应透传")
		}
	}
	if n := f.upstream.count("/api/v1/dependencies"); n != 2 {
		t.Fatalf("透传请求不应缓存, got %d", n)
	}

	resp, body := f.do(t, "POST", "/api/v1/dependencies", nil)
	if resp.StatusCode != fiber.StatusMethodNotAllowed || errorCode(t, body) != codeMethodNotAllowed {
		t.Fatalf("POST 应返回 405, got %d", resp.StatusCode)
	}
}

func TestPrivateGems(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, "GET", "/private/gems/secret-1.0.0.gem", nil)
	if resp.StatusCode != fiber.StatusNotFound || errorCode(t, body) != codeNotFound {
		t.Fatalf("不存在的私有 gem 应返回 404, got %d %s", resp.StatusCode, body)
	}

	resource := gems.Resource(f.store, "secret-1.0.0")
	if err := resource.Save(context.Background(), map[string][]byte{gems.GemProperty: []byte("secret")}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	resp, body = f.do(t, "GET", "/private/gems/secret-1.0.0.gem", nil)
	if resp.StatusCode != fiber.StatusOK || string(body) != "secret" {
		t.Fatalf("私有 gem 应返回内容, got %d %s", resp.StatusCode, body)
	}
	if f.upstream.count("/private/gems/secret-1.0.0.gem") != 0 {
		t.Fatalf("私有 gem 不应回源")
	}
}

// gemArchive 构造只含 metadata.gz 的最小 gem 归档。
func gemArchive(t *testing.T, name, version string) []byte {
	t.Helper()
	metadata := "--- !ruby/object:Gem::Specification\nname: " + name +
		"\nversion: !ruby/object:Gem::Version\n  version: " + version + "\nplatform: ruby\n"
	var meta bytes.Buffer
	zw := gzip.NewWriter(&meta)
	if _, err := zw.Write([]byte(metadata)); err != nil {
		t.Fatalf("压缩 metadata 失败: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("压缩 metadata 失败: %v", err)
	}

	var out bytes.Buffer
	tw := tar.NewWriter(&out)
	if err := tw.WriteHeader(&tar.Header{Name: "metadata.gz", Mode: 0o444, Size: int64(meta.Len())}); err != nil {
		t.Fatalf("写入 tar 失败: %v", err)
	}
	if _, err := tw.Write(meta.Bytes()); err != nil {
		t.Fatalf("写入 tar 失败: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("写入 tar 失败: %v", err)
	}
	return out.Bytes()
}

func indexedNames(t *testing.T, f *fixture) map[string]bool {
	t.Helper()
	resp, body := f.do(t, "GET", "/private/specs.4.8.gz", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("specs 索引应返回 200, got %d", resp.StatusCode)
	}
	tuples, err := specs.DecodeIndex(body)
	if err != nil {
		t.Fatalf("解码索引失败: %v", err)
	}
	names := map[string]bool{}
	for _, tuple := range tuples {
		names[tuple.FullName()] = true
	}
	return names
}

func TestPushYankUnyank(t *testing.T) {
	f := newFixture(t, false)
	archive := gemArchive(t, "widget", "1.2.0")
	pushHeaders := map[string]string{"Authorization": "push-key", "Content-Type": "application/octet-stream"}
	form := map[string]string{"Authorization": "yank-key", "Content-Type": fiber.MIMEApplicationForm}

	if indexedNames(t, f)["widget-1.2.0"] {
		t.Fatalf("推送前索引不应包含 widget")
	}

	resp, body := f.send(t, "POST", "/api/v1/gems", archive, map[string]string{"Authorization": "fetch-key"})
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("无 push 权限应返回 401, got %d %s", resp.StatusCode, body)
	}

	resp, body = f.send(t, "POST", "/api/v1/gems", archive, pushHeaders)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), "widget (1.2.0)") {
		t.Fatalf("推送应成功, got %d %s", resp.StatusCode, body)
	}
	if !indexedNames(t, f)["widget-1.2.0"] {
		t.Fatalf("推送后索引应包含 widget-1.2.0")
	}
	resp, body = f.do(t, "GET", "/private/gems/widget-1.2.0.gem", nil)
	if resp.StatusCode != fiber.StatusOK || !bytes.Equal(body, archive) {
		t.Fatalf("私有 gem 应返回推送的归档, got %d", resp.StatusCode)
	}

	resp, body = f.send(t, "POST", "/api/v1/gems", archive, pushHeaders)
	if resp.StatusCode != fiber.StatusUnprocessableEntity || errorCode(t, body) != codeVersionExists {
		t.Fatalf("重复推送应返回 422 version_exists, got %d %s", resp.StatusCode, body)
	}

	resp, body = f.send(t, "POST", "/api/v1/gems", []byte("not a gem"), pushHeaders)
	if resp.StatusCode != fiber.StatusUnprocessableEntity || errorCode(t, body) != codeInvalidGem {
		t.Fatalf("非法归档应返回 422 invalid_gem, got %d %s", resp.StatusCode, body)
	}

	target := []byte("gem_name=widget&version=1.2.0")
	resp, body = f.send(t, "DELETE", "/api/v1/gems/yank", target, map[string]string{"Authorization": "push-key", "Content-Type": fiber.MIMEApplicationForm})
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("无 yank 权限应返回 401, got %d %s", resp.StatusCode, body)
	}
	resp, body = f.send(t, "DELETE", "/api/v1/gems/yank", target, form)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("yank 应成功, got %d %s", resp.StatusCode, body)
	}
	if indexedNames(t, f)["widget-1.2.0"] {
		t.Fatalf("yank 后索引不应包含 widget-1.2.0")
	}
	resp, body = f.send(t, "DELETE", "/api/v1/gems/yank", target, form)
	if resp.StatusCode != fiber.StatusUnprocessableEntity || errorCode(t, body) != codeVersionYanked {
		t.Fatalf("重复 yank 应返回 422 version_yanked, got %d %s", resp.StatusCode, body)
	}
	resp, body = f.send(t, "POST", "/api/v1/gems", archive, pushHeaders)
	if resp.StatusCode != fiber.StatusUnprocessableEntity || errorCode(t, body) != codeVersionYanked {
		t.Fatalf("推送已 yank 的版本应返回 422 version_yanked, got %d %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, "PUT", "/api/v1/gems/unyank?gem_name=widget&version=1.2.0", map[string]string{"Authorization": "yank-key"})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("unyank 应成功, got %d %s", resp.StatusCode, body)
	}
	if !indexedNames(t, f)["widget-1.2.0"] {
		t.Fatalf("unyank 后索引应重新包含 widget-1.2.0")
	}

	resp, body = f.send(t, "DELETE", "/api/v1/gems/yank", []byte("gem_name=missing&version=0.1.0"), form)
	if resp.StatusCode != fiber.StatusNotFound || errorCode(t, body) != codeNotFound {
		t.Fatalf("未知版本应返回 404, got %d %s", resp.StatusCode, body)
	}
	resp, body = f.send(t, "DELETE", "/api/v1/gems/yank", []byte("gem_name=widget"), form)
	if resp.StatusCode != fiber.StatusUnprocessableEntity || errorCode(t, body) != codeInvalidGem {
		t.Fatalf("缺少 version 应返回 422, got %d %s", resp.StatusCode, body)
	}
}

func TestPublishMethodNotAllowed(t *testing.T) {
	f := newFixture(t, false)
	for target, allow := range map[string]string{
		"/api/v1/gems":        "POST",
		"/api/v1/gems/yank":   "DELETE",
		"/api/v1/gems/unyank": "PUT",
	} {
		resp, body := f.do(t, "GET", target, nil)
		if resp.StatusCode != fiber.StatusMethodNotAllowed || errorCode(t, body) != codeMethodNotAllowed {
			t.Fatalf("GET %s 应返回 405, got %d", target, resp.StatusCode)
		}
		if got := resp.Header.Get("Allow"); got != allow {
			t.Fatalf("GET %s Allow = %q, want %q", target, got, allow)
		}
		if f.upstream.count(target) != 0 {
			t.Fatalf("%s 不应回源", target)
		}
	}
}

func TestNewHandlerValidatesOptions(t *testing.T) {
	if _, err := NewHandler(Options{}); err == nil {
		t.Fatalf("缺少依赖时应返回错误")
	}
}
