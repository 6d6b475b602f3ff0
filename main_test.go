package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/indirect/gemstash/internal/gemversion"
	"github.com/indirect/gemstash/internal/specs"
	"github.com/indirect/gemstash/internal/storage"
)

// useBufferWriters 在测试期间将 stdOut/stdErr 替换为内存缓冲。
func useBufferWriters(t *testing.T) {
	t.Helper()
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &bytes.Buffer{}, &bytes.Buffer{}
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
}

// configFixture 指向 internal/config/testdata；go test 在包目录即仓库根执行。
func configFixture(name string) string {
	return filepath.Join("internal", "config", "testdata", name)
}

func stdOutString() string {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf.String()
}

func stdErrString() string {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf.String()
}

func TestCLIConfigFlagPriority(t *testing.T) {
	useBufferWriters(t)
	t.Setenv("GEMSTASH_CONFIG", configFixture("valid.toml"))
	if code := runCLI([]string{"gemstash", "check"}); code != exitOK {
		t.Fatalf("应读取环境变量中的配置，得到 %d: %s", code, stdErrString())
	}

	t.Setenv("GEMSTASH_CONFIG", configFixture("missing.toml"))
	if code := runCLI([]string{"gemstash", "check"}); code != exitFailure {
		t.Fatalf("无效配置应返回 1，得到 %d", code)
	}
	if code := runCLI([]string{"gemstash", "--config", configFixture("valid.toml"), "check"}); code != exitOK {
		t.Fatalf("flag 应高于环境变量，得到 %d: %s", code, stdErrString())
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture("valid.toml"), command: "check"})
	if code != exitOK {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
	if !strings.Contains(stdOutString(), `"action":"check_config"`) {
		t.Fatalf("check 应输出结构化日志: %s", stdOutString())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture("missing.toml"), command: "check"})
	if code == exitOK {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	if code := runCLI([]string{"gemstash", "version"}); code != exitOK {
		t.Fatalf("version 应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutString(), "gemstash") {
		t.Fatalf("version 输出应包含 gemstash 标识: %q", stdOutString())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	useBufferWriters(t)
	if code := run(cliOptions{command: "serve"}); code != exitUsage {
		t.Fatalf("未知命令应返回 2，得到 %d", code)
	}
}

// gemRegistry 提供 specs.4.8.gz 与 gem 归档，broken 中的路径返回 500。
func gemRegistry(t *testing.T, indexStatus int, broken ...string) *httptest.Server {
	t.Helper()
	tuples := []specs.Tuple{
		{Name: "rack", Version: gemversion.MustParse("2.0.0"), Platform: "ruby"},
		{Name: "rake", Version: gemversion.MustParse("13.0.0"), Platform: "ruby"},
	}
	failing := map[string]bool{}
	for _, p := range broken {
		failing[p] = true
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/specs.4.8.gz":
			if indexStatus != http.StatusOK {
				w.WriteHeader(indexStatus)
				return
			}
			data, err := specs.EncodeIndex(tuples)
			if err != nil {
				t.Errorf("encode index: %v", err)
			}
			w.Write(data)
		case failing[r.URL.Path]:
			w.WriteHeader(http.StatusInternalServerError)
		case strings.HasPrefix(r.URL.Path, "/gems/"):
			fmt.Fprintf(w, "archive %s", r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func preloadConfig(t *testing.T, upstreamURL string) string {
	t.Helper()
	dir := t.TempDir()
	return writeConfigFile(t, fmt.Sprintf(`
LogLevel = "warn"
StoragePath = "%s"
RubygemsURL = "%s"
MaxRetries = 0
InitialBackoff = "1ms"
PreloadThreads = 2
`, filepath.Join(dir, "storage"), upstreamURL))
}

func TestPreloadCommand(t *testing.T) {
	t.Run("all entries fetched", func(t *testing.T) {
		useBufferWriters(t)
		srv := gemRegistry(t, http.StatusOK)
		code := runCLI([]string{"gemstash", "-c", preloadConfig(t, srv.URL), "preload"})
		if code != exitOK {
			t.Fatalf("期望退出码 0，得到 %d: %s", code, stdErrString())
		}
		if !strings.Contains(stdOutString(), "total=2") || !strings.Contains(stdOutString(), "fetched=2") {
			t.Fatalf("摘要不符合预期: %s", stdOutString())
		}
	})

	t.Run("limit and explicit upstream", func(t *testing.T) {
		useBufferWriters(t)
		srv := gemRegistry(t, http.StatusOK)
		cfg := preloadConfig(t, "https://rubygems.invalid")
		code := runCLI([]string{"gemstash", "-c", cfg, "preload", "--upstream", srv.URL, "--limit", "1", "--threads", "1"})
		if code != exitOK {
			t.Fatalf("期望退出码 0，得到 %d: %s", code, stdErrString())
		}
		if !strings.Contains(stdOutString(), "selected=1") {
			t.Fatalf("limit 未生效: %s", stdOutString())
		}
	})

	t.Run("partial failure", func(t *testing.T) {
		useBufferWriters(t)
		srv := gemRegistry(t, http.StatusOK, "/gems/rake-13.0.0.gem")
		code := runCLI([]string{"gemstash", "-c", preloadConfig(t, srv.URL), "preload"})
		if code != exitPartial {
			t.Fatalf("部分失败应返回 3，得到 %d", code)
		}
		if !strings.Contains(stdErrString(), "rake-13.0.0") {
			t.Fatalf("stderr 应列出失败条目: %s", stdErrString())
		}
	})

	t.Run("index unavailable", func(t *testing.T) {
		useBufferWriters(t)
		srv := gemRegistry(t, http.StatusInternalServerError)
		code := runCLI([]string{"gemstash", "-c", preloadConfig(t, srv.URL), "preload"})
		if code != exitFailure {
			t.Fatalf("索引不可用应返回 1，得到 %d", code)
		}
	})
}

func TestInvalidateCommand(t *testing.T) {
	useBufferWriters(t)
	storagePath := filepath.Join(t.TempDir(), "storage")
	cfg := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "warn"
StoragePath = "%s"
`, storagePath))

	store, err := storage.NewDiskStore(storagePath)
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	ctx := context.Background()
	cached := store.Scope(specs.StoreScope).Scope(specs.CollectionScope).Resource(specs.AllFilenames()[0].String())
	if err := cached.Save(ctx, map[string][]byte{specs.Property: []byte("stale")}); err != nil {
		t.Fatalf("写入缓存失败: %v", err)
	}

	if code := runCLI([]string{"gemstash", "-c", cfg, "invalidate"}); code != exitOK {
		t.Fatalf("期望退出码 0，得到 %d: %s", code, stdErrString())
	}
	if !strings.Contains(stdOutString(), "invalidated") {
		t.Fatalf("invalidate 应输出摘要: %s", stdOutString())
	}
	if _, err := cached.Load(ctx, specs.Property); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("缓存应被清除，得到 %v", err)
	}
}
