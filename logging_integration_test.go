package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggingFallbackToConsole(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("file"), 0o644); err != nil {
		t.Fatalf("创建占位文件失败: %v", err)
	}

	// blocked 是普通文件，日志目录无法在其下创建。
	logPath := filepath.Join(blocked, "sub", "gemstash.log")
	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "info"
LogFilePath = "%s"
StoragePath = "%s"
ListenPort = 5000

[[Upstream]]
Name = "mirror"
Domain = "mirror.local"
URL = "https://mirror.example.com"
`, logPath, filepath.Join(dir, "storage")))

	useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, command: "check"})
	if code != exitOK {
		t.Fatalf("日志 fallback 不应导致失败，得到 %d: %s", code, stdErrString())
	}
	if !strings.Contains(stdOutString(), "logger_fallback") {
		t.Fatalf("应在控制台记录 fallback: %s", stdOutString())
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
