package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/indirect/gemstash/internal/config"
)

// Option 调整 InitLogger 的默认行为。
type Option func(*options)

type options struct {
	console  io.Writer
	exitFunc func(int)
}

// WithConsole 替换未配置 LogFilePath 时的输出目标（默认 stdout）。
// preload 等需要占用 stdout 输出摘要的子命令会把日志改到 stderr。
func WithConsole(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.console = w
		}
	}
}

// WithExitFunc 用于测试中拦截 Fatal 级别日志的退出。
func WithExitFunc(fn func(int)) Option {
	return func(o *options) { o.exitFunc = fn }
}

// InitLogger 根据全局配置初始化 JSON 结构化日志。
// 日志文件不可写时降级到控制台并记录一条 logger_fallback 警告。
func InitLogger(cfg config.GlobalConfig, opts ...Option) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	o := options{console: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	output, outErr := buildOutput(cfg, o.console)

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "message",
		},
	})
	if o.exitFunc != nil {
		logger.ExitFunc = o.exitFunc
	}

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// buildOutput 创建日志输出；LogFilePath 为空或目录不可用时返回 console。
func buildOutput(cfg config.GlobalConfig, console io.Writer) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return console, nil
	}

	dir := filepath.Dir(cfg.LogFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return console, fmt.Errorf("创建日志目录失败: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}
