package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/indirect/gemstash/internal/auth"
	"github.com/indirect/gemstash/internal/config"
	"github.com/indirect/gemstash/internal/db"
	"github.com/indirect/gemstash/internal/gems"
	"github.com/indirect/gemstash/internal/logging"
	"github.com/indirect/gemstash/internal/metrics"
	"github.com/indirect/gemstash/internal/preload"
	"github.com/indirect/gemstash/internal/proxy"
	"github.com/indirect/gemstash/internal/server"
	"github.com/indirect/gemstash/internal/server/routes"
	"github.com/indirect/gemstash/internal/specs"
	"github.com/indirect/gemstash/internal/storage"
	"github.com/indirect/gemstash/internal/upstream"
	"github.com/indirect/gemstash/internal/version"
)

// 退出码：preload 部分条目失败时返回 exitPartial。
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitPartial = 3
)

// cliOptions 汇总 CLI 解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
	command    string
	preload    preloadFlags
}

// preloadFlags 对应 preload 子命令的标志。
type preloadFlags struct {
	upstream   string
	threads    int
	skip       int
	limit      int
	latest     bool
	prerelease bool
	rate       float64
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(runCLI(os.Args))
}

// runCLI 解析参数并执行子命令，返回退出码，方便测试。
func runCLI(args []string) int {
	app := newCLIApp()
	err := app.Run(args)
	if err == nil {
		return exitOK
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		if msg := coder.Error(); msg != "" {
			fmt.Fprintln(stdErr, msg)
		}
		return coder.ExitCode()
	}
	fmt.Fprintf(stdErr, "解析参数失败: %v\n", err)
	return exitUsage
}

func newCLIApp() *cli.App {
	app := cli.NewApp()
	app.Name = "gemstash"
	app.Usage = "RubyGems 缓存代理与私有 gem 源"
	app.Version = version.Version
	app.HideVersion = true
	app.Writer = stdOut
	app.ErrWriter = stdErr
	// 退出码由 runCLI 统一处理，避免 cli 直接调用 os.Exit。
	app.ExitErrHandler = func(*cli.Context, error) {}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:   "config, c",
			Value:  config.DefaultPath,
			EnvVar: "GEMSTASH_CONFIG",
			Usage:  "配置文件路径",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "start",
			Usage:  "启动 HTTP 服务",
			Action: commandAction("start"),
		},
		{
			Name:   "preload",
			Usage:  "预热上游 gem 缓存",
			Action: commandAction("preload"),
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "upstream", Usage: "上游地址（默认使用 RubygemsURL）"},
				&cli.IntFlag{Name: "threads", Usage: "并发 worker 数（默认使用 PreloadThreads）"},
				&cli.IntFlag{Name: "skip", Usage: "跳过索引中的前 N 个条目"},
				&cli.IntFlag{Name: "limit", Value: preload.Unlimited, Usage: "最多处理的条目数，-1 表示不限"},
				&cli.BoolFlag{Name: "latest", Usage: "只预热每个 gem 的最新版本"},
				&cli.BoolFlag{Name: "prerelease", Usage: "预热预发布版本"},
				&cli.Float64Flag{Name: "rate", Usage: "每秒最多请求数，0 表示不限速"},
			},
		},
		{
			Name:   "invalidate",
			Usage:  "清除私有源的 specs 索引缓存，下次请求时重建",
			Action: commandAction("invalidate"),
		},
		{
			Name:   "check",
			Usage:  "仅校验配置后退出",
			Action: commandAction("check"),
		},
		{
			Name:   "version",
			Usage:  "显示版本信息",
			Action: commandAction("version"),
		},
	}
	return app
}

// commandAction 将 cli.Context 转换为 cliOptions 并执行 run。
func commandAction(command string) func(*cli.Context) error {
	return func(c *cli.Context) error {
		opts := cliOptions{
			configPath: c.GlobalString("config"),
			command:    command,
		}
		if command == "preload" {
			opts.preload = preloadFlags{
				upstream:   c.String("upstream"),
				threads:    c.Int("threads"),
				skip:       c.Int("skip"),
				limit:      c.Int("limit"),
				latest:     c.Bool("latest"),
				prerelease: c.Bool("prerelease"),
				rate:       c.Float64("rate"),
			}
		}
		if code := run(opts); code != exitOK {
			return cli.NewExitError("", code)
		}
		return nil
	}
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码。
func run(opts cliOptions) int {
	switch opts.command {
	case "version":
		printVersion()
		return exitOK
	case "check":
		return runCheck(opts)
	case "preload":
		return runPreload(opts)
	case "start":
		return runStart(opts)
	case "invalidate":
		return runInvalidate(opts)
	default:
		fmt.Fprintf(stdErr, "未知命令: %s\n", opts.command)
		return exitUsage
	}
}

// loadRuntime 加载配置并初始化日志。
func loadRuntime(opts cliOptions, console io.Writer) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := logging.InitLogger(cfg.Global, logging.WithConsole(console))
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

func runCheck(opts cliOptions) int {
	cfg, logger, err := loadRuntime(opts, stdOut)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return exitFailure
	}
	if _, err := server.NewUpstreamRegistry(cfg); err != nil {
		fmt.Fprintf(stdErr, "构建上游注册表失败: %v\n", err)
		return exitFailure
	}
	if _, err := auth.NewKeyring(cfg.Keys()); err != nil {
		fmt.Fprintf(stdErr, "加载 API key 失败: %v\n", err)
		return exitFailure
	}

	fields := logging.BaseFields("check_config", opts.configPath)
	fields["upstreams"] = len(cfg.Upstreams)
	fields["api_keys"] = len(cfg.APIKeys)
	fields["credentials"] = cfg.CredentialModes()
	fields["db_adapter"] = cfg.Global.DBAdapter
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return exitOK
}

func runStart(opts cliOptions) int {
	cfg, logger, err := loadRuntime(opts, stdOut)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 存储/版本库 → 索引构建器 → 上游注册表 → Fiber server。
	store, err := storage.NewDiskStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化存储目录失败: %v\n", err)
		return exitFailure
	}
	repo, err := db.Open(ctx, cfg.Global.DBAdapter, cfg.Global.DBURL)
	if err != nil {
		fmt.Fprintf(stdErr, "打开版本库失败: %v\n", err)
		return exitFailure
	}
	defer repo.Close()

	keyring, err := auth.NewKeyring(cfg.Keys())
	if err != nil {
		fmt.Fprintf(stdErr, "加载 API key 失败: %v\n", err)
		return exitFailure
	}
	registry, err := server.NewUpstreamRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建上游注册表失败: %v\n", err)
		return exitFailure
	}

	reg := metrics.New()
	builder := specs.NewBuilder(store, repo, specs.BuilderOptions{
		ProtectedFetch:    cfg.Global.ProtectedFetch,
		SerializeRebuilds: cfg.Global.SerializeSpecRebuilds,
		Logger:            logger,
		Metrics:           reg,
	})
	publisher, err := gems.NewPublisher(store, repo, builder, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建发布服务失败: %v\n", err)
		return exitFailure
	}
	handler, err := proxy.NewHandler(proxy.Options{
		Client:         server.NewUpstreamClient(cfg, logger),
		Store:          store,
		Builder:        builder,
		Publisher:      publisher,
		Keyring:        keyring,
		ProtectedFetch: cfg.Global.ProtectedFetch,
		Logger:         logger,
		Metrics:        reg,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建代理失败: %v\n", err)
		return exitFailure
	}
	forwarder, err := proxy.NewForwarder(handler, cfg.Global.EnvPrefix, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建代理失败: %v\n", err)
		return exitFailure
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["upstreams"] = len(cfg.Upstreams)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = cfg.CredentialModes()
	fields["protected_fetch"] = cfg.Global.ProtectedFetch
	fields["db_adapter"] = cfg.Global.DBAdapter
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")
	for _, route := range registry.List() {
		logger.WithFields(logging.UpstreamFields(route.Name, route.Source.Identifier(), route.AuthMode())).
			Info("上游已注册")
	}

	if err := startHTTPServer(ctx, cfg, registry, forwarder, reg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	registry *server.UpstreamRegistry,
	proxyHandler server.ProxyHandler,
	reg *metrics.Registry,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, registry, reg)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{
		DisableStartupMessage: true,
		GracefulContext:       ctx,
	})
}

// runInvalidate 供直接写入版本库的外部流程使用，清除缓存的 specs 索引。
func runInvalidate(opts cliOptions) int {
	cfg, logger, err := loadRuntime(opts, stdErr)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return exitFailure
	}
	store, err := storage.NewDiskStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化存储目录失败: %v\n", err)
		return exitFailure
	}
	builder := specs.NewBuilder(store, nil, specs.BuilderOptions{Logger: logger})
	if err := builder.Invalidate(context.Background()); err != nil {
		fmt.Fprintf(stdErr, "清除索引缓存失败: %v\n", err)
		return exitFailure
	}
	fmt.Fprintf(stdOut, "invalidated %d spec indexes\n", len(specs.AllFilenames()))
	return exitOK
}

func runPreload(opts cliOptions) int {
	// stdout 留给运行摘要，日志写到 stderr。
	cfg, logger, err := loadRuntime(opts, stdErr)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return exitFailure
	}

	src, err := preloadSource(cfg, opts.preload.upstream)
	if err != nil {
		fmt.Fprintf(stdErr, "解析上游失败: %v\n", err)
		return exitFailure
	}
	store, err := storage.NewDiskStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化存储目录失败: %v\n", err)
		return exitFailure
	}

	popts := preload.DefaultOptions()
	popts.Threads = cfg.Global.PreloadThreads
	if opts.preload.threads > 0 {
		popts.Threads = opts.preload.threads
	}
	popts.Skip = opts.preload.skip
	if opts.preload.limit >= 0 {
		popts.Limit = preload.LimitTo(opts.preload.limit)
	}
	popts.Latest = opts.preload.latest
	popts.Prerelease = opts.preload.prerelease
	popts.RateLimit = opts.preload.rate
	popts.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := server.NewUpstreamClient(cfg, logger).ForSource(src)
	result, err := preload.New(src, client, store, popts).Run(ctx)
	if result == nil {
		fmt.Fprintf(stdErr, "预热失败: %v\n", err)
		return exitFailure
	}

	fmt.Fprintf(stdOut, "preload %s: total=%d selected=%d fetched=%d cached=%d duplicates=%d failed=%d duration=%s\n",
		src.Host(), result.Total, result.Selected, result.Fetched, result.Cached, result.Duplicates,
		len(result.Failures), result.Duration.Round(time.Millisecond))
	for _, failure := range result.Failures {
		fmt.Fprintln(stdErr, failure.Error())
	}

	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(stdErr, "预热被中断")
		return exitFailure
	case err != nil:
		return exitPartial
	default:
		return exitOK
	}
}

func preloadSource(cfg *config.Config, raw string) (*upstream.Source, error) {
	if raw == "" {
		return cfg.DefaultSource()
	}
	return upstream.Parse(raw, upstream.WithEnvPrefix(cfg.Global.EnvPrefix))
}
