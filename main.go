package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/version"
)

// 子命令名称。
const (
	commandServe   = "serve"
	commandCheck   = "check-config"
	commandVersion = "version"
	commandFetch   = "fetch"
	commandRemove  = "remove"
	commandStatus  = "status"
)

// configEnv 可覆盖默认配置路径，优先级低于 --config。
const configEnv = "OFFLINE_HUB_CONFIG"

// cliOptions 汇总 CLI 解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
	command    string
	name       string
	assetPath  string
	pagePath   string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	if opts.command == "" {
		// --help 已由 cobra 输出
		os.Exit(0)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.command == commandVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.command == commandCheck {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["storage"] = cfg.Global.StoragePath
		fields["origin"] = cfg.Global.Origin
		fields["background"] = cfg.Global.BackgroundTransfers
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx := context.Background()
	// 启动遵循“配置 → 缓存/记录存储 → 编排器 → 后台设施 → Fiber server”顺序，
	// 保证 HTTP 与 CLI 子命令共享同一套缓存实例。
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	switch opts.command {
	case commandFetch:
		return runFetch(ctx, rt, opts)
	case commandRemove:
		return runRemove(ctx, rt, opts)
	case commandStatus:
		return runStatus(ctx, rt, opts)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage"] = cfg.Global.StoragePath
	fields["chunk_size"] = rt.store.ChunkSize()
	fields["background"] = rt.coordinator != nil
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	var opts cliOptions
	cmd := newRootCommand(&opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdOut)
	cmd.SetErr(io.Discard)
	if err := cmd.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	return opts, nil
}

// newRootCommand 构建命令树；各命令只记录选项，真正的执行由 run 完成。
func newRootCommand(opts *cliOptions) *cobra.Command {
	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	root := &cobra.Command{
		Use:           "offline-hub",
		Short:         "分片离线缓存与范围重建服务",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			opts.configPath = resolveConfigPath(configFlag)
		},
		RunE: func(*cobra.Command, []string) error {
			switch {
			case showVer:
				opts.command = commandVersion
			case checkOnly:
				opts.command = commandCheck
			default:
				opts.command = commandServe
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	root.Flags().BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	root.Flags().BoolVar(&showVer, "version", false, "显示版本信息")

	simple := func(use, short string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				opts.command = use
				return nil
			},
		}
	}
	named := func(use, short string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <name>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				opts.command = use
				opts.name = args[0]
				return nil
			},
		}
	}

	fetch := named(commandFetch, "下载离线包并等待完成")
	fetch.Flags().StringVar(&opts.assetPath, "asset-path", "", "资源目录前缀，例如 /static/videos/intro")
	fetch.Flags().StringVar(&opts.pagePath, "page", "", "页面路径（默认 /<name>/）")

	root.AddCommand(
		simple(commandServe, "启动 HTTP 服务"),
		simple(commandCheck, "仅校验配置后退出"),
		simple(commandVersion, "显示版本信息"),
		fetch,
		named(commandRemove, "删除离线包"),
		named(commandStatus, "输出离线包状态"),
	)
	return root
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return "config.toml"
}

func startHTTPServer(cfg *config.Config, rt *appRuntime, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Content:    rt.content,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	var notify routes.NotifyFunc
	if rt.coordinator != nil {
		notify = rt.coordinator.OnNotification
	}
	routes.RegisterOfflineRoutes(app, rt.orchestrator, notify, logger)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
