// 文件: pkg/app/app.go
// 三个进程共用的启动骨架: 命令行、配置、日志、信号、指标端口

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pricealert/pkg/config"
	"pricealert/pkg/logger"
	"pricealert/pkg/metrics"
)

// RunFunc 进程主体，ctx 在收到 SIGINT/SIGTERM 时取消
type RunFunc func(ctx context.Context, rt *Runtime) error

// Runtime 启动阶段准备好的公共依赖
type Runtime struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// NewCommand 创建带 --config 参数的命令
func NewCommand(use, short string, run RunFunc) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Execute(cmd.Context(), configPath, run)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "config file path")
	return cmd
}

// Execute 加载配置、初始化日志后运行，直到 run 返回
func Execute(parent context.Context, configPath string, run RunFunc) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.Log)
	defer func() { _ = logger.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt := &Runtime{Config: cfg, Registry: reg, Metrics: metrics.New(reg)}

	logger.Info("starting", zap.String("config", configPath), zap.Int64("node_id", cfg.Service.NodeID))
	if err := run(ctx, rt); err != nil {
		logger.Error("exited with error", zap.Error(err))
		return err
	}
	logger.Info("exited")
	return nil
}

// ServeMetrics 后台启动 /metrics 端口，返回关闭函数
func ServeMetrics(rt *Runtime, healthy func() bool) func() {
	srv := metrics.NewServer(rt.Config.Metrics.Addr, rt.Registry, healthy)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}()
	logger.Info("metrics server listening", zap.String("addr", srv.Addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// Main 供 main 函数调用，出错时以非零码退出
func Main(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
