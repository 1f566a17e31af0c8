package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vigil/internal/app"
	"vigil/internal/archiver"
	"vigil/internal/config"
	"vigil/internal/logging"

	"go.uber.org/zap"
)

// vigil-archiver 跑在执行任务的机器上：任务结束后把容器日志写进 etcd 归档
func main() {
	var concurrency int
	cfg, _, err := config.Parse("vigil-archiver", os.Args[1:], func(fs *flag.FlagSet) {
		fs.IntVar(&concurrency, "c", 4, "max concurrent log uploads")
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	// 1. 连接 Etcd + Docker
	a, err := app.New(cfg, logger, app.WithEtcd(), app.WithDocker())
	if err != nil {
		logger.Fatal("init failed", zap.Error(err))
	}
	defer a.Close()

	// 2. 初始化 Archiver (依赖注入)
	arch := archiver.New(a.Docker(), a.Etcd(), concurrency, logger)
	views, unsubscribe := a.Jobs.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 启动 (后台运行)
	go func() {
		if err := a.RunJobs(ctx); err != nil && ctx.Err() == nil {
			logger.Error("job state channel ended", zap.Error(err))
		}
		cancel()
	}()
	done := make(chan struct{})
	go func() {
		arch.Run(ctx, views)
		close(done)
	}()

	// 4. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down archiver")
	cancel()
	<-done
	logger.Info("archiver stopped", zap.Int("archived", arch.Archived()))
}
