package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigil/internal/app"
	"vigil/internal/config"
	"vigil/internal/jobstate"
	"vigil/internal/logging"
	"vigil/internal/relay"

	"go.uber.org/zap"
)

func main() {
	// 1. 配置 + 日志
	cfg, _, err := config.Parse("vigil-relay", os.Args[1:], nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	err = run(cfg, logger)
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// 2. 组装组件 (依赖注入)
	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("init failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 推送通道 (后台运行)
	jobsDone := make(chan error, 1)
	go func() { jobsDone <- a.RunJobs(ctx) }()

	srv := relay.New(ctx, a.Jobs, a.NewLogTail, logger)
	server := &http.Server{
		Addr:        cfg.Relay.Listen,
		Handler:     srv.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 15 * time.Second,
		ErrorLog:    zap.NewStdLog(logger.Named("http")),
	}
	// Shutdown 等待所有连接结束，SSE 连接要靠关掉订阅来结束
	server.RegisterOnShutdown(func() {
		cancel()
		a.Jobs.Close()
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay is ready to handle requests", zap.String("addr", cfg.Relay.Listen))
		serveErr <- server.ListenAndServe()
	}()

	// 4. 优雅退出 (Graceful Shutdown)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var result error
	select {
	case <-quit:
		logger.Info("relay is shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("could not listen", zap.String("addr", cfg.Relay.Listen), zap.Error(err))
			return err
		}
	case err := <-jobsDone:
		var pe *jobstate.ParseError
		if errors.As(err, &pe) {
			// 上游契约坏了，直接退出
			logger.Error("agent sent a malformed snapshot", zap.Error(err))
			result = err
			break
		}
		// 通道断开后继续提供最后一次快照
		logger.Warn("job state channel ended", zap.Error(err))
		select {
		case <-quit:
		case err := <-serveErr:
			result = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	server.SetKeepAlivesEnabled(false)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("could not gracefully shutdown the server", zap.Error(err))
	}
	srv.Wait()
	logger.Info("relay stopped")
	return result
}
