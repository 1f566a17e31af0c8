package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vigil/internal/app"
	"vigil/internal/config"
	"vigil/internal/logging"
	"vigil/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

func main() {
	// --- 1. 配置 ---
	var jid string
	cfg, _, err := config.Parse("vigil", os.Args[1:], func(fs *flag.FlagSet) {
		fs.StringVar(&jid, "job", "", "open the log view for this job id directly")
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	// 界面占着终端，日志默认写文件
	if cfg.Log.File == "" {
		cfg.Log.File = "vigil.log"
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	// --- 2. 组装 ---
	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("init failed", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := tui.Deps{NewTail: a.NewLogTail}
	if jid == "" {
		deps.Jobs = a.Jobs
		deps.RunJobs = a.RunJobs
	}

	// --- 3. 运行界面 ---
	final, err := tea.NewProgram(tui.New(ctx, deps, jid), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() == nil {
		logger.Error("ui stopped", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if m, ok := final.(tui.Model); ok && m.Err() != nil {
		fmt.Fprintln(os.Stderr, "vigil:", m.Err())
		os.Exit(1)
	}
}
