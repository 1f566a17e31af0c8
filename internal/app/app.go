package app

import (
	"context"
	"fmt"
	"net/http"

	"vigil/internal/config"
	"vigil/internal/jobstate"
	"vigil/internal/logtail"
	"vigil/pkg/archive"
	"vigil/pkg/store"
	"vigil/pkg/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// App 按配置组装两个核心组件需要的传输句柄 (依赖注入)
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Session string

	Jobs    *jobstate.Store
	Opener  transport.Opener
	Archive archive.Archive

	etcd   *store.EtcdManager
	docker *transport.DockerLogs
	dialer *websocket.Dialer
}

type options struct {
	etcd   bool
	docker bool
}

// Option 强制创建某个后端，不管配置里有没有用到
type Option func(*options)

func WithEtcd() Option   { return func(o *options) { o.etcd = true } }
func WithDocker() Option { return func(o *options) { o.docker = true } }

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	session := uuid.NewString()
	logger = logger.With(zap.String("session", session))
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Session: session,
		Jobs:    jobstate.NewStore(logger),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HTTP.Timeout,
		},
	}

	// 1. etcd
	if o.etcd || cfg.NeedsEtcd() {
		em, err := store.NewEtcdManager(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("connect etcd: %w", err)
		}
		a.etcd = em
	}

	// 2. docker
	if o.docker || cfg.Logs.Stream == config.StreamDocker {
		dl, err := transport.NewDockerLogs(cfg.Docker.APIVersion, logger)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("init docker client: %w", err), a.Close())
		}
		a.docker = dl
	}

	// 3. 日志流
	switch cfg.Logs.Stream {
	case config.StreamDocker:
		a.Opener = a.docker.Open
	default:
		a.Opener = transport.WebSocketLogs(cfg.Logs.ProxyURL, a.dialOptions(""))
	}

	// 4. 归档
	switch cfg.Logs.Archive {
	case config.ArchiveEtcd:
		a.Archive = &archive.Etcd{Logs: a.etcd}
	default:
		a.Archive = &archive.HTTP{
			BaseURL: cfg.Logs.ArchiveURL,
			Client:  &http.Client{Timeout: cfg.HTTP.Timeout},
		}
	}

	logger.Info("app ready",
		zap.String("source", cfg.Agent.Source),
		zap.String("stream", cfg.Logs.Stream),
		zap.String("archive", cfg.Logs.Archive))
	return a, nil
}

func (a *App) dialOptions(greeting string) transport.DialOptions {
	return transport.DialOptions{
		Greeting: greeting,
		Dialer:   a.dialer,
		Logger:   a.Logger,
	}
}

// OpenSnapshots 打开快照推送通道
func (a *App) OpenSnapshots(ctx context.Context) (transport.Stream, error) {
	if a.Config.Agent.Source == config.SourceEtcd {
		return a.etcd.WatchSnapshots(ctx, a.Config.Agent.ID), nil
	}
	return transport.DialWebSocket(ctx, a.Config.Agent.URL, a.dialOptions(a.Config.Agent.Greeting))
}

// RunJobs 打开推送通道并交给 JobStateStore 消费，直到通道结束
func (a *App) RunJobs(ctx context.Context) error {
	stream, err := a.OpenSnapshots(ctx)
	if err != nil {
		stream = transport.Failed(err)
	}
	return a.Jobs.Run(ctx, stream)
}

// NewLogTail 为某个任务创建日志控制器，调用方负责 Run
func (a *App) NewLogTail(jid string) *logtail.Controller {
	return logtail.New(jid, a.Opener, a.Archive, a.Logger)
}

// Etcd 配置或 Option 没要求时为 nil
func (a *App) Etcd() *store.EtcdManager { return a.etcd }

// Docker 配置或 Option 没要求时为 nil
func (a *App) Docker() *transport.DockerLogs { return a.docker }

// Close 释放所有句柄，错误合并返回
func (a *App) Close() error {
	var err error
	if a.Jobs != nil {
		a.Jobs.Close()
	}
	if a.docker != nil {
		err = multierr.Append(err, a.docker.Close())
	}
	if a.etcd != nil {
		err = multierr.Append(err, a.etcd.Close())
	}
	return err
}
