package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// ErrContainerNotFound 容器名 (jid) 不存在
var ErrContainerNotFound = errors.New("container not found")

// DockerLogs 以 follow 模式读取容器日志，容器名即 jid
type DockerLogs struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDockerLogs 初始化 Docker 客户端 (从环境变量或默认 socket 连接)
func NewDockerLogs(apiVersion string, logger *zap.Logger) (*DockerLogs, error) {
	opts := []client.Opt{client.FromEnv}
	if apiVersion != "" {
		opts = append(opts, client.WithVersion(apiVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &DockerLogs{cli: cli, logger: logger.Named("docker")}, nil
}

// Open 实现 Opener
func (d *DockerLogs) Open(ctx context.Context, jid string) (Stream, error) {
	// 1. 先看容器是否开了 TTY，开了的话日志不是多路复用格式
	info, err := d.cli.ContainerInspect(ctx, jid)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("container %s not found: %w", jid, err)
		}
		return nil, fmt.Errorf("inspect container %s: %w", jid, err)
	}
	tty := info.Config != nil && info.Config.Tty

	// 2. 拉日志 (follow)
	ctx, cancel := context.WithCancel(ctx)
	rc, err := d.cli.ContainerLogs(ctx, jid, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("container logs %s: %w", jid, err)
	}
	d.logger.Debug("following container logs", zap.String("jid", jid), zap.Bool("tty", tty))

	if tty {
		return NewReaderStream(rc, cancel), nil
	}

	// 3. stdcopy 拆分 stdout/stderr，两路都写进同一个管道
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		_ = pw.CloseWithError(err)
	}()
	return NewReaderStream(&pipeCloser{PipeReader: pr, src: rc}, cancel), nil
}

// Fetch 一次性读取容器到目前为止的全部日志 (不 follow)。
// 容器不存在时返回 404 语义的错误，由调用方决定怎么处理。
func (d *DockerLogs) Fetch(ctx context.Context, jid string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, jid)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("container %s: %w", jid, ErrContainerNotFound)
		}
		return "", fmt.Errorf("inspect container %s: %w", jid, err)
	}

	out, err := d.cli.ContainerLogs(ctx, jid, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("container logs %s: %w", jid, err)
	}
	defer out.Close()

	var buf bytes.Buffer
	if info.Config != nil && info.Config.Tty {
		_, err = io.Copy(&buf, out)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, out)
	}
	if err != nil {
		return "", fmt.Errorf("read logs %s: %w", jid, err)
	}
	return buf.String(), nil
}

// Close 释放 Docker 客户端
func (d *DockerLogs) Close() error {
	return d.cli.Close()
}

// pipeCloser 关闭时同时关掉 docker 的原始 reader，让 StdCopy 退出
type pipeCloser struct {
	*io.PipeReader
	src io.Closer
}

func (p *pipeCloser) Close() error {
	_ = p.src.Close()
	return p.PipeReader.Close()
}
