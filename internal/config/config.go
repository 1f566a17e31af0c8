package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"vigil/pkg/transport"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// 快照来源 / 日志流 / 归档 的可选实现
const (
	SourceWebSocket = "ws"
	SourceEtcd      = "etcd"
	StreamWebSocket = "ws"
	StreamDocker    = "docker"
	ArchiveHTTP     = "http"
	ArchiveEtcd     = "etcd"
)

type Agent struct {
	URL      string `yaml:"url"`      // 推送通道地址 ws(s)://<host>/ws
	Greeting string `yaml:"greeting"` // open 后发送的第一帧
	Source   string `yaml:"source"`   // ws | etcd
	ID       string `yaml:"id"`       // etcd 来源时的 agent id
}

type Logs struct {
	ProxyURL   string `yaml:"proxy_url"`   // 日志流代理
	ArchiveURL string `yaml:"archive_url"` // 归档服务
	Stream     string `yaml:"stream"`      // ws | docker
	Archive    string `yaml:"archive"`     // http | etcd
}

type Etcd struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type Docker struct {
	APIVersion string `yaml:"api_version"`
}

type Relay struct {
	Listen string `yaml:"listen"`
}

type HTTP struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Log struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"dev"`
	File  string `yaml:"file"` // 为空时写 stderr
}

type Config struct {
	Agent  Agent  `yaml:"agent"`
	Logs   Logs   `yaml:"logs"`
	Etcd   Etcd   `yaml:"etcd"`
	Docker Docker `yaml:"docker"`
	Relay  Relay  `yaml:"relay"`
	HTTP   HTTP   `yaml:"http"`
	Log    Log    `yaml:"log"`
}

// Default 默认值，本地开发环境
func Default() *Config {
	return &Config{
		Agent: Agent{
			URL:      "ws://localhost:8666/ws",
			Greeting: transport.DefaultGreeting,
			Source:   SourceWebSocket,
		},
		Logs: Logs{
			ProxyURL:   "ws://localhost:8667",
			ArchiveURL: "http://localhost:8668/v1/jobs/logs",
			Stream:     StreamWebSocket,
			Archive:    ArchiveHTTP,
		},
		Etcd: Etcd{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
		},
		Docker: Docker{APIVersion: "1.44"},
		Relay:  Relay{Listen: ":8080"},
		HTTP:   HTTP{Timeout: 10 * time.Second},
		Log:    Log{Level: "info"},
	}
}

// Load 读取 YAML 配置并覆盖默认值；path 为空时只用默认值
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 检查枚举值和必填项
func (c *Config) Validate() error {
	var err error
	switch c.Agent.Source {
	case SourceWebSocket:
		if c.Agent.URL == "" {
			err = multierr.Append(err, errors.New("agent.url is required for the ws source"))
		}
	case SourceEtcd:
		if c.Agent.ID == "" {
			err = multierr.Append(err, errors.New("agent.id is required for the etcd source"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("agent.source: unknown value %q", c.Agent.Source))
	}
	switch c.Logs.Stream {
	case StreamWebSocket, StreamDocker:
	default:
		err = multierr.Append(err, fmt.Errorf("logs.stream: unknown value %q", c.Logs.Stream))
	}
	switch c.Logs.Archive {
	case ArchiveHTTP, ArchiveEtcd:
	default:
		err = multierr.Append(err, fmt.Errorf("logs.archive: unknown value %q", c.Logs.Archive))
	}
	if c.NeedsEtcd() && len(c.Etcd.Endpoints) == 0 {
		err = multierr.Append(err, errors.New("etcd.endpoints is empty"))
	}
	return err
}

// NeedsEtcd 是否有组件使用 etcd
func (c *Config) NeedsEtcd() bool {
	return c.Agent.Source == SourceEtcd || c.Logs.Archive == ArchiveEtcd
}

// RegisterFlags 把常用配置项注册成命令行参数，当前值作为默认值
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Agent.URL, "agent", c.Agent.URL, "job state push channel URL")
	fs.StringVar(&c.Agent.Source, "source", c.Agent.Source, "snapshot source: ws or etcd")
	fs.StringVar(&c.Agent.ID, "agent-id", c.Agent.ID, "agent id (etcd source)")
	fs.StringVar(&c.Logs.ProxyURL, "log-proxy", c.Logs.ProxyURL, "log streaming proxy URL")
	fs.StringVar(&c.Logs.ArchiveURL, "log-archive", c.Logs.ArchiveURL, "log archive base URL")
	fs.StringVar(&c.Logs.Stream, "log-stream", c.Logs.Stream, "log stream transport: ws or docker")
	fs.StringVar(&c.Logs.Archive, "archive", c.Logs.Archive, "log archive backend: http or etcd")
	fs.Func("etcd", "comma-separated etcd endpoints", func(v string) error {
		c.Etcd.Endpoints = splitList(v)
		return nil
	})
	fs.StringVar(&c.Relay.Listen, "listen", c.Relay.Listen, "relay listen address")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level")
	fs.BoolVar(&c.Log.Dev, "log-dev", c.Log.Dev, "development logging")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "write logs to this file")
}

// Parse 先找 -config 读文件，再用命令行覆盖。extra 用来注册子命令自己的参数。
func Parse(name string, args []string, extra func(fs *flag.FlagSet)) (*Config, *flag.FlagSet, error) {
	cfg, err := Load(configPath(args))
	if err != nil {
		return nil, nil, err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", "", "path to YAML config file")
	cfg.RegisterFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, fs, nil
}

// configPath 预先扫描 -config/--config，值可以是下一个参数或 = 之后的部分
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if v := os.Getenv("VIGIL_CONFIG"); v != "" {
		return v
	}
	return ""
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
