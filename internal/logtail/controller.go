package logtail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"vigil/internal/broadcast"
	"vigil/pkg/archive"
	"vigil/pkg/transport"

	"go.uber.org/zap"
)

// State 日志视图的状态机
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateFallback
	StateLoaded // 归档拉取成功
	StateFailed // 归档拉取失败，缓冲区是一行错误说明
	StateClosed // 流正常关闭
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFallback:
		return "fallback"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal 终止状态之后缓冲区不再变化
func (s State) Terminal() bool {
	return s == StateLoaded || s == StateFailed || s == StateClosed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown log tail state %q", b)
}

// ErrStarted 同一个 Controller 只能 Run 一次
var ErrStarted = errors.New("log tail already started")

// View 给界面用的只读副本
type View struct {
	JID   string `json:"jid"`
	State State  `json:"state"`
	Text  string `json:"text"`
	// Empty 终止时没有任何输出 (例如流正常关闭但一行都没收到)
	Empty bool `json:"empty"`
}

// Controller 先尝试流式日志，传输出错时只做一次归档拉取。不重试。
type Controller struct {
	jid     string
	open    transport.Opener
	archive archive.Archive
	logger  *zap.Logger

	started atomic.Bool

	mu    sync.RWMutex
	state State
	buf   Buffer

	hub *broadcast.Hub[View]
}

func New(jid string, open transport.Opener, arch archive.Archive, logger *zap.Logger) *Controller {
	return &Controller{
		jid:     jid,
		open:    open,
		archive: arch,
		logger:  logger.Named("logtail").With(zap.String("jid", jid)),
		hub:     broadcast.New[View](),
	}
}

// Run 驱动状态机直到终止状态或 ctx 取消。
// 失败都体现在缓冲区里，只有 ctx 取消时返回错误。
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	defer c.hub.Close()

	// Idle -> Streaming
	c.transition(StateStreaming, nil)
	stream, err := c.open(ctx, c.jid)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.fallback(ctx, err)
	}
	defer stream.Close()

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.transition(StateClosed, nil)
				return nil
			}
			switch ev.Type {
			case transport.EventOpen:
				c.logger.Debug("connected to log stream")
			case transport.EventMessage:
				c.append(ev.Data)
			case transport.EventError:
				_ = stream.Close()
				return c.fallback(ctx, ev.Err)
			case transport.EventClose:
				c.logger.Debug("log stream closed")
				c.transition(StateClosed, nil)
				return nil
			}
		}
	}
}

// fallback Streaming -> Fallback -> Loaded | Failed
func (c *Controller) fallback(ctx context.Context, cause error) error {
	c.logger.Warn("log stream failed, reading archive instead", zap.Error(cause))
	c.transition(StateFallback, nil)

	text, err := c.archive.Fetch(ctx, c.jid)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("archive fetch failed", zap.Error(err))
		line := archive.Describe(err)
		c.transition(StateFailed, &line)
		return nil
	}

	// 归档是完整记录，丢掉流式阶段的部分内容
	text = strings.TrimSpace(text)
	c.transition(StateLoaded, &text)
	return nil
}

func (c *Controller) append(chunk []byte) {
	c.mu.Lock()
	if c.state != StateStreaming || !c.buf.Append(chunk) {
		c.mu.Unlock()
		return
	}
	v := c.viewLocked()
	c.mu.Unlock()
	c.hub.Publish(v)
}

// transition 切换状态；replace 非 nil 时整体替换缓冲区
func (c *Controller) transition(to State, replace *string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	if replace != nil {
		c.buf.Replace(*replace)
	}
	v := c.viewLocked()
	c.mu.Unlock()

	c.logger.Debug("state change", zap.Stringer("from", from), zap.Stringer("to", to))
	c.hub.Publish(v)
	if to.Terminal() {
		c.hub.Close()
	}
}

func (c *Controller) viewLocked() View {
	return View{
		JID:   c.jid,
		State: c.state,
		Text:  c.buf.String(),
		Empty: c.state.Terminal() && c.buf.Len() == 0,
	}
}

// JID 任务 id
func (c *Controller) JID() string { return c.jid }

// State 当前状态
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Text 当前缓冲区内容
func (c *Controller) Text() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buf.String()
}

// View 当前状态和缓冲区
func (c *Controller) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewLocked()
}

// Subscribe 每次缓冲区或状态变化后收到新的 View；进入终止状态或 Run 返回后通道关闭
func (c *Controller) Subscribe() (<-chan View, func()) {
	return c.hub.Subscribe()
}
