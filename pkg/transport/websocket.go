package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultGreeting 连接建立后发给 agent 的第一帧
const DefaultGreeting = "Connected to PA server."

// DialOptions 控制 websocket 连接
type DialOptions struct {
	Greeting string // 非空时在 open 后立刻发送一个文本帧
	Header   http.Header
	Dialer   *websocket.Dialer
	Logger   *zap.Logger
}

// WebSocketStream 把 gorilla/websocket 连接转换为事件通道
type WebSocketStream struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// DialWebSocket 建立连接并开始读取。拨号失败直接返回错误，由调用方当作传输错误处理。
func DialWebSocket(ctx context.Context, rawURL string, opts DialOptions) (*WebSocketStream, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	if opts.Greeting != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(opts.Greeting)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("send greeting: %w", err)
		}
	}

	s := &WebSocketStream{
		conn:   conn,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.readLoop()
	return s, nil
}

func (s *WebSocketStream) Events() <-chan Event { return s.events }

// Close 发送 close 帧并断开，之后不再投递事件
func (s *WebSocketStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *WebSocketStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *WebSocketStream) readLoop() {
	defer close(s.events)
	if !s.emit(Event{Type: EventOpen}) {
		return
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// 自己关闭的，不算错误
				return
			default:
			}
			ev := classify(err)
			s.logger.Debug("websocket read ended", zap.Stringer("event", ev.Type), zap.Error(err))
			s.emit(ev)
			return
		}
		if !s.emit(Event{Type: EventMessage, Data: data}) {
			return
		}
	}
}

// classify 区分正常关闭和传输错误：收到 close 帧就是正常关闭 (不管 code)，
// 只有 1006 (连接异常断开) 和读错误算传输错误
func classify(err error) Event {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		return Event{Type: EventClose}
	}
	return Event{Type: EventError, Err: err}
}

// LogStreamURL 拼出日志代理的 follow 地址: <proxy>/jobs/<jid>/logs=follow=1
func LogStreamURL(proxy, jid string) string {
	return strings.TrimRight(proxy, "/") + "/jobs/" + url.PathEscape(jid) + "/logs=follow=1"
}

// WebSocketLogs 返回基于日志代理的 Opener
func WebSocketLogs(proxy string, opts DialOptions) Opener {
	return func(ctx context.Context, jid string) (Stream, error) {
		s, err := DialWebSocket(ctx, LogStreamURL(proxy, jid), opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
