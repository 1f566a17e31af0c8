package transport

import (
	"context"
	"errors"
	"io"
	"sync"
)

// EventType 对应浏览器里 open/message/error/close 四种事件
type EventType int

const (
	EventOpen EventType = iota
	EventMessage
	EventError
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event 是连接上发生的一次事件
type Event struct {
	Type EventType
	Data []byte // 仅 EventMessage
	Err  error  // 仅 EventError
}

// Stream 把回调式的连接统一成一个事件通道。
// 约定：最多一个终止事件 (EventError 或 EventClose)，之后通道关闭；
// 调用方主动 Close 之后不再投递任何事件。
type Stream interface {
	Events() <-chan Event
	Close() error
}

// Opener 为某个 jid 打开日志流
type Opener func(ctx context.Context, jid string) (Stream, error)

// readerStream 把一个 io.ReadCloser 按块转成事件
type readerStream struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}
	once   sync.Once
}

const chunkSize = 32 * 1024

// NewReaderStream 逐块读取 rc：每次 Read 一个 EventMessage，EOF 时 EventClose，
// 其他错误 EventError。cancel 会在 Close 时调用，可以为 nil。
func NewReaderStream(rc io.ReadCloser, cancel context.CancelFunc) Stream {
	s := &readerStream{
		rc:     rc,
		cancel: cancel,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *readerStream) Events() <-chan Event { return s.events }

func (s *readerStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		err = s.rc.Close()
	})
	return err
}

func (s *readerStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *readerStream) readLoop() {
	defer close(s.events)
	if !s.emit(Event{Type: EventOpen}) {
		return
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := s.rc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !s.emit(Event{Type: EventMessage, Data: chunk}) {
				return
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			s.emit(Event{Type: EventClose})
		} else {
			s.emit(Event{Type: EventError, Err: err})
		}
		return
	}
}

// Failed 返回一个只投递一条 EventError 的流，用来把打开失败当作普通传输错误处理
func Failed(err error) Stream {
	events := make(chan Event, 1)
	events <- Event{Type: EventError, Err: err}
	close(events)
	return failedStream(events)
}

type failedStream chan Event

func (s failedStream) Events() <-chan Event { return s }
func (s failedStream) Close() error         { return nil }
