package jobstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"vigil/internal/broadcast"
	"vigil/pkg/model"
	"vigil/pkg/transport"

	"go.uber.org/zap"
)

// Link 推送通道的连接状态
type Link string

const (
	LinkConnecting Link = "connecting"
	LinkOpen       Link = "open"
	LinkClosed     Link = "closed"
	LinkError      Link = "error"
)

// ErrMissingJobs 推送内容是合法 JSON 但没有 jobs 对象
var ErrMissingJobs = errors.New(`snapshot has no "jobs" object`)

// ParseError 推送内容无法解析成快照。这是上游契约问题，不做局部渲染。
type ParseError struct {
	Payload []byte
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed snapshot payload: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Store 持有最近一次收到的快照。Run 所在的 goroutine 是唯一的写者。
type Store struct {
	logger *zap.Logger
	now    func() time.Time

	mu   sync.RWMutex
	snap *model.Snapshot
	view View

	hub *broadcast.Hub[View]
}

func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger: logger.Named("jobstate"),
		now:    time.Now,
		view:   View{Link: LinkConnecting},
		hub:    broadcast.New[View](),
	}
}

// Apply 解析一条推送并整体替换当前快照 (后写覆盖)。
// 解析失败时返回 *ParseError，旧快照保持不变。
func (s *Store) Apply(payload []byte) error {
	var snap model.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return &ParseError{Payload: payload, Err: err}
	}
	// null、缺少 jobs 或 jobs 为 null 都不是合法快照
	if snap.Jobs == nil {
		return &ParseError{Payload: payload, Err: ErrMissingJobs}
	}

	v := Derive(&snap)
	if dups := duplicateIndexes(v.Rows); len(dups) > 0 {
		s.logger.Warn("snapshot has duplicate job indexes", zap.Ints("indexes", dups))
	}

	s.mu.Lock()
	v.Link = s.view.Link
	v.LinkErr = s.view.LinkErr
	v.Received = s.now()
	s.snap = &snap
	s.view = v
	s.mu.Unlock()

	s.logger.Debug("snapshot applied",
		zap.Int("rows", len(v.Rows)),
		zap.Int("queue", v.Queue),
		zap.Int("total", v.Total))
	s.hub.Publish(v)
	return nil
}

// Run 消费推送通道直到结束。
// 解析错误是致命的，原样返回；传输错误包装后返回；正常关闭返回 nil。
// 无论哪种情况，最后一次成功的快照都保留着。
func (s *Store) Run(ctx context.Context, stream transport.Stream) error {
	defer stream.Close()

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			s.setLink(LinkClosed, nil)
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				s.setLink(LinkClosed, nil)
				return nil
			}
			switch ev.Type {
			case transport.EventOpen:
				s.logger.Info("job state channel open")
				s.setLink(LinkOpen, nil)
			case transport.EventMessage:
				if err := s.Apply(ev.Data); err != nil {
					s.logger.Error("dropping job state channel", zap.Error(err))
					s.setLink(LinkError, err)
					return err
				}
			case transport.EventError:
				s.logger.Warn("job state channel failed", zap.Error(ev.Err))
				s.setLink(LinkError, ev.Err)
				return fmt.Errorf("job state channel: %w", ev.Err)
			case transport.EventClose:
				s.logger.Info("agent disconnected")
				s.setLink(LinkClosed, nil)
				return nil
			}
		}
	}
}

func (s *Store) setLink(l Link, err error) {
	s.mu.Lock()
	s.view.Link = l
	s.view.LinkErr = ""
	if err != nil {
		s.view.LinkErr = err.Error()
	}
	v := s.view
	s.mu.Unlock()
	s.hub.Publish(v)
}

// View 返回当前渲染数据；还没收到任何快照时 HasData 为 false
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Snapshot 返回最近一次快照，没有时返回 nil
func (s *Store) Snapshot() *model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe 每次快照或连接状态变化后收到新的 View
func (s *Store) Subscribe() (<-chan View, func()) {
	return s.hub.Subscribe()
}

// Close 结束所有订阅
func (s *Store) Close() {
	s.hub.Close()
}
