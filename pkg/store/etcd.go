package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vigil/pkg/model"
	"vigil/pkg/transport"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// 定义 Key 的前缀 (Schema Design)
const (
	AgentKeyPrefix = "/vigil/agents/"
	LogKeyPrefix   = "/vigil/logs/"
)

// SnapshotKey 某个 agent 的快照 key
func SnapshotKey(agentID string) string {
	return AgentKeyPrefix + agentID + "/snapshot"
}

// LogKey 某个任务的日志 key
func LogKey(jid string) string {
	return LogKeyPrefix + jid
}

// logRecord 日志在 etcd 里的存储格式
type logRecord struct {
	JobID   string `json:"job_id"`
	Content string `json:"content"`
}

type EtcdManager struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdManager, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdManager{client: cli, logger: logger.Named("etcd")}, nil
}

// Close 关闭连接
func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// 快照相关实现
// ---------------------------------------------------------

func (e *EtcdManager) PublishSnapshot(ctx context.Context, agentID string, snap *model.Snapshot) error {
	return e.putValue(ctx, SnapshotKey(agentID), snap)
}

// DeleteSnapshot agent 退出时删除快照，watch 的一方会收到正常关闭
func (e *EtcdManager) DeleteSnapshot(ctx context.Context, agentID string) error {
	_, err := e.client.Delete(ctx, SnapshotKey(agentID))
	return err
}

// WatchSnapshots 把 Etcd 的 Watch 转换为事件通道：
// 先 Get 当前值，再从下一个 revision 开始 Watch，保证不丢也不重。
func (e *EtcdManager) WatchSnapshots(ctx context.Context, agentID string) transport.Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &watchStream{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan transport.Event, 16),
	}
	key := SnapshotKey(agentID)

	go func() {
		defer close(s.events)

		// 1. 当前值
		resp, err := e.client.Get(ctx, key)
		if err != nil {
			s.emit(transport.Event{Type: transport.EventError, Err: fmt.Errorf("get %s: %w", key, err)})
			return
		}
		if !s.emit(transport.Event{Type: transport.EventOpen}) {
			return
		}
		if len(resp.Kvs) > 0 {
			if !s.emit(transport.Event{Type: transport.EventMessage, Data: resp.Kvs[0].Value}) {
				return
			}
		}

		// 2. 后续变化
		watchChan := e.client.Watch(ctx, key, clientv3.WithRev(resp.Header.Revision+1))
		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				s.emit(transport.Event{Type: transport.EventError, Err: fmt.Errorf("watch %s: %w", key, err)})
				return
			}
			for _, ev := range watchResp.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					if !s.emit(transport.Event{Type: transport.EventMessage, Data: ev.Kv.Value}) {
						return
					}
				case clientv3.EventTypeDelete:
					// agent 退出时会删掉自己的快照
					e.logger.Info("snapshot deleted, agent gone", zap.String("agent", agentID))
					s.emit(transport.Event{Type: transport.EventClose})
					return
				}
			}
		}

		// watchChan 关闭：要么我们取消了，要么 client 被关了
		s.emit(transport.Event{Type: transport.EventClose})
	}()

	return s
}

type watchStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan transport.Event
}

func (s *watchStream) Events() <-chan transport.Event { return s.events }

func (s *watchStream) Close() error {
	s.cancel()
	return nil
}

func (s *watchStream) emit(ev transport.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return err
}

// ---------------------------------------------------------
// Log 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) SaveJobLog(ctx context.Context, jid string, logs string) error {
	return e.putValue(ctx, LogKey(jid), logRecord{JobID: jid, Content: logs})
}

func (e *EtcdManager) GetJobLog(ctx context.Context, jid string) (string, error) {
	resp, err := e.client.Get(ctx, LogKey(jid))
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("log for job %s: %w", jid, ErrNotFound)
	}
	return decodeLogRecord(resp.Kvs[0].Value)
}

func decodeLogRecord(raw []byte) (string, error) {
	var rec logRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("decode log record: %w", err)
	}
	return rec.Content, nil
}
