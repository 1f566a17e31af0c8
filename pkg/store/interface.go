package store

import (
	"context"
	"errors"

	"vigil/pkg/model"
	"vigil/pkg/transport"
)

// ErrNotFound key 不存在
var ErrNotFound = errors.New("not found")

// Store 定义 dashboard 对 etcd 的全部需求。
// 任何实现了这个接口的 Struct 都可以作为快照来源 / 日志归档注入进来。
type Store interface {
	// --- 快照相关 ---

	// PublishSnapshot agent 侧写入最新快照
	PublishSnapshot(ctx context.Context, agentID string, snap *model.Snapshot) error

	// DeleteSnapshot agent 下线
	DeleteSnapshot(ctx context.Context, agentID string) error

	// WatchSnapshots 监听快照变化，每次 Put 是一条 EventMessage
	WatchSnapshots(ctx context.Context, agentID string) transport.Stream

	// --- 日志相关 ---

	SaveJobLog(ctx context.Context, jid string, logs string) error
	GetJobLog(ctx context.Context, jid string) (string, error)
}
