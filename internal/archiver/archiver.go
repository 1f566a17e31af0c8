package archiver

import (
	"context"
	"errors"
	"sync"

	"vigil/internal/jobstate"
	"vigil/pkg/archive"
	"vigil/pkg/transport"

	"go.uber.org/zap"
)

// LogSink 只需要 store.Store 的写日志部分
type LogSink interface {
	SaveJobLog(ctx context.Context, jid string, logs string) error
}

// Archiver 跟着任务表走，任务一结束就把它的完整日志存进归档，
// 之后 dashboard 的回退拉取就能读到。
type Archiver struct {
	source archive.Archive
	sink   LogSink
	logger *zap.Logger

	// 并发控制通道 (信号量)
	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	handled  map[string]bool
	archived int
}

func New(source archive.Archive, sink LogSink, concurrency int, logger *zap.Logger) *Archiver {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Archiver{
		source:  source,
		sink:    sink,
		logger:  logger.Named("archiver"),
		sem:     make(chan struct{}, concurrency),
		handled: make(map[string]bool),
	}
}

// Run 消费 View 直到通道关闭或 ctx 取消，返回前等待进行中的归档完成
func (a *Archiver) Run(ctx context.Context, views <-chan jobstate.View) {
	defer a.wg.Wait()
	a.logger.Info("waiting for finished jobs")
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-views:
			if !ok {
				return
			}
			a.Scan(ctx, v)
		}
	}
}

// Scan 对 View 里所有已结束且还没处理过的任务启动归档
func (a *Archiver) Scan(ctx context.Context, v jobstate.View) {
	for _, row := range v.Rows {
		if !row.Bucket.Finished() || !a.claim(row.JID) {
			continue
		}
		a.logger.Debug("job finished", zap.String("jid", row.JID), zap.String("bucket", string(row.Bucket)))
		a.wg.Add(1)
		go a.archive(ctx, row.JID)
	}
}

// Wait 等待已启动的归档全部结束
func (a *Archiver) Wait() { a.wg.Wait() }

// Archived 成功写入的日志条数
func (a *Archiver) Archived() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archived
}

func (a *Archiver) claim(jid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handled[jid] {
		return false
	}
	a.handled[jid] = true
	return true
}

// release 归档失败时放回去，下一次快照会再试
func (a *Archiver) release(jid string) {
	a.mu.Lock()
	delete(a.handled, jid)
	a.mu.Unlock()
}

func (a *Archiver) archive(ctx context.Context, jid string) {
	defer a.wg.Done()
	select {
	case a.sem <- struct{}{}: // 获取令牌
	case <-ctx.Done():
		a.release(jid)
		return
	}
	defer func() { <-a.sem }() // 释放令牌

	// 1. 读完整日志
	text, err := a.source.Fetch(ctx, jid)
	if err != nil {
		if errors.Is(err, transport.ErrContainerNotFound) {
			// 不是本机跑的任务
			a.logger.Debug("no container for job", zap.String("jid", jid))
			return
		}
		a.logger.Warn("fetch job log failed", zap.String("jid", jid), zap.Error(err))
		a.release(jid)
		return
	}

	// 2. 空日志不上传
	if text == "" {
		return
	}

	// 3. 写入归档
	if err := a.sink.SaveJobLog(ctx, jid, text); err != nil {
		a.logger.Warn("save job log failed", zap.String("jid", jid), zap.Error(err))
		a.release(jid)
		return
	}
	a.mu.Lock()
	a.archived++
	a.mu.Unlock()
	a.logger.Info("job log archived", zap.String("jid", jid), zap.Int("bytes", len(text)))
}
