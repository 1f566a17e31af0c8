package archive

import (
	"context"
	"errors"
	"net/http"

	"vigil/pkg/store"
)

// LogReader 只需要 store.Store 的读日志部分
type LogReader interface {
	GetJobLog(ctx context.Context, jid string) (string, error)
}

// Etcd 从 /vigil/logs/<jid> 读日志，key 不存在等同 404
type Etcd struct {
	Logs LogReader
}

func (a *Etcd) Fetch(ctx context.Context, jid string) (string, error) {
	text, err := a.Logs.GetJobLog(ctx, jid)
	if errors.Is(err, store.ErrNotFound) {
		return "", statusError(http.StatusNotFound)
	}
	return text, err
}
