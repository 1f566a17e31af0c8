package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Archive 返回某个任务的完整历史日志
type Archive interface {
	Fetch(ctx context.Context, jid string) (string, error)
}

// StatusError 归档服务返回的非 2xx 响应
type StatusError struct {
	Code int
	Text string // 状态描述，例如 "Not Found"
}

// Message 状态码对应的说明
func (e *StatusError) Message() string {
	switch e.Code {
	case http.StatusNotFound:
		return "Job not found"
	case http.StatusInternalServerError:
		return "Remote server error"
	default:
		return "Unexpected response"
	}
}

// Error 格式: "<code>: <message> <status text>"
func (e *StatusError) Error() string {
	return fmt.Sprintf("%d: %s %s", e.Code, e.Message(), e.Text)
}

// Describe 把拉取失败转成显示在日志区的一行文字
func Describe(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Error()
	}
	return err.Error()
}

func statusError(code int) *StatusError {
	return &StatusError{Code: code, Text: http.StatusText(code)}
}
