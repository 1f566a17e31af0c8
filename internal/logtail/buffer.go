package logtail

import (
	"strings"
	"unicode/utf8"
)

// Buffer 一个任务页面的日志文本，流式阶段只追加
type Buffer struct {
	b strings.Builder
}

// Append 去掉首尾空白后追加；空块不追加。
// 块之间补一个换行，上游页面是直接拼接的，那样会把两块粘成一行。
func (buf *Buffer) Append(chunk []byte) bool {
	text := strings.TrimSpace(decode(chunk))
	if text == "" {
		return false
	}
	if buf.b.Len() > 0 {
		buf.b.WriteByte('\n')
	}
	buf.b.WriteString(text)
	return true
}

// Replace 整体替换 (归档结果或错误行)
func (buf *Buffer) Replace(text string) {
	buf.b.Reset()
	buf.b.WriteString(text)
}

func (buf *Buffer) String() string { return buf.b.String() }

func (buf *Buffer) Len() int { return buf.b.Len() }

// decode 按 UTF-8 解码，非法字节替换成 U+FFFD
func decode(chunk []byte) string {
	if utf8.Valid(chunk) {
		return string(chunk)
	}
	return strings.ToValidUTF8(string(chunk), "\uFFFD")
}
