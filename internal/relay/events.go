package relay

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// sseWriter 一条 SSE 事件就是 "event: ...\ndata: <json>\n\n"
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSE(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) send(event string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// jobEvents 先发当前 View，之后每次变化再发一条。
// 慢的客户端会错过中间状态，只会看到最新的。
func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request) {
	ch, cancel := s.jobs.Subscribe()
	defer cancel()

	sse, ok := newSSE(w)
	if !ok {
		return
	}
	id := uuid.NewString()
	logger := s.logger.With(zap.String("subscriber", id))
	logger.Debug("job events subscribed")
	defer logger.Debug("job events unsubscribed")

	if err := sse.send("jobs", s.jobs.View()); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.send("jobs", v); err != nil {
				return
			}
		}
	}
}

// jobLogEvents 推送日志视图直到控制器进入终止状态。
// 连接期间控制器不会因为空闲被拆掉。
func (s *Server) jobLogEvents(w http.ResponseWriter, r *http.Request) {
	jid := mux.Vars(r)["jid"]
	e := s.acquire(jid)
	defer s.release(jid, e)
	c := e.c
	ch, cancel := c.Subscribe()
	defer cancel()

	sse, ok := newSSE(w)
	if !ok {
		return
	}
	id := uuid.NewString()
	logger := s.logger.With(zap.String("subscriber", id), zap.String("jid", c.JID()))
	logger.Debug("log events subscribed")

	v := c.View()
	if err := sse.send("log", v); err != nil || v.State.Terminal() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.send("log", v); err != nil {
				return
			}
			if v.State.Terminal() {
				return
			}
		}
	}
}
