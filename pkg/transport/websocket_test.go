package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func newWSServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, s Stream) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not finish, got %d events", len(out))
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestWebSocketGreetingAndCleanClose(t *testing.T) {
	greeting := make(chan string, 1)
	srv := newWSServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read greeting: %v", err)
			return
		}
		greeting <- string(msg)
		_ = conn.WriteMessage(websocket.TextMessage, []byte("a\n"))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("b\n"))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_, _, _ = conn.ReadMessage()
	})

	s, err := DialWebSocket(context.Background(), wsURL(srv), DialOptions{Greeting: DefaultGreeting})
	assert.NilError(t, err)
	defer s.Close()

	events := collect(t, s)
	assert.Equal(t, <-greeting, DefaultGreeting)
	assert.DeepEqual(t, eventTypes(events), []EventType{EventOpen, EventMessage, EventMessage, EventClose})
	assert.Equal(t, string(events[1].Data), "a\n")
	assert.Equal(t, string(events[2].Data), "b\n")
}

func TestWebSocketAbruptDisconnectIsError(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("partial"))
		// 不发 close 帧直接断开
		_ = conn.UnderlyingConn().Close()
	})

	s, err := DialWebSocket(context.Background(), wsURL(srv), DialOptions{})
	assert.NilError(t, err)
	defer s.Close()

	events := collect(t, s)
	assert.Assert(t, is.Len(events, 3))
	assert.Equal(t, events[2].Type, EventError)
	assert.Assert(t, events[2].Err != nil)
}

func TestWebSocketCloseWithErrorCodeIsClose(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("line 1"))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "job ended"))
		_, _, _ = conn.ReadMessage()
	})

	s, err := DialWebSocket(context.Background(), wsURL(srv), DialOptions{})
	assert.NilError(t, err)
	defer s.Close()

	events := collect(t, s)
	assert.DeepEqual(t, eventTypes(events), []EventType{EventOpen, EventMessage, EventClose})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want EventType
	}{
		{"normal", &websocket.CloseError{Code: websocket.CloseNormalClosure}, EventClose},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, EventClose},
		{"server error", &websocket.CloseError{Code: websocket.CloseInternalServerErr}, EventClose},
		{"application code", &websocket.CloseError{Code: 4001}, EventClose},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, EventError},
		{"read error", errors.New("read tcp: connection reset by peer"), EventError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := classify(tc.err)
			assert.Equal(t, ev.Type, tc.want)
			if tc.want == EventError {
				assert.Assert(t, ev.Err != nil)
			}
		})
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := DialWebSocket(context.Background(), wsURL(srv), DialOptions{})
	assert.ErrorContains(t, err, "http 404")
}

func TestWebSocketCloseStopsDelivery(t *testing.T) {
	release := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn) {
		<-release
	})
	defer close(release)

	s, err := DialWebSocket(context.Background(), wsURL(srv), DialOptions{})
	assert.NilError(t, err)
	assert.NilError(t, s.Close())

	for ev := range s.Events() {
		assert.Assert(t, ev.Type == EventOpen, "unexpected event after close: %v", ev.Type)
	}
}

func TestLogStreamURL(t *testing.T) {
	assert.Equal(t, LogStreamURL("wss://proxy.example/", "abc"), "wss://proxy.example/jobs/abc/logs=follow=1")
	assert.Equal(t, LogStreamURL("ws://p", "a b"), "ws://p/jobs/a%20b/logs=follow=1")
}
