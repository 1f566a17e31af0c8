package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"vigil/internal/jobstate"
	"vigil/internal/logtail"
	"vigil/pkg/archive"
	"vigil/pkg/transport"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"
)

const snapshot = `{"jobs":{"acked":[{"index":1,"jid":"b","state":"RUNNING","created":1700000000,"spec":{"name":"two"}}],` +
	`"pending":[{"index":0,"jid":"a","state":"PENDING","created":1700000000,"spec":{"name":"one"}}]},` +
	`"queue":1,"total":2,"is_ready":true}`

type chanStream struct{ ch chan transport.Event }

func (s *chanStream) Events() <-chan transport.Event { return s.ch }
func (s *chanStream) Close() error                   { return nil }

// finishedStream 推送若干块后正常关闭
func finishedStream(chunks ...string) *chanStream {
	ch := make(chan transport.Event, len(chunks)+2)
	ch <- transport.Event{Type: transport.EventOpen}
	for _, c := range chunks {
		ch <- transport.Event{Type: transport.EventMessage, Data: []byte(c)}
	}
	ch <- transport.Event{Type: transport.EventClose}
	close(ch)
	return &chanStream{ch: ch}
}

type staticArchive struct{ text string }

func (a staticArchive) Fetch(context.Context, string) (string, error) { return a.text, nil }

type fixture struct {
	jobs    *jobstate.Store
	server  *Server
	created atomic.Int32
}

func newFixture(t *testing.T, open transport.Opener) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{jobs: jobstate.NewStore(zap.NewNop())}
	var arch archive.Archive = staticArchive{text: "from archive"}
	f.server = New(ctx, f.jobs, func(jid string) *logtail.Controller {
		f.created.Add(1)
		return logtail.New(jid, open, arch, zap.NewNop())
	}, zap.NewNop())
	t.Cleanup(func() {
		cancel()
		f.server.Wait()
		f.jobs.Close()
	})
	return f
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestListJobsBeforeFirstSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.get("/api/jobs")
	assert.Equal(t, rec.Code, http.StatusServiceUnavailable)
	assert.Assert(t, strings.Contains(rec.Body.String(), "no snapshot received yet"))
}

func TestListJobsReturnsSortedTable(t *testing.T) {
	f := newFixture(t, nil)
	assert.NilError(t, f.jobs.Apply([]byte(snapshot)))

	rec := f.get("/api/jobs")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Header().Get("Content-Type"), "application/json")

	var v jobstate.View
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, len(v.Rows), 2)
	assert.Equal(t, v.Rows[0].JID, "a")
	assert.Equal(t, v.Rows[1].Class, "acked")
	assert.Equal(t, v.Queue, 1)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, strings.TrimSpace(f.get("/v1/health").Body.String()), `{"isReady":false,"isShutdown":false}`)

	assert.NilError(t, f.jobs.Apply([]byte(snapshot)))
	assert.Equal(t, strings.TrimSpace(f.get("/v1/health").Body.String()), `{"isReady":true,"isShutdown":false}`)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, f.get("/api/nope").Code, http.StatusNotFound)

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", nil))
	assert.Equal(t, rec.Code, http.StatusMethodNotAllowed)
}

func waitTerminal(t *testing.T, f *fixture, jid string) logtail.View {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var v logtail.View
		rec := f.get("/api/jobs/" + jid + "/log")
		assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &v))
		if v.State.Terminal() {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("log tail for %s never finished", jid)
	return logtail.View{}
}

func TestJobLogReadsFinishedStream(t *testing.T) {
	f := newFixture(t, func(context.Context, string) (transport.Stream, error) {
		return finishedStream(" line one ", "", "line two\n"), nil
	})

	v := waitTerminal(t, f, "job-1")
	assert.Equal(t, v.JID, "job-1")
	assert.Equal(t, v.State, logtail.StateClosed)
	assert.Equal(t, v.Text, "line one\nline two")
}

// followStream 连上之后推一块，然后一直开着直到控制器拆掉它
func followStream(chunk string) *chanStream {
	ch := make(chan transport.Event, 2)
	ch <- transport.Event{Type: transport.EventOpen}
	ch <- transport.Event{Type: transport.EventMessage, Data: []byte(chunk)}
	return &chanStream{ch: ch}
}

// eventually 轮询直到 cond 成立
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJobLogSharesControllerWhileFollowing(t *testing.T) {
	f := newFixture(t, func(context.Context, string) (transport.Stream, error) {
		return followStream("still running"), nil
	})

	for i := 0; i < 3; i++ {
		assert.Equal(t, f.get("/api/jobs/job-1/log").Code, http.StatusOK)
	}
	assert.Equal(t, f.created.Load(), int32(1))
	assert.Equal(t, f.server.Active(), 1)
}

func TestJobLogReviewAfterTerminalStartsFresh(t *testing.T) {
	var opens atomic.Int32
	f := newFixture(t, func(context.Context, string) (transport.Stream, error) {
		n := opens.Add(1)
		return finishedStream(fmt.Sprintf("view %d", n)), nil
	})
	f.server.IdleTimeout = 200 * time.Millisecond

	v := waitTerminal(t, f, "job-1")
	assert.Equal(t, v.Text, "view 1")
	eventually(t, "finished controller to be dropped", func() bool { return f.server.Active() == 0 })

	v = waitTerminal(t, f, "job-1")
	assert.Equal(t, v.Text, "view 2")
	assert.Equal(t, f.created.Load(), int32(2))
}

func TestJobLogFinishedControllersAreNotRetained(t *testing.T) {
	f := newFixture(t, func(context.Context, string) (transport.Stream, error) {
		return finishedStream("done"), nil
	})
	f.server.IdleTimeout = 200 * time.Millisecond

	for i := 0; i < 20; i++ {
		waitTerminal(t, f, fmt.Sprintf("job-%d", i))
	}
	eventually(t, "all controllers to be dropped", func() bool { return f.server.Active() == 0 })
}

func TestJobLogIdleFollowerIsTornDown(t *testing.T) {
	opened := make(chan context.Context, 1)
	f := newFixture(t, func(ctx context.Context, _ string) (transport.Stream, error) {
		opened <- ctx
		return followStream("still running"), nil
	})
	f.server.IdleTimeout = 20 * time.Millisecond

	assert.Equal(t, f.get("/api/jobs/job-1/log").Code, http.StatusOK)
	ctx := <-opened
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("idle log stream was never closed")
	}
	eventually(t, "idle controller to be dropped", func() bool { return f.server.Active() == 0 })
}

func TestJobLogFallsBackOnOpenError(t *testing.T) {
	f := newFixture(t, func(context.Context, string) (transport.Stream, error) {
		return nil, errors.New("dial: connection refused")
	})

	v := waitTerminal(t, f, "job-2")
	assert.Equal(t, v.State, logtail.StateLoaded)
	assert.Equal(t, v.Text, "from archive")
}

// readEvents 读取 SSE 直到 n 条 data 行或流结束
func readEvents(t *testing.T, body *bufio.Reader, n int) []string {
	t.Helper()
	var out []string
	for len(out) < n {
		line, err := body.ReadString('\n')
		if err != nil {
			return out
		}
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			out = append(out, data)
		}
	}
	return out
}

func TestJobLogEventsEndAtTerminalState(t *testing.T) {
	f := newFixture(t, func(context.Context, string) (transport.Stream, error) {
		return finishedStream("hello"), nil
	})
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/jobs/job-3/log/events")
	assert.NilError(t, err)
	defer res.Body.Close()
	assert.Equal(t, res.Header.Get("Content-Type"), "text/event-stream")

	events := readEvents(t, bufio.NewReader(res.Body), 100)
	assert.Assert(t, len(events) > 0)
	var last logtail.View
	assert.NilError(t, json.Unmarshal([]byte(events[len(events)-1]), &last))
	assert.Equal(t, last.State, logtail.StateClosed)
	assert.Equal(t, last.Text, "hello")
}

func TestJobEventsStreamsViews(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/jobs/events")
	assert.NilError(t, err)
	defer res.Body.Close()
	body := bufio.NewReader(res.Body)

	first := readEvents(t, body, 1)
	assert.Equal(t, len(first), 1)
	var v jobstate.View
	assert.NilError(t, json.Unmarshal([]byte(first[0]), &v))
	assert.Assert(t, !v.HasData)

	assert.NilError(t, f.jobs.Apply([]byte(snapshot)))
	next := readEvents(t, body, 1)
	assert.Equal(t, len(next), 1)
	assert.NilError(t, json.Unmarshal([]byte(next[0]), &v))
	assert.Assert(t, v.HasData)
	assert.Equal(t, v.Total, 2)
}

func TestJobLogEventsKeepFollowerUntilClientLeaves(t *testing.T) {
	opened := make(chan context.Context, 1)
	f := newFixture(t, func(ctx context.Context, _ string) (transport.Stream, error) {
		opened <- ctx
		return followStream("still running"), nil
	})
	f.server.IdleTimeout = 20 * time.Millisecond
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/jobs/job-1/log/events")
	assert.NilError(t, err)
	assert.Assert(t, len(readEvents(t, bufio.NewReader(res.Body), 1)) == 1)
	ctx := <-opened

	// 有订阅者时超过空闲时间也不拆
	time.Sleep(100 * time.Millisecond)
	assert.NilError(t, ctx.Err())
	assert.Equal(t, f.server.Active(), 1)

	res.Body.Close()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("log stream outlived its last subscriber")
	}
	eventually(t, "controller to be dropped", func() bool { return f.server.Active() == 0 })
}
