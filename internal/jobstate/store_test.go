package jobstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"vigil/pkg/model"
	"vigil/pkg/transport"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type fakeStream struct {
	events chan transport.Event
	closed bool
}

func newFakeStream(events ...transport.Event) *fakeStream {
	ch := make(chan transport.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	return &fakeStream{events: ch}
}

func (f *fakeStream) Events() <-chan transport.Event { return f.events }
func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func message(s string) transport.Event {
	return transport.Event{Type: transport.EventMessage, Data: []byte(s)}
}

func indexes(rows []Row) []int {
	out := make([]int, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Index)
	}
	return out
}

const scenario = `{
	"jobs": {
		"running": [{"index": 1, "jid": "j-1", "state": "RUNNING", "created": 1700000000, "spec": {"name": "b"}}],
		"failed":  [{"index": 0, "jid": "j-0", "state": "FAILED", "created": 1700000000, "updated": 1700000100, "spec": {"name": "a", "command": ["echo", "hi"]}}]
	},
	"queue": 2,
	"total": 2
}`

func TestApplyScenario(t *testing.T) {
	s := NewStore(zap.NewNop())
	assert.NilError(t, s.Apply([]byte(scenario)))

	v := s.View()
	assert.Assert(t, v.HasData)
	assert.Equal(t, v.Queue, 2)
	assert.Equal(t, v.Total, 2)
	assert.Equal(t, v.Count(model.BucketFailed), 1)
	assert.Equal(t, v.Count(model.BucketPending), 0)
	assert.Equal(t, v.Count("running"), 1)
	assert.Equal(t, len(v.Counts), len(model.Buckets)+1)
	assert.Equal(t, v.Counts[len(v.Counts)-1].Bucket, model.Bucket("running"))
	assert.Equal(t, len(v.Rows), 2)
	assert.DeepEqual(t, indexes(v.Rows), []int{0, 1})

	// running 不是规范桶名，但任务仍然进入合并表
	assert.Equal(t, v.Rows[1].Bucket, model.Bucket("running"))
	assert.Equal(t, v.Rows[1].Class, "acked")
	assert.Equal(t, v.Rows[0].Command, "echo hi")
	assert.Assert(t, v.Rows[0].Updated != nil)
	assert.Assert(t, v.Rows[1].Updated == nil)
}

func TestZeroUpdatedNotRendered(t *testing.T) {
	s := NewStore(zap.NewNop())
	assert.NilError(t, s.Apply([]byte(`{"jobs":{"succeeded":[{"index":0,"jid":"j-0","state":"SUCCEEDED","created":1700000000,"updated":0,"spec":{"name":"a"}}]},"queue":0,"total":1}`)))

	v := s.View()
	assert.Equal(t, len(v.Rows), 1)
	assert.Assert(t, v.Rows[0].Updated == nil)
}

func TestCountsMatchBucketLengths(t *testing.T) {
	snap := &model.Snapshot{Jobs: map[model.Bucket][]model.Job{}}
	idx := 0
	for n, b := range model.Buckets {
		for i := 0; i < n+1; i++ {
			snap.Jobs[b] = append(snap.Jobs[b], model.Job{Index: 100 - idx})
			idx++
		}
	}

	v := Derive(snap)
	sum := 0
	for n, b := range model.Buckets {
		assert.Equal(t, v.Count(b), n+1)
		sum += n + 1
	}
	assert.Equal(t, len(v.Rows), sum)
	for i := 1; i < len(v.Rows); i++ {
		assert.Assert(t, v.Rows[i-1].Index < v.Rows[i].Index)
	}
}

func TestApplyReplacesWholesale(t *testing.T) {
	s := NewStore(zap.NewNop())
	assert.NilError(t, s.Apply([]byte(scenario)))
	assert.NilError(t, s.Apply([]byte(`{"jobs":{"pending":[{"index":7,"jid":"x","state":"PENDING","created":1,"spec":{"name":"n"}}]},"queue":0,"total":9}`)))

	v := s.View()
	assert.DeepEqual(t, indexes(v.Rows), []int{7})
	assert.Equal(t, v.Count(model.BucketFailed), 0)
	assert.Equal(t, v.Total, 9)
}

func TestApplyMalformedKeepsPreviousSnapshot(t *testing.T) {
	s := NewStore(zap.NewNop())
	assert.NilError(t, s.Apply([]byte(scenario)))

	err := s.Apply([]byte(`{"jobs": {"failed": "nope"}}`))
	var pe *ParseError
	assert.Assert(t, errors.As(err, &pe))
	assert.Equal(t, s.View().Total, 2)
}

func TestApplyRejectsSnapshotWithoutJobs(t *testing.T) {
	for _, payload := range []string{`null`, `{}`, `{"jobs":null,"queue":1,"total":1}`, `{"queue":3}`} {
		t.Run(payload, func(t *testing.T) {
			s := NewStore(zap.NewNop())
			assert.NilError(t, s.Apply([]byte(scenario)))

			err := s.Apply([]byte(payload))
			var pe *ParseError
			assert.Assert(t, errors.As(err, &pe))
			assert.Assert(t, errors.Is(err, ErrMissingJobs))

			v := s.View()
			assert.Equal(t, len(v.Rows), 2)
			assert.Equal(t, v.Total, 2)
		})
	}

	s := NewStore(zap.NewNop())
	assert.NilError(t, s.Apply([]byte(`{"jobs":{}}`)))
	assert.Assert(t, s.View().HasData)
}

func TestDuplicateIndexesStillRendered(t *testing.T) {
	s := NewStore(zap.NewNop())
	err := s.Apply([]byte(`{"jobs":{"pending":[{"index":1,"jid":"a"}],"failed":[{"index":1,"jid":"b"}]}}`))
	assert.NilError(t, err)

	v := s.View()
	assert.Equal(t, len(v.Rows), 2)
	assert.DeepEqual(t, duplicateIndexes(v.Rows), []int{1})
}

func TestRunAppliesUntilCleanClose(t *testing.T) {
	s := NewStore(zap.NewNop())
	stream := newFakeStream(
		transport.Event{Type: transport.EventOpen},
		message(`{"jobs":{},"queue":1,"total":1}`),
		message(scenario),
		transport.Event{Type: transport.EventClose},
	)

	err := s.Run(context.Background(), stream)
	assert.NilError(t, err)
	assert.Assert(t, stream.closed)

	v := s.View()
	assert.Equal(t, v.Link, LinkClosed)
	assert.Equal(t, v.Queue, 2)
}

func TestRunParseErrorIsFatal(t *testing.T) {
	s := NewStore(zap.NewNop())
	stream := newFakeStream(
		transport.Event{Type: transport.EventOpen},
		message(`Connected to PA server.`),
		message(scenario),
	)

	err := s.Run(context.Background(), stream)
	var pe *ParseError
	assert.Assert(t, errors.As(err, &pe))
	assert.Equal(t, s.View().HasData, false)
	assert.Equal(t, s.View().Link, LinkError)
}

func TestRunTransportErrorKeepsLastView(t *testing.T) {
	s := NewStore(zap.NewNop())
	boom := errors.New("connection reset")
	stream := newFakeStream(
		message(scenario),
		transport.Event{Type: transport.EventError, Err: boom},
	)

	err := s.Run(context.Background(), stream)
	assert.ErrorIs(t, err, boom)

	v := s.View()
	assert.Equal(t, v.Total, 2)
	assert.Equal(t, v.Link, LinkError)
	assert.Assert(t, is.Contains(v.LinkErr, "connection reset"))
}

func TestRunStopsOnCancel(t *testing.T) {
	s := NewStore(zap.NewNop())
	stream := newFakeStream()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, stream) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubscribeReceivesViews(t *testing.T) {
	s := NewStore(zap.NewNop())
	ch, cancel := s.Subscribe()
	defer cancel()

	assert.NilError(t, s.Apply([]byte(scenario)))
	v := <-ch
	assert.Equal(t, v.Total, 2)
}
