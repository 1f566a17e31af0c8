package transport

import (
	"errors"
	"io"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) > 0 {
		n := copy(p, r.data)
		r.data = r.data[n:]
		return n, nil
	}
	return 0, r.err
}

func (r *failingReader) Close() error { return nil }

func TestReaderStreamEOFIsClose(t *testing.T) {
	s := NewReaderStream(io.NopCloser(strings.NewReader("hello")), nil)
	defer s.Close()

	events := collect(t, s)
	assert.DeepEqual(t, eventTypes(events), []EventType{EventOpen, EventMessage, EventClose})
	assert.Equal(t, string(events[1].Data), "hello")
}

func TestReaderStreamReadErrorIsError(t *testing.T) {
	boom := errors.New("boom")
	s := NewReaderStream(&failingReader{data: []byte("x"), err: boom}, nil)
	defer s.Close()

	events := collect(t, s)
	assert.DeepEqual(t, eventTypes(events), []EventType{EventOpen, EventMessage, EventError})
	assert.ErrorIs(t, events[2].Err, boom)
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, EventError.String(), "error")
	assert.Equal(t, EventType(42).String(), "unknown")
}

func TestFailedStreamDeliversOneError(t *testing.T) {
	s := Failed(errors.New("dial tcp: connection refused"))
	evs := collect(t, s)
	assert.DeepEqual(t, eventTypes(evs), []EventType{EventError})
	assert.ErrorContains(t, evs[0].Err, "connection refused")
	assert.NilError(t, s.Close())
}
