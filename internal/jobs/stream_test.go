package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatch/internal/api"
	"github.com/fyrsmithlabs/dispatch/internal/credentials"
)

// streamHandler serves canned NDJSON lines for a job. It deliberately
// ignores the from parameter and replays everything, which is the worst
// case the client-side watermark filter has to handle.
func streamHandler(t *testing.T, lines []string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	})
}

func newStreamClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	apiClient, err := api.New(srv.URL, credentials.Static("tok"), nil)
	require.NoError(t, err)

	client, err := NewClient(apiClient, nil, nil, nil)
	require.NoError(t, err)
	return client
}

func collect(t *testing.T, s *Stream) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := s.Next(context.Background())
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestStream_DeliversEventsInOrder(t *testing.T) {
	client := newStreamClient(t, streamHandler(t, []string{
		`{"type":"started","seq":1,"job_id":"j1","name":"generate_spec"}`,
		`{"type":"log","seq":2,"job_id":"j1","message":"planning"}`,
		`{"type":"output","seq":3,"job_id":"j1","content":"# Spec"}`,
		`{"type":"done","seq":4,"job_id":"j1","status":"ok","returncode":0}`,
	}))

	stream, err := client.OpenStream(context.Background(), "j1", 0)
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.Len(t, events, 4)

	var prev int64
	for _, ev := range events {
		assert.Greater(t, ev.EventSeq(), prev)
		prev = ev.EventSeq()
	}
	assert.Equal(t, KindStarted, events[0].Kind())
	assert.Equal(t, KindCompleted, events[3].Kind())
	assert.Equal(t, int64(4), stream.LastSeq())
}

func TestStream_SkipsMalformedAndUnknownLines(t *testing.T) {
	client := newStreamClient(t, streamHandler(t, []string{
		`{"type":"started","seq":1,"job_id":"j1"}`,
		`{"type":"log","seq":`,
		``,
		`not json at all`,
		`{"type":"heartbeat","seq":2,"job_id":"j1"}`,
		`{"type":"log","seq":3,"job_id":"j1","message":"still here"}`,
	}))

	stream, err := client.OpenStream(context.Background(), "j1", 0)
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, KindStarted, events[0].Kind())
	assert.Equal(t, KindLog, events[1].Kind())
}

func TestStream_ResumeFiltersAtOrBelowWatermark(t *testing.T) {
	// The backend replays everything; the client must deliver only
	// seq > 2 and never skip anything above it.
	client := newStreamClient(t, streamHandler(t, []string{
		`{"type":"started","seq":1,"job_id":"j1"}`,
		`{"type":"log","seq":2,"job_id":"j1","message":"old"}`,
		`{"type":"log","seq":3,"job_id":"j1","message":"new"}`,
		`{"type":"done","seq":4,"job_id":"j1","status":"ok","returncode":0}`,
	}))

	stream, err := client.OpenStream(context.Background(), "j1", 2)
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].EventSeq())
	assert.Equal(t, int64(4), events[1].EventSeq())
}

func TestStream_FiltersDuplicateSeq(t *testing.T) {
	client := newStreamClient(t, streamHandler(t, []string{
		`{"type":"log","seq":1,"job_id":"j1","message":"a"}`,
		`{"type":"log","seq":1,"job_id":"j1","message":"a again"}`,
		`{"type":"log","seq":2,"job_id":"j1","message":"b"}`,
	}))

	stream, err := client.OpenStream(context.Background(), "j1", 0)
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].EventSeq())
	assert.Equal(t, int64(2), events[1].EventSeq())
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	client := newStreamClient(t, streamHandler(t, []string{
		`{"type":"started","seq":1,"job_id":"j1"}`,
	}))

	stream, err := client.OpenStream(context.Background(), "j1", 0)
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStream_CloseConcurrentWithNext(t *testing.T) {
	// Handler keeps the connection open so Next is blocked on the body
	// when Close lands from another goroutine.
	client := newStreamClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"started","seq":1,"job_id":"j1"}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))

	stream, err := client.OpenStream(context.Background(), "j1", 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := stream.Next(context.Background()); err != nil {
				return
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, stream.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock after Close")
	}

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStream_ContextCancellationTerminatesRead(t *testing.T) {
	// Handler holds the connection open without a terminal frame.
	client := newStreamClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"started","seq":1,"job_id":"j1"}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := client.OpenStream(ctx, "j1", 0)
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindStarted, ev.Kind())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenStream_PassesFromOffset(t *testing.T) {
	var gotFrom string
	client := newStreamClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFrom = r.URL.Query().Get("from")
		require.Equal(t, "/jobs/j1/events", r.URL.Path)
		fmt.Fprintln(w, `{"type":"done","seq":8,"job_id":"j1","status":"ok","returncode":0}`)
	}))

	stream, err := client.OpenStream(context.Background(), "j1", 7)
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "7", gotFrom)
}

func TestOpenStream_Validation(t *testing.T) {
	client := newStreamClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))

	_, err := client.OpenStream(context.Background(), "", 0)
	require.Error(t, err)

	_, err = client.OpenStream(context.Background(), "j1", -1)
	require.Error(t, err)
}

func TestOpenStream_SurfacesHTTPError(t *testing.T) {
	client := newStreamClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such job", http.StatusNotFound)
	}))

	_, err := client.OpenStream(context.Background(), "j1", 0)
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}
