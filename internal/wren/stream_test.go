package wren

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s *Stream) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		chunk, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, chunk)
	}
}

func TestStream_ChunksInOrder(t *testing.T) {
	chunks := []string{
		"data: {\"type\":\"message_start\"}\n\n",
		"data: {\"type\":\"content\",\"text\":\"SELECT\"}\n\n",
		"data: {\"type\":\"message_stop\"}\n\n",
	}
	ack := make(chan struct{})

	obs := &recordingObserver{}
	r := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		for _, c := range chunks {
			io.WriteString(w, c)
			f.Flush()
			select {
			case <-ack:
			case <-req.Context().Done():
				return
			}
		}
	}, WithObserver(obs))

	s, err := r.HandleStream(context.Background(), "stream/ask", ProxyRequest{ProjectID: strPtr("11237"), Text: strPtr("q")}, "k")
	require.NoError(t, err)
	defer s.Close()

	for i, want := range chunks {
		var got []byte
		for len(got) < len(want) {
			chunk, ok := s.Next()
			require.True(t, ok, "stream ended before chunk %d", i)
			got = append(got, chunk...)
		}
		assert.Equal(t, want, string(got), "chunk %d", i)
		ack <- struct{}{}
	}

	rest := drain(t, s)
	assert.Empty(t, rest)
	assert.Zero(t, s.Outcome())
	assert.Empty(t, obs.streamError)
	assert.Equal(t, len(strings.Join(chunks, "")), obs.chunkBytes)
}

func TestStream_UpstreamErrorJSON(t *testing.T) {
	r := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"detail": "boom"}`)
	})

	s, err := r.HandleStream(context.Background(), "stream/ask", ProxyRequest{ProjectID: strPtr("1")}, "k")
	require.NoError(t, err)

	out := drain(t, s)
	require.Len(t, out, 1)
	assert.Equal(t, "event: error\ndata: {\"error\":{\"detail\":\"boom\"}}\n\n", string(out[0]))
	assert.Equal(t, KindUpstream, s.Outcome())
}

func TestStream_UpstreamErrorText(t *testing.T) {
	r := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `upstream "gateway" down`)
	})

	s, err := r.HandleStream(context.Background(), "stream/ask", ProxyRequest{ProjectID: strPtr("1")}, "k")
	require.NoError(t, err)

	out := drain(t, s)
	require.Len(t, out, 1)

	frame := string(out[0])
	require.True(t, strings.HasPrefix(frame, "event: error\ndata: "))
	require.True(t, strings.HasSuffix(frame, "\n\n"))

	var data map[string]string
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(frame, "event: error\ndata: "), "\n\n")), &data))
	assert.Equal(t, `upstream "gateway" down`, data["error"])
}

func TestStream_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s, err := NewRelay(NewClient(url)).HandleStream(context.Background(), "stream/ask", ProxyRequest{ProjectID: strPtr("1")}, "k")
	require.NoError(t, err)

	out := drain(t, s)
	require.Len(t, out, 1)
	assert.Equal(t, "event: error\ndata: {\"error\":\"Internal server error: upstream request failed\"}\n\n", string(out[0]))
	assert.Equal(t, KindTransport, s.Outcome())
}

func TestStream_InterruptedMidFlight(t *testing.T) {
	r := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: partial\n\n")
		w.(http.Flusher).Flush()

		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		conn.Close()
	})

	s, err := r.HandleStream(context.Background(), "stream/ask", ProxyRequest{ProjectID: strPtr("1")}, "k")
	require.NoError(t, err)

	out := bytes.Join(drain(t, s), nil)
	assert.True(t, bytes.HasPrefix(out, []byte("data: partial\n\n")), "got %q", out)
	assert.True(t, bytes.HasSuffix(out, []byte("event: error\ndata: {\"error\":\"Internal server error: upstream request failed\"}\n\n")), "got %q", out)
	assert.Equal(t, KindStreamInterrupted, s.Outcome())
}

func TestStream_Timeout(t *testing.T) {
	r := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-req.Context().Done()
	}, WithTimeouts(Timeouts{Stream: 100 * time.Millisecond}))

	s, err := r.HandleStream(context.Background(), "stream/ask", ProxyRequest{ProjectID: strPtr("1")}, "k")
	require.NoError(t, err)

	out := drain(t, s)
	require.Len(t, out, 1)
	assert.True(t, strings.HasPrefix(string(out[0]), "event: error\ndata: {\"error\":\"Internal server error: upstream request"), "got %q", out[0])
	assert.Equal(t, KindStreamInterrupted, s.Outcome())
}

func TestStream_CallerCancellation(t *testing.T) {
	upstreamDone := make(chan struct{})
	r := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-req.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := r.HandleStream(ctx, "stream/ask", ProxyRequest{ProjectID: strPtr("1")}, "k")
	require.NoError(t, err)

	chunk, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "data: first\n\n", string(chunk))

	cancel()

	done := make(chan [][]byte, 1)
	go func() { done <- drain(t, s) }()

	select {
	case rest := <-done:
		assert.Empty(t, rest, "no error frame after caller cancellation")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate after cancellation")
	}

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connection was not released")
	}
	assert.Zero(t, s.Outcome())
}

func TestStream_ValidationBeforeOpen(t *testing.T) {
	r := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		t.Error("upstream must not be called")
	})

	_, err := r.HandleStream(context.Background(), "stream/ask", ProxyRequest{Text: strPtr("q")}, "k")
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, "project_id is required", e.Detail)
}

func TestStream_SendsPayload(t *testing.T) {
	var (
		gotBody   map[string]any
		gotAccept string
	)
	r := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		json.NewDecoder(req.Body).Decode(&gotBody)
		gotAccept = req.Header.Get("Accept")
		io.WriteString(w, "data: ok\n\n")
	})

	req := ProxyRequest{ProjectID: strPtr("3"), Text: strPtr("q")}
	s, err := r.HandleStream(context.Background(), "stream/ask", req, "k")
	require.NoError(t, err)

	var buf bytes.Buffer
	var flushes int
	require.NoError(t, s.Pipe(&buf, func() { flushes++ }))

	assert.Equal(t, "data: ok\n\n", buf.String())
	assert.GreaterOrEqual(t, flushes, 1)
	assert.Equal(t, float64(3), gotBody["projectId"])
	assert.Equal(t, "q", gotBody["question"])
	assert.Equal(t, "text/event-stream", gotAccept)
}

func TestUpstreamErrorFrame_NoHTMLEscaping(t *testing.T) {
	frame := upstreamErrorFrame([]byte(`{"detail":"a < b & c"}`))
	assert.Equal(t, "event: error\ndata: {\"error\":{\"detail\":\"a < b & c\"}}\n\n", string(frame))
}
