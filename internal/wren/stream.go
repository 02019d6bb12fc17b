package wren

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const streamBufferSize = 32 << 10

type streamState int

const (
	stateOpening streamState = iota
	stateStreaming
	stateError
	stateTerminal
)

// Stream relays one upstream SSE response as a lazy, single-pass sequence
// of byte chunks. Upstream failures never surface as Go errors: they become
// a final "event: error" frame. A Stream is not safe for concurrent use.
type Stream struct {
	ctx        context.Context
	client     *Client
	logger     *slog.Logger
	url        string
	payload    []byte
	credential string

	state   streamState
	body    io.ReadCloser
	buf     []byte
	frame   []byte
	outcome ErrorKind
	chunks  int
}

// HandleStream validates req and prepares a stream to endpointPath. The
// upstream connection is opened lazily by the first call to Next, so the
// caller can commit its response headers first. Validation errors are
// returned as *Error before anything is sent.
func (r *Relay) HandleStream(ctx context.Context, endpointPath string, req ProxyRequest, credential string) (*Stream, error) {
	payload, err := Normalize(req)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, internalError("encoding request payload", err)
	}

	return &Stream{
		ctx:        ctx,
		client:     r.client,
		logger:     r.logger,
		url:        r.client.URL(endpointPath),
		payload:    b,
		credential: strings.TrimSpace(credential),
		state:      stateOpening,
	}, nil
}

// Next returns the next chunk in upstream order. ok is false once the
// stream has terminated; the upstream connection is released by then.
func (s *Stream) Next() (chunk []byte, ok bool) {
	for {
		switch s.state {
		case stateOpening:
			s.open()

		case stateStreaming:
			n, err := s.body.Read(s.buf)
			if n > 0 {
				chunk = make([]byte, n)
				copy(chunk, s.buf[:n])
				s.chunks++
				s.client.observer.StreamChunk(n)
			}
			if err != nil {
				s.readFailed(err)
			}
			if n > 0 {
				return chunk, true
			}

		case stateError:
			frame := s.frame
			s.frame = nil
			s.finish()
			return frame, true

		default:
			return nil, false
		}
	}
}

// Pipe writes every chunk to w, calling flush after each one. It returns
// the first write error, which normally means the caller went away.
func (s *Stream) Pipe(w io.Writer, flush func()) error {
	defer s.Close()
	for {
		chunk, ok := s.Next()
		if !ok {
			return nil
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	if s.body != nil {
		err = s.body.Close()
		s.body = nil
	}
	s.state = stateTerminal
	return err
}

// Outcome reports the kind of failure that ended the stream, or zero if the
// stream ended cleanly (or has not ended yet).
func (s *Stream) Outcome() ErrorKind {
	return s.outcome
}

// Chunks returns the number of upstream chunks relayed so far.
func (s *Stream) Chunks() int {
	return s.chunks
}

func (s *Stream) open() {
	resp, err := s.client.openStream(s.ctx, s.url, s.payload, s.credential)
	if err != nil {
		if s.ctx.Err() != nil {
			s.finish()
			return
		}
		s.logger.ErrorContext(s.ctx, "opening upstream stream", "url", s.url, "error", err)
		s.fail(KindTransport, textErrorFrame("Internal server error: "+describeTransportError(err)))
		return
	}

	if resp.StatusCode >= http.StatusBadRequest {
		// The body has to be drained explicitly: streamed responses do not
		// buffer it.
		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil && len(raw) == 0 {
			s.fail(KindTransport, textErrorFrame("Internal server error: "+describeTransportError(readErr)))
			return
		}
		s.logger.WarnContext(s.ctx, "upstream stream returned error status",
			"url", s.url,
			"status", resp.StatusCode,
			"body", truncate(string(raw), 512),
		)
		s.fail(KindUpstream, upstreamErrorFrame(raw))
		return
	}

	s.body = resp.Body
	s.buf = make([]byte, streamBufferSize)
	s.state = stateStreaming
}

func (s *Stream) readFailed(err error) {
	if errors.Is(err, io.EOF) {
		s.finish()
		return
	}
	if s.ctx.Err() != nil {
		// Caller is gone; nobody is left to read an error frame.
		s.finish()
		return
	}
	s.logger.WarnContext(s.ctx, "upstream stream interrupted",
		"url", s.url,
		"chunks", s.chunks,
		"error", err,
	)
	s.fail(KindStreamInterrupted, textErrorFrame("Internal server error: "+describeTransportError(err)))
}

func (s *Stream) fail(kind ErrorKind, frame []byte) {
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
	s.outcome = kind
	s.frame = frame
	s.state = stateError
	s.client.observer.StreamError(kind)
}

func (s *Stream) finish() {
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
	s.state = stateTerminal
}

// upstreamErrorFrame wraps an upstream error body as {"error": <body>} when
// the body is JSON and as {"error": "<text>"} otherwise.
func upstreamErrorFrame(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return sseFrame("error", encodeCompact(map[string]json.RawMessage{"error": trimmed}))
	}
	return textErrorFrame(string(body))
}

func textErrorFrame(msg string) []byte {
	return sseFrame("error", encodeCompact(map[string]string{"error": msg}))
}

func sseFrame(event string, data []byte) []byte {
	var b bytes.Buffer
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes()
}

// encodeCompact marshals v on a single line without HTML escaping, so the
// result is usable as one SSE data line.
func encodeCompact(v any) []byte {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return []byte(`{"error":"Internal server error"}`)
	}
	return bytes.TrimRight(b.Bytes(), "\n")
}
