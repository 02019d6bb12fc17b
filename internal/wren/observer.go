package wren

import "time"

// Observer receives relay telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	// UpstreamCall is reported once per upstream attempt. status is 0 when
	// the call failed before a response arrived.
	UpstreamCall(op, method string, status int, elapsed time.Duration)
	// StreamChunk is reported for every chunk relayed to a caller.
	StreamChunk(size int)
	// StreamError is reported when a synthetic error frame is emitted.
	StreamError(kind ErrorKind)
}

type nopObserver struct{}

func (nopObserver) UpstreamCall(string, string, int, time.Duration) {}
func (nopObserver) StreamChunk(int)                                  {}
func (nopObserver) StreamError(ErrorKind)                            {}
