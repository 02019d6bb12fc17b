//go:build !wrenrelease

package wren

import (
	"context"
	"log/slog"
)

// tracePayload logs the outgoing URL and payload at debug level. Release
// builds (-tags wrenrelease) compile it to a no-op.
func tracePayload(ctx context.Context, logger *slog.Logger, op, url string, payload []byte) {
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	logger.DebugContext(ctx, "upstream payload", "op", op, "url", url, "payload", string(payload))
}
