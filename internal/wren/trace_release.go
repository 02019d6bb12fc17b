//go:build wrenrelease

package wren

import (
	"context"
	"log/slog"
)

func tracePayload(context.Context, *slog.Logger, string, string, []byte) {}
