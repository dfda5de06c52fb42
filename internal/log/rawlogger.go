package log

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
)

// RawLogger records raw bytes crossing the wire, for protocol debugging.
type RawLogger interface {
	Log(clientToServer bool, data []byte)
}

// rawLogger emits wire traces at LevelTrace through an *slog.Logger rather
// than a second bespoke writer+mutex: slog.TextHandler already serializes
// concurrent writes, and tagging traces with LevelTrace lets them flow
// through the same MultiHandler/LevelFilter machinery as the rest of the
// server's logging if the caller chooses to wire it that way.
type rawLogger struct {
	logger *slog.Logger
}

// NewRaw creates a RawLogger that logs hex-encoded wire chunks to w at
// LevelTrace. A nil w yields a RawLogger whose Log calls are no-ops.
func NewRaw(w io.Writer) RawLogger {
	if w == nil {
		return &rawLogger{}
	}
	return &rawLogger{logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: LevelTrace}))}
}

func (r *rawLogger) Log(clientToServer bool, data []byte) {
	if r.logger == nil || len(data) == 0 {
		return
	}
	dir := "S->C"
	if clientToServer {
		dir = "C->S"
	}
	r.logger.Log(context.Background(), LevelTrace, "wire chunk",
		"dir", dir, "bytes", len(data), "hex", hex.EncodeToString(data))
}
