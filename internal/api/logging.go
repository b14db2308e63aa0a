package api

import (
    "context"
    "log/slog"
)

func (s *Server) logEvent(ctx context.Context, event string, attrs ...slog.Attr) {
    s.logger.LogAttrs(ctx, slog.LevelInfo, event, append(attrs, slog.String("event", event))...)
}
