package clusterkv

import (
	"context"
	"log"
	"log/slog"
)

// Logger is the ambient logging interface every component in this module
// logs through. Unlike the connection-scoped teacher equivalent, events here
// are not bound to a single *Connection -- a health probe, a pool
// acquisition, and a batch redirect all want to log without one.
type Logger interface {
	Report(event LogEvent)
}

// SlogLogger adapts Logger onto log/slog.
type SlogLogger struct {
	logger *slog.Logger
	ctx    context.Context
}

func NewSlogLogger(logger *slog.Logger) SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return SlogLogger{logger: logger, ctx: context.Background()}
}

func (l SlogLogger) WithContext(ctx context.Context) SlogLogger {
	return SlogLogger{logger: l.logger, ctx: ctx}
}

func (l SlogLogger) Report(event LogEvent) {
	l.logger.LogAttrs(l.ctx, event.LogLevel(), event.Message(), event.LogAttrs()...)
}

// SimpleLogger adapts Logger onto the standard log package, for callers
// that don't want to wire up slog.
type SimpleLogger struct{}

func (l SimpleLogger) Report(event LogEvent) {
	log.Printf("[%s] %s [event=%s]", event.LogLevel(), event.Message(), event.EventName())
	for _, attr := range event.LogAttrs() {
		log.Printf("  %s=%v", attr.Key, attr.Value.Any())
	}
}

// NopLogger discards everything. Used as the zero-value default so callers
// never need a nil check.
type NopLogger struct{}

func (NopLogger) Report(LogEvent) {}
