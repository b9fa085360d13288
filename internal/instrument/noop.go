package instrument

import "context"

// NoopInstrumenter discards all spans and events. GetInstrumenter falls
// back to it when no real instrumenter is attached to the context.
type NoopInstrumenter struct{}

func (NoopInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	return ctx, NoopSpan{}
}

func (NoopInstrumenter) EmitBusinessEvent(context.Context, string, string, string, map[string]any) {}

// NoopSpan discards all data.
type NoopSpan struct{}

func (NoopSpan) End()                     {}
func (NoopSpan) SetStatus(string)         {}
func (NoopSpan) SetMetadata(string, any)  {}
func (NoopSpan) SetEntity(string, string) {}
func (NoopSpan) TraceID() string          { return "" }
func (NoopSpan) SpanID() string           { return "" }
