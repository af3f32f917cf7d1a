package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic is recorded on spans when a panic is recovered.
var ErrPanic = errors.New("panic recovered")

// PanicSpanEventName is the span event added for every recovered panic.
const PanicSpanEventName = "panic.recovered"

const maxSpanStackLen = 4096

// RecordPanicToSpanWithComponent records a panic event on the span carried by
// ctx and marks the span as failed. Non-recording spans are left untouched.
func RecordPanicToSpanWithComponent(ctx context.Context, panicValue any, stack []byte, component, name string) {
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("panic.value", formatPanicValue(panicValue)),
		attribute.String("panic.goroutine_name", name),
	}

	if component != "" {
		attrs = append(attrs, attribute.String("panic.component", component))
	}

	if len(stack) > 0 && !IsProductionMode() {
		stackStr := string(stack)
		if len(stackStr) > maxSpanStackLen {
			stackStr = stackStr[:maxSpanStackLen] + "\n...[truncated]"
		}

		attrs = append(attrs, attribute.String("panic.stack", stackStr))
	}

	span.AddEvent(PanicSpanEventName, trace.WithAttributes(attrs...))
	span.RecordError(fmt.Errorf("%w: %s", ErrPanic, formatPanicValue(panicValue)))
	span.SetStatus(codes.Error, "panic recovered in "+name)
}
