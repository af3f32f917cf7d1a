package runtime

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PanicCounterName is the OTel counter incremented by MetricPanicReporter.
const PanicCounterName = "relay.panics.recovered"

const (
	redactedPanicMsg = "panic recovered (details redacted)"
	maxReportStack   = 4096
)

// PanicReport describes one recovered panic. Stack is empty in production mode.
type PanicReport struct {
	Component string
	Goroutine string
	Err       error
	Stack     string
}

// PanicReporter receives every recovered panic. Implementations must be safe
// for concurrent use.
type PanicReporter interface {
	ReportPanic(ctx context.Context, report PanicReport)
}

var (
	reporterMu     sync.RWMutex
	reporter       PanicReporter
	productionMode bool
)

// SetPanicReporter installs the process-wide reporter. Nil disables reporting.
func SetPanicReporter(next PanicReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()

	reporter = next
}

func currentReporter() PanicReporter {
	reporterMu.RLock()
	defer reporterMu.RUnlock()

	return reporter
}

// SetProductionMode hides stack traces and panic values from logs, spans and
// reports when enabled.
func SetProductionMode(enabled bool) {
	reporterMu.Lock()
	defer reporterMu.Unlock()

	productionMode = enabled
}

// IsProductionMode reports whether panic details are being redacted.
func IsProductionMode() bool {
	reporterMu.RLock()
	defer reporterMu.RUnlock()

	return productionMode
}

// MetricPanicReporter counts recovered panics per component and goroutine.
type MetricPanicReporter struct {
	counter metric.Int64Counter
}

// NewMetricPanicReporter registers PanicCounterName on meter.
func NewMetricPanicReporter(meter metric.Meter) (*MetricPanicReporter, error) {
	counter, err := meter.Int64Counter(PanicCounterName,
		metric.WithDescription("Panics recovered by relay goroutines and handlers"),
		metric.WithUnit("{panic}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create panic counter: %w", err)
	}

	return &MetricPanicReporter{counter: counter}, nil
}

// ReportPanic implements PanicReporter.
func (r *MetricPanicReporter) ReportPanic(ctx context.Context, report PanicReport) {
	if r == nil || r.counter == nil {
		return
	}

	r.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", report.Component),
		attribute.String("goroutine", report.Goroutine),
	))
}

func reportPanic(ctx context.Context, panicValue any, stack []byte, component, goroutine string) {
	target := currentReporter()
	if target == nil {
		return
	}

	production := IsProductionMode()

	report := PanicReport{
		Component: component,
		Goroutine: goroutine,
		Err:       toPanicError(panicValue, production),
	}

	if !production && len(stack) > 0 {
		report.Stack = string(stack)
		if len(report.Stack) > maxReportStack {
			report.Stack = report.Stack[:maxReportStack] + "\n...[truncated]"
		}
	}

	target.ReportPanic(ctx, report)
}

type panicError struct {
	message string
}

func (e *panicError) Error() string {
	return e.message
}

func toPanicError(panicValue any, production bool) error {
	if production {
		return &panicError{message: redactedPanicMsg}
	}

	switch value := panicValue.(type) {
	case error:
		return value
	case string:
		return &panicError{message: value}
	default:
		return &panicError{message: "panic: " + formatPanicValue(panicValue)}
	}
}

func formatPanicValue(value any) string {
	switch val := value.(type) {
	case nil:
		return "<nil>"
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", value)
	}
}
