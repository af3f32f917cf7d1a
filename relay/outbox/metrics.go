package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const dispatcherMeterName = "workflow-relay.outbox.dispatcher"

type dispatcherMetrics struct {
	messagesDelivered    metric.Int64Counter
	messagesFailed       metric.Int64Counter
	messagesDeadLettered metric.Int64Counter
	messagesStateFailed  metric.Int64Counter
	dispatchLatency      metric.Float64Histogram
	batchSize            metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(dispatcherMeterName)

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.messagesDelivered, err = meter.Int64Counter(
		"outbox.messages.delivered",
		metric.WithDescription("Number of outbox messages delivered through the transport"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.delivered counter: %w", err)
	}

	metrics.messagesFailed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of failed outbox delivery attempts"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.messagesDeadLettered, err = meter.Int64Counter(
		"outbox.messages.dead_lettered",
		metric.WithDescription("Number of outbox messages moved to dead-letter"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.dead_lettered counter: %w", err)
	}

	metrics.messagesStateFailed, err = meter.Int64Counter(
		"outbox.messages.state_update_failed",
		metric.WithDescription("Number of outbox outcomes that could not be persisted"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.state_update_failed counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.batchSize, err = meter.Int64Gauge(
		"outbox.batch.size",
		metric.WithDescription("Number of outbox messages claimed in a dispatch cycle"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.batch.size gauge: %w", err)
	}

	return metrics, nil
}
