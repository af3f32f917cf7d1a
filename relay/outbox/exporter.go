package outbox

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

type exportedSample struct {
	name  string
	help  string
	kind  string
	value string
}

// WriteText renders snapshot in the Prometheus text exposition format.
func WriteText(w io.Writer, snapshot Snapshot) error {
	samples := []exportedSample{
		{"outbox_backlog_size", "Pending outbox messages.", "gauge", formatInt(snapshot.BacklogSize)},
		{"outbox_oldest_pending_age_seconds", "Age of the oldest pending outbox message.", "gauge", formatFloat(snapshot.OldestPendingAge.Seconds())},
		{"outbox_messages_processed_total", "Outbox messages delivered and marked processed.", "counter", formatInt(snapshot.TotalProcessed)},
		{"outbox_messages_failed_total", "Failed outbox delivery attempts.", "counter", formatInt(snapshot.TotalFailed)},
		{"outbox_messages_dead_lettered_total", "Outbox messages moved to dead-letter.", "counter", formatInt(snapshot.TotalDeadLettered)},
		{"outbox_messages_gave_up_total", "Outbox messages given up without dead-letter.", "counter", formatInt(snapshot.TotalGaveUp)},
		{"outbox_messages_retried_total", "Outbox failures scheduled for retry.", "counter", formatInt(snapshot.TotalRetried)},
		{"outbox_dispatch_cycles_total", "Dispatch cycles run.", "counter", formatInt(snapshot.TotalCycles)},
		{"outbox_window_processed", "Messages processed in the rolling window.", "gauge", formatInt(snapshot.WindowProcessed)},
		{"outbox_window_failed", "Failed attempts in the rolling window.", "gauge", formatInt(snapshot.WindowFailed)},
		{"outbox_failure_ratio", "Failed over attempted deliveries in the rolling window.", "gauge", formatFloat(snapshot.FailureRatio)},
	}

	buffered := bufio.NewWriter(w)

	for _, sample := range samples {
		if _, err := fmt.Fprintf(buffered, "# HELP %s %s\n# TYPE %s %s\n%s %s\n",
			sample.name, sample.help, sample.name, sample.kind, sample.name, sample.value); err != nil {
			return fmt.Errorf("write %s: %w", sample.name, err)
		}
	}

	if err := buffered.Flush(); err != nil {
		return fmt.Errorf("flush metrics text: %w", err)
	}

	return nil
}

func formatInt(value int64) string {
	return strconv.FormatInt(value, 10)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}
