//go:build unit

package runtime

import (
	"context"
	"sync"
	"time"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
)

type testLogger struct {
	mu      sync.Mutex
	entries []testEntry
	logged  chan struct{}
}

type testEntry struct {
	msg    string
	fields []libLog.Field
}

func newTestLogger() *testLogger {
	return &testLogger{logged: make(chan struct{}, 1)}
}

func (logger *testLogger) Log(_ context.Context, _ libLog.Level, msg string, fields ...libLog.Field) {
	logger.mu.Lock()
	logger.entries = append(logger.entries, testEntry{msg: msg, fields: fields})
	logger.mu.Unlock()

	select {
	case logger.logged <- struct{}{}:
	default:
	}
}

func (logger *testLogger) count() int {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	return len(logger.entries)
}

func (logger *testLogger) field(key string) (any, bool) {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	for _, entry := range logger.entries {
		for _, f := range entry.fields {
			if f.Key == key {
				return f.Value, true
			}
		}
	}

	return nil, false
}

func (logger *testLogger) waitForLog(timeout time.Duration) bool {
	select {
	case <-logger.logged:
		return true
	case <-time.After(timeout):
		return false
	}
}

type captureReporter struct {
	mu      sync.Mutex
	reports []PanicReport
}

func (reporter *captureReporter) ReportPanic(_ context.Context, report PanicReport) {
	reporter.mu.Lock()
	defer reporter.mu.Unlock()

	reporter.reports = append(reporter.reports, report)
}
