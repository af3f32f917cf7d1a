package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
)

// Logger is the subset of log.Logger that panic recovery needs.
type Logger interface {
	Log(ctx context.Context, level libLog.Level, msg string, fields ...libLog.Field)
}

// RecoverAndLog recovers a panic and logs it. Use it in a defer.
func RecoverAndLog(logger Logger, name string) {
	if r := recover(); r != nil {
		logPanicWithStack(logger, name, r, debug.Stack())
	}
}

// RecoverAndLogWithContext recovers a panic, logs it, records it on the span
// found in ctx and reports it to the installed PanicReporter.
//
//	defer runtime.RecoverAndLogWithContext(ctx, logger, "outbox", "dispatcher_tick")
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanicWithStack(logger, name, r, stack)
		recordPanicObservability(ctx, r, stack, component, name)
	}
}

// RecoverWithPolicyAndContext behaves like RecoverAndLogWithContext and then
// re-panics when policy is CrashProcess.
func RecoverWithPolicyAndContext(ctx context.Context, logger Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanicWithStack(logger, name, r, stack)
		recordPanicObservability(ctx, r, stack, component, name)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// HandlePanicValue processes a panic value recovered elsewhere, for example by
// errgroup or a framework middleware. It does not call recover itself.
func HandlePanicValue(ctx context.Context, logger Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	stack := debug.Stack()
	logPanicWithStack(logger, name, panicValue, stack)
	recordPanicObservability(ctx, panicValue, stack, component, name)
}

func logPanicWithStack(logger Logger, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	fields := []libLog.Field{
		libLog.String("source", name),
		libLog.String("panic_value", fmt.Sprintf("%v", panicValue)),
	}

	if !IsProductionMode() {
		fields = append(fields, libLog.String("stack_trace", string(stack)))
	}

	logger.Log(context.Background(), libLog.LevelError, "panic recovered", fields...)
}

func recordPanicObservability(ctx context.Context, panicValue any, stack []byte, component, name string) {
	RecordPanicToSpanWithComponent(ctx, panicValue, stack, component, name)
	reportPanic(ctx, panicValue, stack, component, name)
}
