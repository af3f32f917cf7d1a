package log

import (
	"context"
	"fmt"

	"github.com/LerianStudio/workflow-relay/relay/security"
)

type nopLogger struct{}

// NewNop returns a Logger that discards everything. Components fall back to
// it when no logger is configured.
func NewNop() Logger {
	return &nopLogger{}
}

func (l *nopLogger) Log(context.Context, Level, string, ...Field) {}

//nolint:ireturn
func (l *nopLogger) With(...Field) Logger { return l }

//nolint:ireturn
func (l *nopLogger) WithGroup(string) Logger { return l }

func (l *nopLogger) Enabled(Level) bool { return false }

func (l *nopLogger) Sync(context.Context) error { return nil }

// SafeError logs err at error level. In production the raw error is replaced
// by its type and a redacted message, since broker and driver errors may echo
// credentials from connection strings.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if logger == nil || err == nil || !logger.Enabled(LevelError) {
		return
	}

	if !production {
		logger.Log(ctx, LevelError, msg, Err(err))

		return
	}

	logger.Log(ctx, LevelError, msg,
		String("error_type", fmt.Sprintf("%T", err)),
		String("error_message", security.RedactAssignments(err.Error())),
	)
}
