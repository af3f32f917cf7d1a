package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the structured logging contract shared by every relay package.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	WithGroup(name string) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level is a verbosity ceiling: lower values are more severe, and a logger at
// LevelInfo emits error, warn and info entries. This is the reverse of zap's
// ordering; adapters translate.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{
	LevelError: "error",
	LevelWarn:  "warn",
	LevelInfo:  "info",
	LevelDebug: "debug",
}

func (level Level) String() string {
	if int(level) < len(levelNames) {
		return levelNames[level]
	}

	return "unknown"
}

// ParseLevel reads LOG_LEVEL style names, case-insensitively. "warning" is
// accepted as an alias of "warn".
func ParseLevel(lvl string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(lvl))
	if name == "warning" {
		name = "warn"
	}

	for level, candidate := range levelNames {
		if candidate == name {
			return Level(level), nil
		}
	}

	return LevelError, fmt.Errorf("not a valid Level: %q", lvl)
}

// Field is one key/value attribute of a log entry.
type Field struct {
	Key   string
	Value any
}

// Any wraps an arbitrary value. Adapters mask values whose key looks
// sensitive, but payloads logged under neutral keys are written as is.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Err uses the conventional "error" key, which adapters render specially.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}
