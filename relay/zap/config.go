package zap

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment is the deployment profile read from RELAY_ENV.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentUAT         Environment = "uat"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

var errMissingLibraryName = errors.New("OTelLibraryName is required")

// Config holds logger initialization inputs. ServiceName and Version, when
// set, are attached to every entry.
type Config struct {
	Environment     Environment
	Level           string
	OTelLibraryName string
	ServiceName     string
	Version         string
}

func (c Config) verbose() bool {
	return c.Environment == EnvironmentDevelopment || c.Environment == EnvironmentLocal
}

func (c Config) validate() error {
	if c.OTelLibraryName == "" {
		return errMissingLibraryName
	}

	switch c.Environment {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentUAT, EnvironmentDevelopment, EnvironmentLocal:
		return nil
	}

	return fmt.Errorf("invalid environment %q", c.Environment)
}

// New builds a JSON logger whose entries are also forwarded to the OTel log
// pipeline through otelzap.
func New(cfg Config) (*Logger, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid zap config: %w", err)
	}

	level, err := cfg.atomicLevel()
	if err != nil {
		return nil, err
	}

	zapCfg := buildConfigByEnvironment(cfg.Environment)
	zapCfg.Level = level
	zapCfg.DisableStacktrace = true
	zapCfg.InitialFields = cfg.initialFields()

	built, err := zapCfg.Build(
		zap.AddCallerSkip(1),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(cfg.OTelLibraryName))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return &Logger{logger: built, atomicLevel: level}, nil
}

func (c Config) atomicLevel() (zap.AtomicLevel, error) {
	if strings.TrimSpace(c.Level) == "" {
		if c.verbose() {
			return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
		}

		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}

	var parsed zapcore.Level
	if err := parsed.Set(c.Level); err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", c.Level, err)
	}

	return zap.NewAtomicLevelAt(parsed), nil
}

func (c Config) initialFields() map[string]any {
	fields := map[string]any{"env": string(c.Environment)}

	if c.ServiceName != "" {
		fields["service"] = c.ServiceName
	}

	if c.Version != "" {
		fields["version"] = c.Version
	}

	return fields
}

func buildConfigByEnvironment(environment Environment) zap.Config {
	cfg := zap.NewProductionConfig()
	if environment == EnvironmentDevelopment || environment == EnvironmentLocal {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg
}
