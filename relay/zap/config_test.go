//go:build unit

package zap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Environment: EnvironmentProduction})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTelLibraryName is required")

	_, err = New(Config{Environment: Environment("banana"), OTelLibraryName: "relay"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid environment")

	_, err = New(Config{Environment: EnvironmentProduction, OTelLibraryName: "relay", Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid level")
}

func TestNewResolvesLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want zapcore.Level
	}{
		{name: "development defaults to debug", cfg: Config{Environment: EnvironmentDevelopment}, want: zapcore.DebugLevel},
		{name: "local defaults to debug", cfg: Config{Environment: EnvironmentLocal}, want: zapcore.DebugLevel},
		{name: "production defaults to info", cfg: Config{Environment: EnvironmentProduction}, want: zapcore.InfoLevel},
		{name: "staging defaults to info", cfg: Config{Environment: EnvironmentStaging}, want: zapcore.InfoLevel},
		{name: "explicit level wins", cfg: Config{Environment: EnvironmentLocal, Level: "error"}, want: zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := tt.cfg
			cfg.OTelLibraryName = "relay"

			logger, err := New(cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.Level().Level())
		})
	}
}

func TestBuildConfigByEnvironment(t *testing.T) {
	t.Parallel()

	dev := buildConfigByEnvironment(EnvironmentDevelopment)
	assert.Equal(t, "json", dev.Encoding)
	assert.True(t, dev.Development)

	prod := buildConfigByEnvironment(EnvironmentProduction)
	assert.Equal(t, "json", prod.Encoding)
	assert.False(t, prod.Development)
}

func TestConfigInitialFields(t *testing.T) {
	t.Parallel()

	fields := Config{Environment: EnvironmentStaging, ServiceName: "workflow-relay", Version: "1.2.0"}.initialFields()
	assert.Equal(t, map[string]any{"env": "staging", "service": "workflow-relay", "version": "1.2.0"}, fields)

	fields = Config{Environment: EnvironmentLocal}.initialFields()
	assert.Equal(t, map[string]any{"env": "local"}, fields)
}
