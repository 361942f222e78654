package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  LogConfig
		wantErr bool
	}{
		{
			name:    "default config",
			config:  DefaultLogConfig(),
			wantErr: false,
		},
		{
			name: "console format",
			config: LogConfig{
				Level:  "debug",
				Format: "console",
				Output: "stdout",
			},
			wantErr: false,
		},
		{
			name: "stderr output",
			config: LogConfig{
				Level:  "warn",
				Format: "json",
				Output: "stderr",
			},
			wantErr: false,
		},
		{
			name: "invalid level",
			config: LogConfig{
				Level:  "shouting",
				Format: "json",
				Output: "stdout",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)

			logger.Info("test message", String("key", "value"))
			assert.NotNil(t, logger.With(String("component", "test")))
		})
	}
}

func TestContextPropagation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Empty(t, TenantIDFromContext(ctx))

	ctx = ContextWithRequestID(ctx, "req-123")
	ctx = ContextWithTenantID(ctx, "acme")

	assert.Equal(t, "req-123", RequestIDFromContext(ctx))
	assert.Equal(t, "acme", TenantIDFromContext(ctx))

	fields := extractContextFields(ctx)
	assert.Len(t, fields, 2)
}

func TestWithContextAddsFields(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	// No request-scoped values: the same logger comes back.
	plain := logger.WithContext(context.Background())
	assert.Equal(t, logger, plain)

	ctx := ContextWithRequestID(context.Background(), "req-456")
	scoped := logger.WithContext(ctx)
	assert.NotEqual(t, logger, scoped)
	scoped.Info("scoped message")
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NopLogger()
	logger.Debug("ignored")
	logger.Info("ignored")
	logger.Warn("ignored")
	logger.Error("ignored")
	assert.Equal(t, logger, logger.With(String("k", "v")))
	assert.NoError(t, logger.Sync())
}

func TestGlobalLogger(t *testing.T) {
	assert.NotNil(t, L())

	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	SetGlobalLogger(logger)
	defer SetGlobalLogger(nil)

	assert.Equal(t, logger, L())
}
