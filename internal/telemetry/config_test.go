package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "gencode-orchestrator", cfg.ServiceName)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "enabled local", mutate: func(c *Config) {}},
		{name: "no endpoint", mutate: func(c *Config) { c.Endpoint = "" }, wantErr: "endpoint is required"},
		{name: "bad protocol", mutate: func(c *Config) { c.Protocol = "udp" }, wantErr: "protocol"},
		{name: "no service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service_name"},
		{name: "insecure remote", mutate: func(c *Config) { c.Endpoint = "otel.internal:4317" }, wantErr: "insecure"},
		{
			name: "tls remote",
			mutate: func(c *Config) {
				c.Endpoint = "otel.internal:4317"
				c.Insecure = false
			},
		},
		{name: "rate too high", mutate: func(c *Config) { c.Sampling.Rate = 1.5 }, wantErr: "sampling.rate"},
		{name: "zero interval", mutate: func(c *Config) { c.Metrics.ExportInterval = 0 }, wantErr: "export_interval"},
		{name: "zero shutdown", mutate: func(c *Config) { c.Shutdown.Timeout = 0 }, wantErr: "shutdown.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsLoopback(t *testing.T) {
	for _, ep := range []string{"localhost:4317", "127.0.0.1:4317", "127.1.2.3", "[::1]:4317", "::1", "http://localhost:4318"} {
		assert.True(t, isLoopback(ep), ep)
	}
	for _, ep := range []string{"otel:4317", "10.0.0.1:4317", "https://collector.example.com", "localhost.evil.com:4317"} {
		assert.False(t, isLoopback(ep), ep)
	}
}
