package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalText([]byte("300")))
	assert.Equal(t, 5*time.Minute, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("-5")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	out, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"2s"`, string(out))
}

func TestSecret_Redacts(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	out, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(out))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())

	var in Secret
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &in))
	assert.Equal(t, "abc", in.Value())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "invalid server port"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Scheduler.MaxConcurrentSteps = 0 }, wantErr: "max_concurrent_steps"},
		{name: "negative workers", mutate: func(c *Config) { c.Scheduler.Workers = -1 }, wantErr: "workers"},
		{name: "bad retry scale", mutate: func(c *Config) { c.Budget.RetryScale = 0.5 }, wantErr: "retry_scale"},
		{name: "soft sharper than hard", mutate: func(c *Config) { c.Router.SoftSharpness = 40 }, wantErr: "soft_sharpness"},
		{name: "alpha above one", mutate: func(c *Config) { c.Evolution.MaxAlpha = 1.5 }, wantErr: "max_alpha"},
		{
			name:    "transformational without sandbox",
			mutate:  func(c *Config) { c.Repair.TransformationalEnabled = true },
			wantErr: "requires repair.sandboxed",
		},
		{
			name:    "auto approval without transformational tier",
			mutate:  func(c *Config) { c.Repair.AutoApproveMutations = true },
			wantErr: "auto_approve_mutations requires",
		},
		{name: "threshold out of range", mutate: func(c *Config) { c.Gate.AcceptThreshold = 11 }, wantErr: "accept_threshold"},
		{name: "unknown provider", mutate: func(c *Config) { c.Embeddings.Provider = "onnx" }, wantErr: "embeddings.provider"},
		{name: "nats without url", mutate: func(c *Config) { c.NATS.Enabled = true }, wantErr: "nats.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Agent.ExecutorURL = "http://executor"
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
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
