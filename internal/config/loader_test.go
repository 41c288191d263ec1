package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withHome points the user home at a temp dir and returns the config dir.
func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "gencode")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, body string, perm os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), perm))
	require.NoError(t, os.Chmod(p, perm))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	withHome(t)
	t.Setenv("GENCODE_AGENT_EXECUTOR_URL", "http://executor:9000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrentSteps)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.StepTimeout.Duration())
	assert.Equal(t, 5.0, cfg.Budget.DefaultLimit)
	assert.Equal(t, 1.25, cfg.Budget.RetryScale)
	assert.Equal(t, 12000, cfg.Budget.StepTokens["architecture"])
	assert.Equal(t, 20.0, cfg.Router.Sharpness)
	assert.Equal(t, 2.0, cfg.Router.SoftSharpness)
	assert.Equal(t, 1.5, cfg.Router.EntropyThreshold)
	assert.Equal(t, 0.3, cfg.Evolution.MaxAlpha)
	assert.Equal(t, 0.95, cfg.Evolution.MaxConfidence)
	assert.Equal(t, 7.0, cfg.Gate.AcceptThreshold)
	assert.False(t, cfg.Repair.TransformationalEnabled)
	assert.False(t, cfg.Repair.AutoApproveMutations)
	assert.Equal(t, 5000, cfg.Embeddings.CacheSize)
	assert.Equal(t, 720*time.Hour, cfg.Embeddings.CacheTTL.Duration())
	assert.Equal(t, "runs", cfg.NATS.SubjectPrefix)
	assert.Empty(t, cfg.Checkpoint.Directory)

	assert.Equal(t, "http://executor:9000", cfg.ExecutorOptions().BaseURL)
	_, ok := cfg.ReviewerOptions()
	assert.False(t, ok)
}

func TestLoad_File(t *testing.T) {
	dir := withHome(t)
	p := writeConfig(t, dir, `
server:
  http_port: 9191
scheduler:
  max_concurrent_steps: 5
  workers: 8
  step_timeout: 90s
budget:
  default_limit: 2.5
  step_tokens:
    plan: 4000
checkpoint:
  directory: /var/lib/gencode/checkpoints
agent:
  executor_url: http://executor:9000
  reviewer_url: http://reviewer:9001
  api_key: s3cret
  request_timeout: 2m
logging:
  level: debug
  format: console
`, 0600)

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, ":9191", cfg.Server.Addr())

	so := cfg.SchedulerOptions()
	assert.Equal(t, 5, so.MaxConcurrentSteps)
	assert.Equal(t, 8, so.Workers)
	assert.Equal(t, 90*time.Second, so.StepTimeout)
	assert.Equal(t, 2.5, so.DefaultBudget)

	assert.Equal(t, map[string]int{"plan": 4000}, cfg.Budget.StepTokens)
	assert.Equal(t, "/var/lib/gencode/checkpoints", cfg.Checkpoint.Directory)

	rv, ok := cfg.ReviewerOptions()
	require.True(t, ok)
	assert.Equal(t, "http://reviewer:9001", rv.BaseURL)
	assert.Equal(t, "s3cret", rv.APIKey)
	assert.Equal(t, 2*time.Minute, rv.Timeout)
	assert.Equal(t, "[REDACTED]", cfg.Agent.APIKey.String())

	var logCfg struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
		Extra  string `koanf:"extra"`
	}
	logCfg.Extra = "kept"
	require.NoError(t, cfg.Section("logging", &logCfg))
	assert.Equal(t, "debug", logCfg.Level)
	assert.Equal(t, "console", logCfg.Format)
	assert.Equal(t, "kept", logCfg.Extra)

	var missing struct {
		Endpoint string `koanf:"endpoint"`
	}
	missing.Endpoint = "localhost:4317"
	require.NoError(t, cfg.Section("telemetry", &missing))
	assert.Equal(t, "localhost:4317", missing.Endpoint)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := withHome(t)
	p := writeConfig(t, dir, `
scheduler:
  max_concurrent_steps: 5
agent:
  executor_url: http://executor:9000
`, 0400)

	t.Setenv("GENCODE_SCHEDULER_MAX_CONCURRENT_STEPS", "7")
	t.Setenv("GENCODE_SCHEDULER_STEP_TIMEOUT", "3m")
	t.Setenv("GENCODE_GATE_ACCEPT_THRESHOLD", "8.5")
	t.Setenv("GENCODE_NATS_ENABLED", "true")
	t.Setenv("GENCODE_NATS_URL", "nats://bus:4222")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scheduler.MaxConcurrentSteps)
	assert.Equal(t, 3*time.Minute, cfg.Scheduler.StepTimeout.Duration())
	assert.Equal(t, 8.5, cfg.Gate.AcceptThreshold)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := withHome(t)
	p := writeConfig(t, dir, "agent:\n  executor_url: http://x\n", 0644)

	_, err := Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_RejectsPathOutsideAllowedDirs(t *testing.T) {
	withHome(t)
	p := filepath.Join(t.TempDir(), "config.yaml")

	_, err := Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoad_RejectsSiblingPrefixDir(t *testing.T) {
	dir := withHome(t)
	sibling := dir + "-evil"
	require.NoError(t, os.MkdirAll(sibling, 0700))

	_, err := Load(filepath.Join(sibling, "config.yaml"))
	require.Error(t, err)
}

func TestLoad_RejectsLargeFile(t *testing.T) {
	dir := withHome(t)
	body := "agent:\n  executor_url: http://x\n# " + strings.Repeat("x", maxConfigFileSize) + "\n"
	p := writeConfig(t, dir, body, 0600)

	_, err := Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file too large")
}

func TestLoad_ValidationFailure(t *testing.T) {
	withHome(t)
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.executor_url is required")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"GENCODE_SERVER_HTTP_PORT":                    "server.http_port",
		"GENCODE_SCHEDULER_MAX_CONCURRENT_STEPS":      "scheduler.max_concurrent_steps",
		"GENCODE_ROUTER_NORMALIZED_ENTROPY_THRESHOLD": "router.normalized_entropy_threshold",
		"GENCODE_DEBUG":                               "debug",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
