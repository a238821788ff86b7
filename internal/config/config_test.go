package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
metrics:
  enabled: true
  port: 9090
workers:
  - class: image-processor
    command: ./bin/image-worker
    args: ["--quality", "high"]
    env: ["CACHE_DIR=/tmp/img"]
    min_instances: 2
    max_instances: 8
    timeout: 45s
    auto_restart: true
    restart_delay: 2s
    max_restart_attempts: 3
    health_check_interval: 15s
  - class: report-builder
    command: ./bin/report-worker
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	require.Len(t, cfg.Workers, 2)

	w := cfg.Workers[0]
	assert.Equal(t, "image-processor", w.Class)
	assert.Equal(t, "./bin/image-worker", w.Command)
	assert.Equal(t, []string{"--quality", "high"}, w.Args)
	assert.Equal(t, []string{"CACHE_DIR=/tmp/img"}, w.Env)
	assert.Equal(t, 45*time.Second, w.Timeout.Std())
	assert.True(t, w.AutoRestart)

	opts := w.PoolOptions()
	assert.Equal(t, 2, opts.MinInstances)
	assert.Equal(t, 8, opts.MaxInstances)
	assert.Equal(t, 2*time.Second, opts.RestartDelay)
	assert.Equal(t, 3, opts.MaxRestartAttempts)
	assert.Equal(t, 15*time.Second, opts.HealthCheckInterval)

	// Unset fields fall back to pool defaults during validation.
	second := cfg.Workers[1].PoolOptions()
	require.NoError(t, second.Normalize())
	assert.Equal(t, 4, second.MaxInstances)
	assert.Equal(t, 30*time.Second, second.Timeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "workers: [class: {{nope")
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `
workers:
  - class: w
    command: ./bin/w
    timeout: fast
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse duration")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "no workers",
			body:    "workers: []",
			wantErr: "no workers",
		},
		{
			name: "empty class",
			body: `
workers:
  - command: ./bin/w
`,
			wantErr: "class must not be empty",
		},
		{
			name: "empty command",
			body: `
workers:
  - class: w
`,
			wantErr: "command must not be empty",
		},
		{
			name: "duplicate class",
			body: `
workers:
  - class: w
    command: ./bin/w
  - class: w
    command: ./bin/w
`,
			wantErr: "duplicate class",
		},
		{
			name: "max below min",
			body: `
workers:
  - class: w
    command: ./bin/w
    min_instances: 5
    max_instances: 2
`,
			wantErr: "MaxInstances",
		},
		{
			name: "metrics port out of range",
			body: `
metrics:
  enabled: true
  port: 70000
workers:
  - class: w
    command: ./bin/w
`,
			wantErr: "port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
