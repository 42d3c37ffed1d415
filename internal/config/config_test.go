package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/fleetform/internal/autoscale"
)

const sample = `
log:
  level: debug
  format: json
state:
  type: sqlite
  config:
    path: ${STATE_DIR:/var/lib/fleetform}/state.db
lock:
  type: sqlite
  config:
    path: /tmp/locks.db
  scope: prod
  lease: 45s
engine:
  parallelism: 4
  max_retries: 5
  retry_base: 200ms
  call_timeout: 2m
providers:
  aws:
    region: eu-west-1
declarations:
  - infra/main.pkl
  - infra/extra.yaml
fleets:
  - name: web
    provider: aws
    fleet_id: web-asg
    min: 2
    max: 4
    desired: 2
    metric: CPUUtilization
    statistic: Maximum
    period: 30s
    failure_threshold: 3
    alarms:
      - name: high
        threshold: 70
        operator: ">="
        periods: 1
    policies:
      - name: up
        alarm: high
        adjustment: 1
        cooldown: 300s
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.State.Type)
	assert.Equal(t, "/var/lib/fleetform/state.db", cfg.State.Config["path"])
	assert.Equal(t, "sqlite", cfg.Lock.Type)
	assert.Equal(t, "/tmp/locks.db", cfg.Lock.Config["path"])
	assert.Equal(t, "prod", cfg.Lock.Scope)
	assert.Equal(t, 45*time.Second, cfg.Lock.Lease.Duration())
	assert.Equal(t, "eu-west-1", cfg.Providers["aws"]["region"])
	assert.Equal(t, []string{"infra/main.pkl", "infra/extra.yaml"}, cfg.Declarations)
	require.Len(t, cfg.Fleets, 1)

	// defaults fill what the file leaves out
	assert.Equal(t, ":8080", cfg.Agent.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.Agent.ShutdownTimeout.Duration())
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("STATE_DIR", "/data")
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "/data/state.db", cfg.State.Config["path"])
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "local", cfg.State.Type)
	assert.Equal(t, "memory", cfg.Lock.Type)
	assert.Equal(t, "default", cfg.Lock.Scope)
	assert.Equal(t, 30*time.Second, cfg.Lock.Lease.Duration())
	assert.Equal(t, []string{"main.pkl"}, cfg.Declarations)
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadOrDefault(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.State.Type)

	path := filepath.Join(dir, "fleetform.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))
	cfg, err = LoadOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad log level", "log:\n  level: loud\n"},
		{"bad duration", "lock:\n  lease: soon\n"},
		{"negative parallelism", "engine:\n  parallelism: -1\n"},
		{"fleet without metric", "fleets:\n  - name: web\n    provider: stub\n    min: 1\n    max: 2\n"},
		{"max below min", "fleets:\n  - name: web\n    provider: stub\n    metric: cpu\n    min: 3\n    max: 2\n"},
		{"bad operator", "fleets:\n  - name: web\n    provider: stub\n    metric: cpu\n    max: 2\n    alarms:\n      - name: a\n        operator: '>'\n        periods: 1\n"},
		{"zero adjustment", "fleets:\n  - name: web\n    provider: stub\n    metric: cpu\n    max: 2\n    alarms:\n      - name: a\n        operator: '>='\n        periods: 1\n    policies:\n      - name: p\n        alarm: a\n        adjustment: 0\n"},
		{"unknown alarm", "fleets:\n  - name: web\n    provider: stub\n    metric: cpu\n    max: 2\n    policies:\n      - name: p\n        alarm: ghost\n        adjustment: 1\n"},
		{"duplicate fleet", "fleets:\n  - name: web\n    provider: stub\n    metric: cpu\n    max: 1\n  - name: web\n    provider: stub\n    metric: cpu\n    max: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestFleetConfig_Spec(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	spec := cfg.Fleets[0].Spec()
	assert.Equal(t, "web", spec.Name)
	assert.Equal(t, "web-asg", spec.FleetID)
	assert.Equal(t, autoscale.Capacity{Min: 2, Desired: 2, Max: 4}, spec.Capacity)
	assert.Equal(t, autoscale.Maximum, spec.Statistic)
	assert.Equal(t, 30*time.Second, spec.Period)
	assert.Equal(t, 3, spec.FailureThreshold)
	require.Len(t, spec.Alarms, 1)
	assert.Equal(t, autoscale.GreaterOrEqual, spec.Alarms[0].Operator)
	require.Len(t, spec.Policies, 1)
	assert.Equal(t, 300*time.Second, spec.Policies[0].Cooldown)
	assert.NoError(t, spec.Validate())
}

func TestFleetConfig_SpecDesiredDefaultsToMin(t *testing.T) {
	spec := FleetConfig{Name: "w", Provider: "null", Metric: "cpu", Min: 2, Max: 5}.Spec()
	assert.Equal(t, 2, spec.Capacity.Desired)
}

func TestOptions(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	opts := cfg.Options("ci")
	assert.Equal(t, "prod", opts.Scope)
	assert.Equal(t, "ci", opts.Holder)
	assert.Equal(t, 45*time.Second, opts.Lease)
	assert.Equal(t, 4, opts.Parallelism)
	assert.Equal(t, 2*time.Minute, opts.CallTimeout)
	assert.Equal(t, 5, opts.Retry.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, opts.Retry.BaseDelay)
}
