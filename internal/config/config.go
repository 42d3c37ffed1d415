package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/fleetform/internal/autoscale"
	"github.com/picklr-io/fleetform/internal/engine"
	"github.com/picklr-io/fleetform/internal/lock"
	"github.com/picklr-io/fleetform/internal/state"
)

// DefaultPath is where the CLI looks for a config file.
const DefaultPath = "fleetform.yaml"

// Config represents the application configuration
type Config struct {
	Log          LogConfig                    `yaml:"log"`
	State        state.BackendConfig          `yaml:"state"`
	Lock         LockConfig                   `yaml:"lock"`
	Engine       EngineConfig                 `yaml:"engine"`
	Providers    map[string]map[string]string `yaml:"providers"`
	Declarations []string                     `yaml:"declarations"`
	Agent        AgentConfig                  `yaml:"agent"`
	Fleets       []FleetConfig                `yaml:"fleets" validate:"dive"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// LockConfig selects the lock backend and the scope guarded by it
type LockConfig struct {
	lock.BackendConfig `yaml:",inline"`
	Scope              string   `yaml:"scope"`
	Lease              Duration `yaml:"lease"`
}

// EngineConfig tunes convergence sessions
type EngineConfig struct {
	Parallelism int      `yaml:"parallelism" validate:"gte=0,lte=256"`
	MaxRetries  int      `yaml:"max_retries" validate:"gte=0"`
	RetryBase   Duration `yaml:"retry_base"`
	RetryMax    Duration `yaml:"retry_max"`
	CallTimeout Duration `yaml:"call_timeout"`
	RateLimit   float64  `yaml:"rate_limit" validate:"gte=0"` // provider calls per second, 0 = unlimited
}

// AgentConfig contains the long-running agent's listeners
type AgentConfig struct {
	HTTPAddr        string   `yaml:"http_addr"`
	GRPCAddr        string   `yaml:"grpc_addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// FleetConfig declares one autoscaled fleet
type FleetConfig struct {
	Name             string         `yaml:"name" validate:"required"`
	FleetID          string         `yaml:"fleet_id"`
	Provider         string         `yaml:"provider" validate:"required"`
	Min              int            `yaml:"min" validate:"gte=0"`
	Max              int            `yaml:"max" validate:"gtefield=Min"`
	Desired          int            `yaml:"desired" validate:"gte=0"`
	Metric           string         `yaml:"metric" validate:"required"`
	Statistic        string         `yaml:"statistic" validate:"omitempty,oneof=Average Maximum Minimum Sum SampleCount"`
	Period           Duration       `yaml:"period"`
	HealthInterval   Duration       `yaml:"health_interval"`
	Grace            Duration       `yaml:"grace"`
	FailureThreshold int            `yaml:"failure_threshold" validate:"gte=0"`
	Properties       map[string]any `yaml:"properties"`
	Alarms           []AlarmConfig  `yaml:"alarms" validate:"dive"`
	Policies         []PolicyConfig `yaml:"policies" validate:"dive"`
}

type AlarmConfig struct {
	Name      string  `yaml:"name" validate:"required"`
	Threshold float64 `yaml:"threshold"`
	Operator  string  `yaml:"operator" validate:"required,oneof=>= <="`
	Periods   int     `yaml:"periods" validate:"gte=1"`
}

type PolicyConfig struct {
	Name       string   `yaml:"name" validate:"required"`
	Alarm      string   `yaml:"alarm" validate:"required"`
	Adjustment int      `yaml:"adjustment" validate:"ne=0"`
	Cooldown   Duration `yaml:"cooldown"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string such as "30s".
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

var validate = validator.New()

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// LoadOrDefault is Load, falling back to defaults when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Default returns the configuration used without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Parse decodes and validates a YAML document. ${VAR} and ${VAR:default}
// references are expanded from the environment first.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.State.Type == "" {
		c.State.Type = "local"
	}
	if c.Lock.Type == "" {
		c.Lock.Type = "memory"
	}
	if c.Lock.Scope == "" {
		c.Lock.Scope = "default"
	}
	if c.Lock.Lease == 0 {
		c.Lock.Lease = Duration(30 * time.Second)
	}
	if len(c.Declarations) == 0 {
		c.Declarations = []string{"main.pkl"}
	}
	if c.Agent.HTTPAddr == "" {
		c.Agent.HTTPAddr = ":8080"
	}
	if c.Agent.GRPCAddr == "" {
		c.Agent.GRPCAddr = ":9090"
	}
	if c.Agent.ShutdownTimeout == 0 {
		c.Agent.ShutdownTimeout = Duration(10 * time.Second)
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	names := make(map[string]bool, len(c.Fleets))
	for _, f := range c.Fleets {
		if names[f.Name] {
			return fmt.Errorf("invalid config: duplicate fleet %q", f.Name)
		}
		names[f.Name] = true
		if err := f.Spec().Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

// GetParallelism returns the worker count with default
func (c *EngineConfig) GetParallelism() int {
	if c.Parallelism <= 0 {
		return 10
	}
	return c.Parallelism
}

// RetryPolicy returns the retry policy with defaults filled in.
func (c *EngineConfig) RetryPolicy() *engine.RetryPolicy {
	p := engine.DefaultRetryPolicy()
	if c.MaxRetries > 0 {
		p.MaxRetries = c.MaxRetries
	}
	if c.RetryBase > 0 {
		p.BaseDelay = c.RetryBase.Duration()
	}
	if c.RetryMax > 0 {
		p.MaxDelay = c.RetryMax.Duration()
	}
	return p
}

// Options builds engine session options for holder.
func (c *Config) Options(holder string) engine.Options {
	return engine.Options{
		Scope:       c.Lock.Scope,
		Holder:      holder,
		Lease:       c.Lock.Lease.Duration(),
		Parallelism: c.Engine.GetParallelism(),
		Retry:       c.Engine.RetryPolicy(),
		CallTimeout: c.Engine.CallTimeout.Duration(),
	}
}

// Spec converts the fleet block into a controller spec.
func (f FleetConfig) Spec() autoscale.FleetSpec {
	spec := autoscale.FleetSpec{
		Name:             f.Name,
		FleetID:          f.FleetID,
		Provider:         f.Provider,
		Capacity:         autoscale.Capacity{Min: f.Min, Desired: f.Desired, Max: f.Max},
		Metric:           f.Metric,
		Statistic:        autoscale.Statistic(f.Statistic),
		Period:           f.Period.Duration(),
		HealthInterval:   f.HealthInterval.Duration(),
		Grace:            f.Grace.Duration(),
		FailureThreshold: f.FailureThreshold,
		Properties:       f.Properties,
	}
	if spec.Capacity.Desired == 0 {
		spec.Capacity.Desired = f.Min
	}
	for _, a := range f.Alarms {
		spec.Alarms = append(spec.Alarms, autoscale.AlarmSpec{
			Name:      a.Name,
			Threshold: a.Threshold,
			Operator:  autoscale.Operator(a.Operator),
			Periods:   a.Periods,
		})
	}
	for _, p := range f.Policies {
		spec.Policies = append(spec.Policies, autoscale.PolicySpec{
			Name:       p.Name,
			Alarm:      p.Alarm,
			Adjustment: p.Adjustment,
			Cooldown:   p.Cooldown.Duration(),
		})
	}
	return spec
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}
