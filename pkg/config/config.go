package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/policy"
	"github.com/openfroyo/ignite/pkg/telemetry"
	"github.com/openfroyo/ignite/pkg/transports/ssh"
)

// EnvPrefix prefixes environment overrides. Nested keys are separated by a
// double underscore: IGNITE_EXECUTOR__MAX_PARALLEL=4.
const EnvPrefix = "IGNITE_"

// Config is the engine configuration.
type Config struct {
	Journal   JournalConfig   `koanf:"journal"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Backend   BackendConfig   `koanf:"backend"`
	Policy    PolicyConfig    `koanf:"policy"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// JournalConfig selects where journal entries are kept. Path is a directory;
// each deployment gets its own database or log file below it.
type JournalConfig struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite file memory"`
	Path   string `koanf:"path" validate:"required_unless=Driver memory"`
}

// ExecutorConfig mirrors engine.Options.
type ExecutorConfig struct {
	MaxParallel    int           `koanf:"max_parallel" validate:"min=1"`
	MaxAttempts    int           `koanf:"max_attempts" validate:"min=1"`
	BaseBackoff    time.Duration `koanf:"base_backoff" validate:"min=0"`
	MaxBackoff     time.Duration `koanf:"max_backoff" validate:"gtefield=BaseBackoff"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout" validate:"min=0"`
}

// BackendConfig selects the chain backend.
type BackendConfig struct {
	Type         string        `koanf:"type" validate:"oneof=simulator process ssh"`
	Network      string        `koanf:"network" validate:"required"`
	Command      string        `koanf:"command" validate:"required_if=Type process"`
	Args         []string      `koanf:"args"`
	ConfirmDelay time.Duration `koanf:"confirm_delay" validate:"min=0"`
	SSH          SSHConfig     `koanf:"ssh"`
}

// SSHConfig describes the remote host for the ssh backend.
type SSHConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port" validate:"min=0,max=65535"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
	KeyPath    string `koanf:"key_path"`
	KnownHosts string `koanf:"known_hosts"`
	Insecure   bool   `koanf:"insecure"`
	Binary     string `koanf:"binary"`
	RemotePath string `koanf:"remote_path"`
}

// PolicyConfig lists custom policy files or directories and the settings of
// the built-in policies. An empty ForbiddenMethods keeps the defaults.
type PolicyConfig struct {
	Paths            []string `koanf:"paths"`
	Watch            bool     `koanf:"watch"`
	AllowedActions   []string `koanf:"allowed_actions"`
	ForbiddenMethods []string `koanf:"forbidden_methods"`
	MaxActions       int      `koanf:"max_actions" validate:"min=1"`
}

// TelemetryConfig covers logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel        string `koanf:"log_level" validate:"oneof=trace debug info warn error fatal disabled"`
	LogFormat       string `koanf:"log_format" validate:"oneof=console json"`
	TracingExporter string `koanf:"tracing_exporter" validate:"oneof=none stdout otlp"`
	TracingEndpoint string `koanf:"tracing_endpoint"`
	MetricsAddr     string `koanf:"metrics_addr"`
}

func defaults() map[string]interface{} {
	opts := engine.DefaultOptions()
	return map[string]interface{}{
		"journal.driver":             "sqlite",
		"journal.path":               ".ignite",
		"executor.max_parallel":      opts.MaxParallel,
		"executor.max_attempts":      opts.MaxAttempts,
		"executor.base_backoff":      opts.BaseBackoff.String(),
		"executor.max_backoff":       opts.MaxBackoff.String(),
		"executor.attempt_timeout":   opts.AttemptTimeout.String(),
		"backend.type":               "simulator",
		"backend.network":            "devnode",
		"backend.confirm_delay":      "0s",
		"backend.ssh.port":           22,
		"backend.ssh.remote_path":    "/tmp/ignite-devnode",
		"policy.watch":               false,
		"policy.max_actions":         policy.DefaultMaxActions,
		"telemetry.log_level":        "info",
		"telemetry.log_format":       "console",
		"telemetry.tracing_exporter": "none",
	}
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	cfg, err := loadConfig(koanf.New("."))
	if err != nil {
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return cfg
}

// Load reads defaults, then the YAML file at path when it is non-empty, then
// IGNITE_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	return loadConfig(k)
}

// load applies defaults underneath whatever k already holds.
func loadConfig(k *koanf.Koanf) (*Config, error) {
	base := koanf.New(".")
	if err := base.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := base.Merge(k); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}
	if err := base.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Backend.Type == "ssh" {
		if c.Backend.SSH.Host == "" || c.Backend.SSH.User == "" {
			return fmt.Errorf("invalid configuration: backend.ssh needs host and user")
		}
	}
	return nil
}

// ExecutorOptions converts the executor section into engine options.
func (c *Config) ExecutorOptions() engine.Options {
	return engine.Options{
		MaxParallel:    c.Executor.MaxParallel,
		MaxAttempts:    c.Executor.MaxAttempts,
		BaseBackoff:    c.Executor.BaseBackoff,
		MaxBackoff:     c.Executor.MaxBackoff,
		AttemptTimeout: c.Executor.AttemptTimeout,
	}
}

// TelemetryOptions converts the telemetry section into a telemetry.Config.
func (c *Config) TelemetryOptions() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Environment = c.Backend.Network
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Enabled = c.Telemetry.TracingExporter != "none"
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddr
	return tc
}

// PolicyOptions converts the policy section into policy engine options.
func (c *Config) PolicyOptions() []policy.Option {
	opts := []policy.Option{
		policy.WithNetwork(c.Backend.Network),
		policy.WithMaxActions(c.Policy.MaxActions),
		policy.WithAllowedActions(c.Policy.AllowedActions...),
	}
	if len(c.Policy.ForbiddenMethods) > 0 {
		opts = append(opts, policy.WithForbiddenMethods(c.Policy.ForbiddenMethods...))
	}
	return opts
}

// SSHTransportConfig converts the backend.ssh section into a transport config.
// The remote backend is started with the configured network.
func (c *Config) SSHTransportConfig() *ssh.Config {
	s := c.Backend.SSH
	tc := ssh.DefaultConfig(s.Host, s.User)
	if s.Port != 0 {
		tc.Port = s.Port
	}
	if s.Password != "" {
		tc.AuthMethod = ssh.AuthMethodPassword
		tc.Password = s.Password
	}
	tc.PrivateKeyPath = s.KeyPath
	if s.KnownHosts != "" {
		tc.KnownHostsPath = s.KnownHosts
	}
	tc.StrictHostKeyChecking = !s.Insecure
	tc.LocalBinary = s.Binary
	if s.RemotePath != "" {
		tc.RemotePath = s.RemotePath
	}
	tc.RemoteArgs = append([]string{"--network", c.Backend.Network}, c.Backend.Args...)
	return tc
}

var validate = validator.New()
