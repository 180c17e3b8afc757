// Package config loads the router controller's configuration: the set of
// routing policies plus the ambient server/log/telemetry knobs, from a YAML
// document overlaid with environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the router controller's full configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" json:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry" env:"TELEMETRY"`
	Policies  []Policy        `yaml:"policies" json:"policies"`
}

// ServerConfig holds ambient HTTP-server and outbound-call tuning.
type ServerConfig struct {
	Addr                string        `yaml:"addr" json:"addr" env:"ADDR"`
	ReadTimeout         time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout        time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" json:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	ClassifierTimeout   time.Duration `yaml:"classifier_timeout" json:"classifier_timeout" env:"CLASSIFIER_TIMEOUT"`
	UpstreamRatePerSec  float64       `yaml:"upstream_rate_per_sec" json:"upstream_rate_per_sec" env:"UPSTREAM_RATE_PER_SEC"`
	UpstreamBurst       int           `yaml:"upstream_burst" json:"upstream_burst" env:"UPSTREAM_BURST"`
	CORSAllowedOrigins  []string      `yaml:"cors_allowed_origins" json:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	HealthProbeInterval time.Duration `yaml:"health_probe_interval" json:"health_probe_interval" env:"HEALTH_PROBE_INTERVAL"`
}

// LogConfig controls zap logger construction.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL"`
	Format string `yaml:"format" json:"format" env:"FORMAT"`
}

// TelemetryConfig controls the optional OTel tracing exporter.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" json:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate" env:"SAMPLE_RATE"`
}

// Policy pairs a classifier endpoint with its ordered candidate LLMs.
type Policy struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
	LLMs []LLM  `yaml:"llms" json:"llms"`
}

// LLM is a single backend chat-completions endpoint.
type LLM struct {
	Name    string `yaml:"name" json:"name"`
	APIBase string `yaml:"api_base" json:"api_base"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	Model   string `yaml:"model" json:"model"`
}

// Redacted returns a deep copy of cfg with every APIKey blanked, for the
// GET /config endpoint (spec.md §4.1).
func (c *Config) Redacted() *Config {
	out := *c
	out.Policies = make([]Policy, len(c.Policies))
	for i, p := range c.Policies {
		np := p
		np.LLMs = make([]LLM, len(p.LLMs))
		for j, l := range p.LLMs {
			nl := l
			nl.APIKey = ""
			np.LLMs[j] = nl
		}
		out.Policies[i] = np
	}
	return &out
}

// PolicyByName returns the named policy, if present.
func (c *Config) PolicyByName(name string) (Policy, bool) {
	for _, p := range c.Policies {
		if p.Name == name {
			return p, true
		}
	}
	return Policy{}, false
}

// LLMByName returns the LLM entry in p whose Name matches, if present.
func (p *Policy) LLMByName(name string) (LLM, bool) {
	for _, l := range p.LLMs {
		if l.Name == name {
			return l, true
		}
	}
	return LLM{}, false
}

// Validate enforces the invariants from spec.md §4.1: unique policy names,
// non-empty llms, and non-empty name/api_base/model on every LLM entry.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr must be set")
	}

	seen := make(map[string]bool, len(c.Policies))
	for i, p := range c.Policies {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("policies[%d]: name must be non-empty", i))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("policies[%d]: duplicate policy name %q", i, p.Name))
		}
		seen[p.Name] = true

		if len(p.LLMs) == 0 {
			errs = append(errs, fmt.Sprintf("policy %q: llms must be non-empty", p.Name))
		}
		for j, l := range p.LLMs {
			if l.Name == "" {
				errs = append(errs, fmt.Sprintf("policy %q: llms[%d].name must be non-empty", p.Name, j))
			}
			if l.APIBase == "" {
				errs = append(errs, fmt.Sprintf("policy %q: llms[%d].api_base must be non-empty", p.Name, j))
			}
			if l.Model == "" {
				errs = append(errs, fmt.Sprintf("policy %q: llms[%d].model must be non-empty", p.Name, j))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// =============================================================================
// Loader — builder-pattern loading: defaults -> YAML file -> env overlay.
// =============================================================================

// Loader loads a Config from a YAML file, overlaid with environment
// variables under a configurable prefix.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader with the default env prefix ROUTERCTL.
func NewLoader() *Loader {
	return &Loader{envPrefix: "ROUTERCTL"}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator registers an additional validation function run after load.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds a Config: defaults, then the YAML file (if configPath is set
// and exists), then environment overlay, then validation.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively overlays struct fields tagged `env:"..."`
// from environment variables named PREFIX_TAG (nested structs recurse with
// an extended prefix). Fields without an env tag, and the Policies slice
// (which has no scalar env representation), are left untouched.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(n)
		}
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads configuration from path with the default env prefix,
// panicking on failure, for callers where a config error is an
// unrecoverable startup failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
