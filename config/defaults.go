package config

import "time"

// DefaultConfig returns the configuration used before the YAML file and
// environment overlay are applied.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default ambient server configuration,
// matching spec.md §4.8/§9 (listen address 0.0.0.0:8084, 5s classifier
// timeout, unbounded upstream rate limit).
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:                "0.0.0.0:8084",
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        0, // streaming responses may run arbitrarily long
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		ClassifierTimeout:   5 * time.Second,
		UpstreamRatePerSec:  0, // 0 disables the outbound limiter
		UpstreamBurst:       0,
		CORSAllowedOrigins:  nil,
		HealthProbeInterval: 30 * time.Second,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
	}
}

// DefaultTelemetryConfig returns the default (disabled) telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4318",
		ServiceName:  "router-controller",
		SampleRate:   0.1,
	}
}
