// Package config loads and watches the YAML configuration of a transport
// node: where to listen, which identity to terminate TLS with, the static
// service registry and the telemetry endpoint.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds the full configuration of one transport node.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Services  ServicesConfig  `yaml:"services"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the listening side of the node.
type ServerConfig struct {
	// Address is the bind address, host:port.
	Address string `yaml:"address"`
	// MetricsAddress serves prometheus metrics and pprof; empty disables it.
	MetricsAddress string `yaml:"metrics_address"`
	// TLSEnabled switches between TLS termination and plaintext.
	TLSEnabled bool `yaml:"tls_enabled"`
	// Identity selects the key pair under {cert_root}/{identity}/rsa/.
	Identity string `yaml:"identity"`
	// CertRoot is the certificate material root directory.
	CertRoot string `yaml:"cert_root"`
	// HandshakeTimeout bounds each TLS handshake. Zero uses the default.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// ReadTimeout bounds reading one request on a kept-alive connection.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// ClientConfig configures outbound calls.
type ClientConfig struct {
	// CallTimeout bounds one full outbound call. Zero uses the default.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// TrustBundle is the PEM file used to verify peers.
	TrustBundle string `yaml:"trust_bundle"`
}

// ServicesConfig is the static name to address map backing the registry.
type ServicesConfig map[string]ServiceEntry

// ServiceEntry describes one reachable peer service.
type ServiceEntry struct {
	Address string `yaml:"address"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// envConfig carries the environment overrides applied on top of the file.
type envConfig struct {
	CertRoot     string `env:"CERTIFICATE_ROOT"`
	Address      string `env:"MESHWIRE_LISTEN_ADDR"`
	OTLPEndpoint string `env:"MESHWIRE_OTLP_ENDPOINT"`
	LogLevel     string `env:"MESHWIRE_LOG_LEVEL"`
}

// Load reads the configuration file, applies environment overrides and
// validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address:  ":9443",
			CertRoot: ".",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "meshwire",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var overrides envConfig
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	if overrides.CertRoot != "" {
		cfg.Server.CertRoot = overrides.CertRoot
	}
	if overrides.Address != "" {
		cfg.Server.Address = overrides.Address
	}
	if overrides.OTLPEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = overrides.OTLPEndpoint
	}
	if overrides.LogLevel != "" {
		cfg.Logging.Level = overrides.LogLevel
	}
	return nil
}

// Validate checks structural constraints that cannot be expressed in YAML.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Address == "" {
		problems = append(problems, "server.address must not be empty")
	}
	if c.Server.TLSEnabled {
		if c.Server.Identity == "" {
			problems = append(problems, "server.identity is required when tls_enabled is true")
		}
		if c.Server.CertRoot == "" {
			problems = append(problems, "server.cert_root is required when tls_enabled is true")
		}
	}
	for name, entry := range c.Services {
		if name == "" {
			problems = append(problems, "services entries require a non-empty name")
		}
		if entry.Address == "" {
			problems = append(problems, fmt.Sprintf("services.%s.address must not be empty", name))
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// RegistryEntries converts the services section into the address map the
// registry constructor expects.
func (c *Config) RegistryEntries() map[string]string {
	entries := make(map[string]string, len(c.Services))
	for name, svc := range c.Services {
		entries[name] = svc.Address
	}
	return entries
}
