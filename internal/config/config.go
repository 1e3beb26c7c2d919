// Package config provides configuration parsing and validation for remote-shell.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/remote-shell/internal/shell"
	"github.com/postalsys/remote-shell/internal/transport"
)

// Config represents the complete remote-shell configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Host    HostConfig    `yaml:"host"`
	Device  DeviceConfig  `yaml:"device"`
	Shell   shell.Config  `yaml:"shell"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TLSConfig defines TLS settings for one role. The same section serves both
// directions: Cert and Key are used when the role listens, CA when it dials.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Cert       string `yaml:"cert"`        // Certificate chain file (PEM or DER)
	Key        string `yaml:"key"`         // PKCS8 private key file (PEM or DER)
	CA         string `yaml:"ca"`          // CA bundle file; empty uses system roots
	ServerName string `yaml:"server_name"` // Name verified when dialing
}

// HostConfig contains host role settings.
type HostConfig struct {
	Address          string        `yaml:"address"`
	Path             string        `yaml:"path"`
	TLS              TLSConfig     `yaml:"tls"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	Prompt           string        `yaml:"prompt"`
}

// DeviceConfig contains device role settings.
type DeviceConfig struct {
	Address          string        `yaml:"address"`
	Path             string        `yaml:"path"`
	TLS              TLSConfig     `yaml:"tls"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	MaxConnections   int           `yaml:"max_connections"` // 0 = unlimited
	AcceptRate       float64       `yaml:"accept_rate"`     // connections per second, 0 = unlimited
	AcceptBurst      int           `yaml:"accept_burst"`
	FailurePolicy    string        `yaml:"failure_policy"` // cascade, isolate
}

// MetricsConfig defines the health and metrics server settings.
type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Host: HostConfig{
			Address:          "0.0.0.0:4443",
			Path:             transport.DefaultPath,
			HandshakeTimeout: transport.DefaultHandshakeTimeout,
			DialTimeout:      10 * time.Second,
		},
		Device: DeviceConfig{
			Address:          "127.0.0.1:4443",
			Path:             transport.DefaultPath,
			HandshakeTimeout: transport.DefaultHandshakeTimeout,
			DialTimeout:      10 * time.Second,
			AcceptBurst:      1,
			FailurePolicy:    "cascade",
		},
		Shell: shell.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are kept as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	errs = append(errs, validateEndpoint("host", c.Host.Path, c.Host.TLS, c.Host.HandshakeTimeout, c.Host.DialTimeout)...)
	errs = append(errs, validateEndpoint("device", c.Device.Path, c.Device.TLS, c.Device.HandshakeTimeout, c.Device.DialTimeout)...)

	if c.Device.MaxConnections < 0 {
		errs = append(errs, "device.max_connections must not be negative")
	}
	if c.Device.AcceptRate < 0 {
		errs = append(errs, "device.accept_rate must not be negative")
	}
	if c.Device.AcceptRate > 0 && c.Device.AcceptBurst < 1 {
		errs = append(errs, "device.accept_burst must be positive when accept_rate is set")
	}
	switch c.Device.FailurePolicy {
	case "cascade", "isolate":
	default:
		errs = append(errs, fmt.Sprintf("invalid device.failure_policy: %s (must be cascade or isolate)", c.Device.FailurePolicy))
	}

	if c.Shell.Timeout < 0 {
		errs = append(errs, "shell.timeout must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateEndpoint(section, path string, t TLSConfig, handshake, dial time.Duration) []string {
	var errs []string
	if !strings.HasPrefix(path, "/") {
		errs = append(errs, fmt.Sprintf("%s.path must start with /", section))
	}
	if (t.Cert == "") != (t.Key == "") {
		errs = append(errs, fmt.Sprintf("%s.tls.cert and %s.tls.key must be set together", section, section))
	}
	if handshake <= 0 {
		errs = append(errs, fmt.Sprintf("%s.handshake_timeout must be positive", section))
	}
	if dial <= 0 {
		errs = append(errs, fmt.Sprintf("%s.dial_timeout must be positive", section))
	}
	return errs
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// ServerTLS loads the certificate and key files for a listening role.
// It returns nil when TLS is disabled.
func (t TLSConfig) ServerTLS() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	if t.Cert == "" || t.Key == "" {
		return nil, fmt.Errorf("%w: tls.cert and tls.key are required to listen with TLS", transport.ErrTLSConfig)
	}
	certData, err := os.ReadFile(t.Cert)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyData, err := os.ReadFile(t.Key)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return transport.ServerTLSConfig(certData, keyData)
}

// ClientTLS loads the CA bundle for a dialing role. It returns nil when TLS
// is disabled. Without a CA file the system roots are trusted.
func (t TLSConfig) ClientTLS() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	var bundle []byte
	if t.CA != "" {
		data, err := os.ReadFile(t.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		bundle = data
	}
	return transport.ClientTLSConfig(bundle)
}

// String returns a string representation of the config with key paths redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with private key paths hidden.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Host.TLS.Key != "" {
		redacted.Host.TLS.Key = redactedValue
	}
	if redacted.Device.TLS.Key != "" {
		redacted.Device.TLS.Key = redactedValue
	}
	return &redacted
}
