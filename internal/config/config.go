// Package config provides configuration parsing and validation for the
// agent's transport, control interface, and logging.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Transport TransportConfig `yaml:"transport"`
	TLS       GlobalTLSConfig `yaml:"tls"`
	Control   ControlConfig   `yaml:"control"`
}

// AgentConfig contains agent identity and logging settings.
type AgentConfig struct {
	DataDir   string `yaml:"data_dir"`   // Directory for persistent session state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// TransportConfig defines the transport's connection URL and budgets.
type TransportConfig struct {
	// URL is the transport directive: tcp://host:port, tcp://:port
	// (bind), tcp6://host:port?scope, or the inherit/staged forms described
	// in internal/transport/resolve.go.
	URL string `yaml:"url"`

	// RetryTotal bounds how long the Connection Establisher retries a
	// failing connect/bind before giving up. Zero means retry forever
	// (subject only to Expiry).
	RetryTotal time.Duration `yaml:"retry_total"`

	// RetryWait is the delay between establishment retries.
	RetryWait time.Duration `yaml:"retry_wait"`

	// Comms is the maximum time the dispatch loop tolerates without
	// receiving a packet before treating the session as dead. Zero
	// disables the comms timeout.
	Comms time.Duration `yaml:"comms"`

	// Expiry is the total lifetime budget for the session, measured from
	// Transport creation. Zero disables expiry.
	Expiry time.Duration `yaml:"expiry"`

	// MaxAttemptRate caps reconnect attempts per second, independent of
	// RetryWait. Zero disables the cap.
	MaxAttemptRate float64 `yaml:"max_attempt_rate"`
}

// GlobalTLSConfig holds the certificate and key settings of the tls
// section. They are parsed, validated and redacted here; the transport does
// not read them, since every establishment mode performs a client-initiated
// handshake with InsecureSkipVerify and presents no local certificate.
type GlobalTLSConfig struct {
	Cert    string `yaml:"cert"`     // Certificate file path
	Key     string `yaml:"key"`      // Private key file path
	CertPEM string `yaml:"cert_pem"` // Certificate PEM content (takes precedence)
	KeyPEM  string `yaml:"key_pem"`  // Private key PEM content (takes precedence)
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetCertPEM() ([]byte, error) {
	if g.CertPEM != "" {
		return []byte(g.CertPEM), nil
	}
	if g.Cert != "" {
		return os.ReadFile(g.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetKeyPEM() ([]byte, error) {
	if g.KeyPEM != "" {
		return []byte(g.KeyPEM), nil
	}
	if g.Key != "" {
		return os.ReadFile(g.Key)
	}
	return nil, nil
}

// HasCert returns true if a certificate is configured (either file or PEM).
func (g *GlobalTLSConfig) HasCert() bool {
	return g.Cert != "" || g.CertPEM != ""
}

// HasKey returns true if a private key is configured (either file or PEM).
func (g *GlobalTLSConfig) HasKey() bool {
	return g.Key != "" || g.KeyPEM != ""
}

// ControlConfig configures the Unix-domain-socket control interface.
type ControlConfig struct {
	Enabled      bool          `yaml:"enabled"`
	SocketPath   string        `yaml:"socket_path"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Transport: TransportConfig{
			RetryTotal: 0, // retry forever, subject to Expiry
			RetryWait:  5 * time.Second,
			Comms:      5 * time.Minute,
			Expiry:     0, // no expiry
		},
		Control: ControlConfig{
			Enabled:      true,
			SocketPath:   "./data/control.sock",
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

// Parse parses configuration from YAML bytes, expanding ${VAR}/$VAR
// environment variable references before unmarshaling.
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

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Transport.URL == "" {
		errs = append(errs, "transport.url is required")
	}
	if c.Transport.RetryTotal < 0 {
		errs = append(errs, "transport.retry_total must not be negative")
	}
	if c.Transport.RetryWait < 0 {
		errs = append(errs, "transport.retry_wait must not be negative")
	}
	if c.Transport.MaxAttemptRate < 0 {
		errs = append(errs, "transport.max_attempt_rate must not be negative")
	}

	if c.TLS.HasCert() != c.TLS.HasKey() {
		errs = append(errs, "tls.cert and tls.key must both be specified or both be empty")
	}

	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when control.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
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

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// String returns a string representation of the config with sensitive
// values redacted, safe to log.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	if redacted.TLS.KeyPEM != "" {
		redacted.TLS.KeyPEM = redactedValue
	}

	return redacted
}
