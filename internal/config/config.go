// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback, plus startup validation.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes, matching common provider limits.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	Graph    GraphConfig   `yaml:"graph"`
	SES      SESConfig     `yaml:"ses"`
	TLS      TLSConfig     `yaml:"tls"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds the inbound SMTP listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	MaxConnections int    `yaml:"max_connections"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
	Scope        string `yaml:"scope"`
	Endpoint     string `yaml:"endpoint"`
	TokenURL     string `yaml:"token_url"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// TLSConfig holds STARTTLS settings. When Enabled and no cert/key files are
// given, a self-signed certificate is generated at startup. Require rejects
// MAIL FROM until the connection has been upgraded.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Require  bool   `yaml:"require"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TimeoutConfig holds per-operation timeouts in seconds. Each defaults
// independently when zero.
type TimeoutConfig struct {
	Command  int `yaml:"command"`
	Data     int `yaml:"data"`
	Token    int `yaml:"token"`
	Delivery int `yaml:"delivery"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the minimum SES settings are present.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// CommandTimeout returns the idle command-wait timeout.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Timeouts.Command) * time.Second
}

// DataTimeout returns the per-read timeout during DATA.
func (c *Config) DataTimeout() time.Duration {
	return time.Duration(c.Timeouts.Data) * time.Second
}

// TokenTimeout returns the token-endpoint call timeout.
func (c *Config) TokenTimeout() time.Duration {
	return time.Duration(c.Timeouts.Token) * time.Second
}

// DeliveryTimeout returns the outbound delivery call timeout.
func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.Timeouts.Delivery) * time.Second
}

// Validate checks the loaded configuration for startup-fatal problems and
// reports all of them at once rather than failing on the first.
func (c *Config) Validate() error {
	var problems []string

	if _, port, err := net.SplitHostPort(c.SMTP.Listen); err != nil {
		problems = append(problems, fmt.Sprintf("smtp.listen %q is not host:port", c.SMTP.Listen))
	} else if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		problems = append(problems, fmt.Sprintf("smtp.listen port %q is not a valid port number", port))
	}

	if c.SMTP.MaxMessageSize <= 0 {
		problems = append(problems, "smtp.max_message_size must be positive")
	}
	if c.SMTP.MaxConnections < 0 {
		problems = append(problems, "smtp.max_connections must not be negative")
	}

	switch c.Provider {
	case "graph":
		if !c.GraphConfigured() {
			problems = append(problems, "provider graph requires graph.tenant_id, graph.client_id, graph.client_secret, and graph.sender")
		}
	case "ses":
		if !c.SESConfigured() {
			problems = append(problems, "provider ses requires ses.region and ses.sender")
		}
	case "stdout", "":
	default:
		problems = append(problems, fmt.Sprintf("unknown provider %q", c.Provider))
	}

	for _, ep := range []struct{ name, value string }{
		{"graph.endpoint", c.Graph.Endpoint},
		{"graph.token_url", c.Graph.TokenURL},
	} {
		if ep.value == "" {
			continue
		}
		u, err := url.Parse(ep.value)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			problems = append(problems, fmt.Sprintf("%s %q is not a valid http(s) URL", ep.name, ep.value))
		}
	}

	for _, to := range []struct {
		name  string
		value int
	}{
		{"timeouts.command", c.Timeouts.Command},
		{"timeouts.data", c.Timeouts.Data},
		{"timeouts.token", c.Timeouts.Token},
		{"timeouts.delivery", c.Timeouts.Delivery},
	} {
		if to.value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive", to.name))
		}
	}

	if c.TLS.Require && !c.TLS.Enabled {
		problems = append(problems, "tls.require needs tls.enabled")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		problems = append(problems, "tls.cert_file and tls.key_file must be set together")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxConnections = 100
	c.TLS.Enabled = true
	c.Timeouts.Command = 300
	c.Timeouts.Data = 120
	c.Timeouts.Token = 15
	c.Timeouts.Delivery = 60
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxConnections = n
		}
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}
	if v := os.Getenv("GRAPH_SCOPE"); v != "" {
		c.Graph.Scope = v
	}
	if v := os.Getenv("GRAPH_ENDPOINT"); v != "" {
		c.Graph.Endpoint = v
	}
	if v := os.Getenv("GRAPH_TOKEN_URL"); v != "" {
		c.Graph.TokenURL = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		c.TLS.Enabled = parseBool(v, c.TLS.Enabled)
	}
	if v := os.Getenv("TLS_REQUIRE"); v != "" {
		c.TLS.Require = parseBool(v, c.TLS.Require)
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("TIMEOUT_COMMAND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Timeouts.Command = n
		}
	}
	if v := os.Getenv("TIMEOUT_DATA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Timeouts.Data = n
		}
	}
	if v := os.Getenv("TIMEOUT_TOKEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Timeouts.Token = n
		}
	}
	if v := os.Getenv("TIMEOUT_DELIVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Timeouts.Delivery = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// parseBool accepts the usual spellings of booleans; anything else keeps
// the current value.
func parseBool(v string, current bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return current
	}
}
