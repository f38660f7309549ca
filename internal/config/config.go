// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the outbox.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-outbox/internal/email"
)

// Provider names accepted in delivery.provider.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// Store backends accepted in store.backend.
const (
	StoreMemory = "memory"
	StoreS3     = "s3"
)

// Config holds the complete application configuration.
type Config struct {
	Account   AccountConfig   `yaml:"account"`
	Smarthost SmarthostConfig `yaml:"smarthost"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AccountConfig identifies the sending account.
type AccountConfig struct {
	FromAddress string `yaml:"from_address"`
}

// SmarthostConfig holds the relay settings. An empty Host means direct
// delivery to recipient MX hosts.
type SmarthostConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	FromAddress        string `yaml:"from_address"`
	TLS                string `yaml:"tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
}

// DeliveryConfig tunes the delivery agent and SMTP sessions.
type DeliveryConfig struct {
	Provider       string        `yaml:"provider"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Concurrency    int           `yaml:"concurrency"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	HeloName       string        `yaml:"helo_name"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// StoreConfig selects where rendered messages are kept until delivered.
type StoreConfig struct {
	Backend string   `yaml:"backend"`
	S3      S3Config `yaml:"s3"`
}

// S3Config holds the S3 message store settings.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
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

// Preferences returns the smarthost settings in the form the composer and
// the delivery agent consume.
func (c *Config) Preferences() email.Preferences {
	return email.Preferences{
		Host:                c.Smarthost.Host,
		Port:                c.Smarthost.Port,
		Username:            c.Smarthost.Username,
		Password:            c.Smarthost.Password,
		FromAddressOverride: c.Smarthost.FromAddress,
		TLS:                 email.TLSMode(c.Smarthost.TLS),
		InsecureSkipVerify:  c.Smarthost.InsecureSkipVerify,
	}
}

// OverrideIgnored reports a From override that the address policy will
// never honor because no smarthost is configured.
func (c *Config) OverrideIgnored() bool {
	return c.Smarthost.Host == "" && c.Smarthost.FromAddress != ""
}

// OverrideBypassesRelay reports a From override honored because
// smarthost.host is set while mail actually leaves through an API provider
// that never contacts that host.
func (c *Config) OverrideBypassesRelay() bool {
	if c.Smarthost.Host == "" || c.Smarthost.FromAddress == "" {
		return false
	}
	return c.Delivery.Provider == ProviderSES || c.Delivery.Provider == ProviderGraph
}

// SESConfigured returns true if an SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Account.FromAddress == "" {
		errs = append(errs, errors.New("account.from_address is required"))
	}

	switch email.TLSMode(c.Smarthost.TLS) {
	case "", email.TLSNone, email.TLSOpportunistic, email.TLSRequired, email.TLSImplicit:
	default:
		errs = append(errs, fmt.Errorf("smarthost.tls: unknown mode %q", c.Smarthost.TLS))
	}
	if c.Smarthost.Port < 0 || c.Smarthost.Port > 65535 {
		errs = append(errs, fmt.Errorf("smarthost.port: %d out of range", c.Smarthost.Port))
	}

	switch c.Delivery.Provider {
	case ProviderSMTP, ProviderStdout:
	case ProviderSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses.region is required when delivery.provider is ses"))
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("graph.tenant_id, graph.client_id, graph.client_secret and graph.sender are required when delivery.provider is graph"))
		}
	default:
		errs = append(errs, fmt.Errorf("delivery.provider: unknown provider %q", c.Delivery.Provider))
	}
	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, errors.New("delivery.max_attempts must be at least 1"))
	}
	if c.Delivery.BaseDelay <= 0 || c.Delivery.MaxDelay < c.Delivery.BaseDelay {
		errs = append(errs, errors.New("delivery.base_delay must be positive and not above delivery.max_delay"))
	}
	if c.Delivery.Concurrency < 1 {
		errs = append(errs, errors.New("delivery.concurrency must be at least 1"))
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreS3:
		if c.Store.S3.Bucket == "" {
			errs = append(errs, errors.New("store.s3.bucket is required when store.backend is s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Smarthost.TLS = string(email.TLSOpportunistic)
	c.Delivery.Provider = ProviderSMTP
	c.Delivery.MaxAttempts = 5
	c.Delivery.BaseDelay = 30 * time.Second
	c.Delivery.MaxDelay = time.Hour
	c.Delivery.Concurrency = 4
	c.Delivery.ConnectTimeout = 30 * time.Second
	c.Delivery.SessionTimeout = 5 * time.Minute
	c.Store.Backend = StoreMemory
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.Account.FromAddress, "ACCOUNT_FROM_ADDRESS")

	setString(&c.Smarthost.Host, "SMARTHOST_HOST")
	setInt(&c.Smarthost.Port, "SMARTHOST_PORT")
	setString(&c.Smarthost.Username, "SMARTHOST_USERNAME")
	setString(&c.Smarthost.Password, "SMARTHOST_PASSWORD")
	setString(&c.Smarthost.FromAddress, "SMARTHOST_FROM_ADDRESS")
	if v := os.Getenv("SMARTHOST_TLS"); v != "" {
		c.Smarthost.TLS = strings.ToLower(v)
	}
	setBool(&c.Smarthost.InsecureSkipVerify, "SMARTHOST_INSECURE_SKIP_VERIFY")
	setString(&c.Smarthost.CAFile, "SMARTHOST_CA_FILE")

	if v := os.Getenv("DELIVERY_PROVIDER"); v != "" {
		c.Delivery.Provider = strings.ToLower(v)
	}
	setInt(&c.Delivery.MaxAttempts, "DELIVERY_MAX_ATTEMPTS")
	setDuration(&c.Delivery.BaseDelay, "DELIVERY_BASE_DELAY")
	setDuration(&c.Delivery.MaxDelay, "DELIVERY_MAX_DELAY")
	setInt(&c.Delivery.Concurrency, "DELIVERY_CONCURRENCY")
	setDuration(&c.Delivery.ConnectTimeout, "DELIVERY_CONNECT_TIMEOUT")
	setDuration(&c.Delivery.SessionTimeout, "DELIVERY_SESSION_TIMEOUT")
	setString(&c.Delivery.HeloName, "DELIVERY_HELO_NAME")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	setString(&c.Store.S3.Bucket, "STORE_S3_BUCKET")
	setString(&c.Store.S3.Prefix, "STORE_S3_PREFIX")
	setString(&c.Store.S3.Region, "STORE_S3_REGION")
	setString(&c.Store.S3.Endpoint, "STORE_S3_ENDPOINT")
	setString(&c.Store.S3.AccessKeyID, "STORE_S3_ACCESS_KEY_ID")
	setString(&c.Store.S3.SecretAccessKey, "STORE_S3_SECRET_ACCESS_KEY")
	setBool(&c.Store.S3.UsePathStyle, "STORE_S3_USE_PATH_STYLE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setInt, setBool and setDuration keep the current value when the variable
// does not parse.
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
