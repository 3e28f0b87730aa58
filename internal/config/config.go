// Package config loads and validates the wmipoller YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nmslite/wmipoller/internal/auth"
	"github.com/nmslite/wmipoller/internal/wmi"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultNamespace is the WMI namespace used for local sessions and for
	// remote inputs that do not set one.
	DefaultNamespace = wmi.DefaultNamespace

	DefaultIntervalSeconds         = 10
	DefaultOperationTimeoutSeconds = 60
	DefaultHTTPPort                = 5985
	DefaultHTTPSPort               = 5986

	// encryptedPrefix marks a secret that was produced by `wmipoller encrypt-password`.
	encryptedPrefix = "enc:"
)

type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sinks    SinksConfig    `yaml:"sinks"`
	Inputs   []InputConfig  `yaml:"inputs" validate:"required,min=1,dive"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format   string `yaml:"format" validate:"omitempty,oneof=json text"`
	Output   string `yaml:"output" validate:"omitempty,oneof=stdout stderr file"`
	FilePath string `yaml:"file_path" validate:"required_if=Output file"`
}

type ServerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms" validate:"min=0"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms" validate:"min=0"`
}

type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret" validate:"omitempty,min=32"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours" validate:"min=0"`
	EncryptionKey  string `yaml:"encryption_key" validate:"omitempty,len=32"`
}

type PipelineConfig struct {
	BufferSize int `yaml:"buffer_size" validate:"min=0"`
}

type SinksConfig struct {
	Stdout   StdoutSinkConfig   `yaml:"stdout"`
	Postgres PostgresSinkConfig `yaml:"postgres"`
}

type StdoutSinkConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PoolConfig defines connection pool settings
type PoolConfig struct {
	MaxConns                 int `yaml:"max_conns" validate:"min=0"`
	MinConns                 int `yaml:"min_conns" validate:"min=0"`
	MaxConnLifetimeMinutes   int `yaml:"max_conn_lifetime_minutes" validate:"min=0"`
	MaxConnIdleTimeMinutes   int `yaml:"max_conn_idle_time_minutes" validate:"min=0"`
	HealthCheckPeriodSeconds int `yaml:"health_check_period_seconds" validate:"min=0"`
}

type PostgresSinkConfig struct {
	Enabled         bool       `yaml:"enabled"`
	Host            string     `yaml:"host" validate:"required_if=Enabled true"`
	Port            int        `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User            string     `yaml:"user"`
	Password        string     `yaml:"password"`
	DBName          string     `yaml:"dbname" validate:"required_if=Enabled true"`
	SSLMode         string     `yaml:"ssl_mode"`
	Pool            PoolConfig `yaml:"pool"`
	BatchSize       int        `yaml:"batch_size" validate:"min=0"`
	FlushIntervalMS int        `yaml:"flush_interval_ms" validate:"min=0"`
}

// InputConfig describes one periodically executed WMI query.
type InputConfig struct {
	ID                      string            `yaml:"id" validate:"required"`
	Query                   string            `yaml:"query" validate:"required"`
	Interval                *float64          `yaml:"interval" validate:"required,gt=0"`
	Host                    string            `yaml:"host"`
	Namespace               string            `yaml:"namespace"`
	User                    string            `yaml:"user"`
	Password                string            `yaml:"password"`
	Domain                  string            `yaml:"domain"`
	Port                    int               `yaml:"port" validate:"omitempty,min=1,max=65535"`
	UseHTTPS                bool              `yaml:"use_https"`
	Insecure                bool              `yaml:"insecure"`
	OperationTimeoutSeconds int               `yaml:"operation_timeout_seconds" validate:"min=0"`
	Shell                   string            `yaml:"shell"`
	Type                    string            `yaml:"type"`
	Tags                    []string          `yaml:"tags"`
	AddFields               map[string]string `yaml:"add_fields"`
}

// ConfigurationError is returned for any configuration that must not be run.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	return Parse(data)
}

// Parse builds a validated Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("failed to parse config file: %w", err)}
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("config validation failed: %w", err)}
	}

	if err := cfg.decryptSecrets(); err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	return cfg, nil
}

// ApplyDefaults fills every zero value that has a documented default.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}

	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9120
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = 10000
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = 10000
	}
	if c.Auth.JWTExpiryHours == 0 {
		c.Auth.JWTExpiryHours = 24
	}

	if c.Pipeline.BufferSize == 0 {
		c.Pipeline.BufferSize = 1024
	}

	pg := &c.Sinks.Postgres
	if pg.Port == 0 {
		pg.Port = 5432
	}
	if pg.SSLMode == "" {
		pg.SSLMode = "disable"
	}
	if pg.BatchSize == 0 {
		pg.BatchSize = 500
	}
	if pg.FlushIntervalMS == 0 {
		pg.FlushIntervalMS = 1000
	}
	pg.Pool.ApplyDefaults()

	for i := range c.Inputs {
		c.Inputs[i].ApplyDefaults()
	}
}

// ApplyDefaults sets the defaults of a single input
func (in *InputConfig) ApplyDefaults() {
	// An explicit 0 is kept so that validation rejects it.
	if in.Interval == nil {
		in.Interval = Seconds(DefaultIntervalSeconds)
	}
	if in.Host == "" {
		in.Host = "localhost"
	}
	if in.Namespace == "" {
		in.Namespace = DefaultNamespace
	}
	if in.Port == 0 {
		if in.UseHTTPS {
			in.Port = DefaultHTTPSPort
		} else {
			in.Port = DefaultHTTPPort
		}
	}
	if in.OperationTimeoutSeconds == 0 {
		in.OperationTimeoutSeconds = DefaultOperationTimeoutSeconds
	}
	if in.Shell == "" {
		in.Shell = wmi.DefaultShell
	}
}

// ApplyDefaults sets default values for pool configuration
func (p *PoolConfig) ApplyDefaults() {
	if p.MaxConns == 0 {
		p.MaxConns = 10
	}
	if p.MinConns == 0 {
		p.MinConns = 1
	}
	if p.MaxConnLifetimeMinutes == 0 {
		p.MaxConnLifetimeMinutes = 90
	}
	if p.MaxConnIdleTimeMinutes == 0 {
		p.MaxConnIdleTimeMinutes = 20
	}
	if p.HealthCheckPeriodSeconds == 0 {
		p.HealthCheckPeriodSeconds = 45
	}
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Inputs))
	for _, in := range c.Inputs {
		if strings.TrimSpace(in.Query) == "" {
			return fmt.Errorf("input %q: query must not be blank", in.ID)
		}
		if _, dup := seen[in.ID]; dup {
			return fmt.Errorf("duplicate input id %q", in.ID)
		}
		seen[in.ID] = struct{}{}
	}

	if !c.Sinks.Stdout.Enabled && !c.Sinks.Postgres.Enabled {
		return errors.New("at least one sink must be enabled")
	}

	if c.Server.Enabled && c.Auth.JWTSecret == "" {
		// Unauthenticated listeners are only allowed on loopback.
		if c.Server.Host != "127.0.0.1" && c.Server.Host != "localhost" && c.Server.Host != "::1" {
			return fmt.Errorf("auth.jwt_secret is required when the server listens on %s", c.Server.Host)
		}
	}

	return nil
}

// decryptSecrets replaces every enc: value with its plaintext.
func (c *Config) decryptSecrets() error {
	secrets := []*string{&c.Sinks.Postgres.Password}
	for i := range c.Inputs {
		secrets = append(secrets, &c.Inputs[i].Password)
	}

	for _, s := range secrets {
		if !strings.HasPrefix(*s, encryptedPrefix) {
			continue
		}
		if c.Auth.EncryptionKey == "" {
			return errors.New("encrypted secret found but auth.encryption_key is not set")
		}
		plain, err := auth.Decrypt([]byte(c.Auth.EncryptionKey), strings.TrimPrefix(*s, encryptedPrefix))
		if err != nil {
			return fmt.Errorf("failed to decrypt secret: %w", err)
		}
		*s = string(plain)
	}
	return nil
}

// EncryptSecret produces the enc: form of a secret accepted by Load.
func EncryptSecret(key, plaintext string) (string, error) {
	ciphertext, err := auth.Encrypt([]byte(key), []byte(plaintext))
	if err != nil {
		return "", err
	}
	return encryptedPrefix + ciphertext, nil
}

// applyEnvOverrides checks for environment variables with WMIPOLLER_ prefix
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WMIPOLLER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WMIPOLLER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("WMIPOLLER_SERVER_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.Port)
	}

	if v := os.Getenv("WMIPOLLER_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("WMIPOLLER_AUTH_ENCRYPTION_KEY"); v != "" {
		cfg.Auth.EncryptionKey = v
	}

	if v := os.Getenv("WMIPOLLER_DATABASE_HOST"); v != "" {
		cfg.Sinks.Postgres.Host = v
	}
	if v := os.Getenv("WMIPOLLER_DATABASE_PASSWORD"); v != "" {
		cfg.Sinks.Postgres.Password = v
	}
}

// ReadTimeout returns the read timeout as a duration
func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write timeout as a duration
func (s *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// Addr returns the listen address of the status API
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// JWTExpiry returns JWT expiry as duration
func (a *AuthConfig) JWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

// IntervalDuration returns the polling interval as a duration. Fractional
// seconds are kept.
func (in *InputConfig) IntervalDuration() time.Duration {
	if in.Interval == nil {
		return DefaultIntervalSeconds * time.Second
	}
	return time.Duration(*in.Interval * float64(time.Second))
}

// Seconds returns a pointer to v, for setting InputConfig.Interval
func Seconds(v float64) *float64 {
	return &v
}

// OperationTimeout returns the WinRM operation timeout as a duration
func (in *InputConfig) OperationTimeout() time.Duration {
	return time.Duration(in.OperationTimeoutSeconds) * time.Second
}

// FlushInterval returns the batch flush interval as a duration
func (p *PostgresSinkConfig) FlushInterval() time.Duration {
	return time.Duration(p.FlushIntervalMS) * time.Millisecond
}

// DSN returns the PostgreSQL connection URL
func (p *PostgresSinkConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:     "/" + p.DBName,
		RawQuery: url.Values{"sslmode": {p.SSLMode}}.Encode(),
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u.String()
}

// MaxConnLifetime returns the max connection lifetime as a duration
func (p *PoolConfig) MaxConnLifetime() time.Duration {
	return time.Duration(p.MaxConnLifetimeMinutes) * time.Minute
}

// MaxConnIdleTime returns the max connection idle time as a duration
func (p *PoolConfig) MaxConnIdleTime() time.Duration {
	return time.Duration(p.MaxConnIdleTimeMinutes) * time.Minute
}

// HealthCheckPeriod returns the health check period as a duration
func (p *PoolConfig) HealthCheckPeriod() time.Duration {
	return time.Duration(p.HealthCheckPeriodSeconds) * time.Second
}
