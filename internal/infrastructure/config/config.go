package config

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Log        LogConfig
	HTTP       HTTPConfig
	Storage    StorageConfig
	Authority  AuthorityConfig
	Worker     WorkerConfig
	Credential CredentialConfig
	Fiscal     FiscalConfig
	Telemetry  TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings. Redis backs the submission
// guard only; the service runs without it when disabled.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	GuardTTL time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodySize    int64
}

// Storage providers
const (
	StorageS3     = "s3"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// StorageConfig selects and configures the artifact store
type StorageConfig struct {
	Provider        string
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	CredentialsFile string // GCS service account JSON
}

// AuthorityConfig holds the tax authority web service settings
type AuthorityConfig struct {
	Environment       string // "1" production, "2" homologation
	AuthorizationURL  string
	ReceiptURL        string
	EventURL          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Timezone          string
	// CAFile is a PEM bundle trusted instead of the system roots
	CAFile string
}

// WorkerConfig holds background job settings
type WorkerConfig struct {
	Enabled      bool
	PollInterval time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	ErrorBackoff time.Duration
	StaleAfter   time.Duration
	JobTypes     []string
}

// CredentialConfig holds the key protecting stored certificate passwords
type CredentialConfig struct {
	EncryptionKey string // base64 of 32 bytes
}

// BenefitRuleConfig is one configured benefit code rule
type BenefitRuleConfig struct {
	State         string   `mapstructure:"state"`
	TaxSituations []string `mapstructure:"tax_situations"`
	Code          string   `mapstructure:"code"`
}

// FiscalConfig holds document defaults
type FiscalConfig struct {
	DefaultSeries  int
	ProcessVersion string
	BenefitRules   []BenefitRuleConfig
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	DBTraceEnabled    bool
	LogsEnabled       bool
}

// Load reads configuration from .env, config.toml and FISCAL_* variables
func Load() (*Config, error) {
	return load("")
}

// LoadFile reads configuration from an explicit TOML file plus environment
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	// .env is optional; real environment variables take precedence over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/app")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("FISCAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			GuardTTL: v.GetDuration("redis.guard_ttl"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			MaxBodySize:    v.GetInt64("http.max_body_size"),
		},
		Storage: StorageConfig{
			Provider:        v.GetString("storage.provider"),
			Bucket:          v.GetString("storage.bucket"),
			Prefix:          v.GetString("storage.prefix"),
			Region:          v.GetString("storage.region"),
			Endpoint:        v.GetString("storage.endpoint"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			UsePathStyle:    v.GetBool("storage.use_path_style"),
			CredentialsFile: v.GetString("storage.credentials_file"),
		},
		Authority: AuthorityConfig{
			Environment:       v.GetString("authority.environment"),
			AuthorizationURL:  v.GetString("authority.authorization_url"),
			ReceiptURL:        v.GetString("authority.receipt_url"),
			EventURL:          v.GetString("authority.event_url"),
			Timeout:           v.GetDuration("authority.timeout"),
			RequestsPerSecond: v.GetFloat64("authority.requests_per_second"),
			Burst:             v.GetInt("authority.burst"),
			Timezone:          v.GetString("authority.timezone"),
			CAFile:            v.GetString("authority.ca_file"),
		},
		Worker: WorkerConfig{
			Enabled:      v.GetBool("worker.enabled"),
			PollInterval: v.GetDuration("worker.poll_interval"),
			MaxAttempts:  v.GetInt("worker.max_attempts"),
			BaseDelay:    v.GetDuration("worker.base_delay"),
			ErrorBackoff: v.GetDuration("worker.error_backoff"),
			StaleAfter:   v.GetDuration("worker.stale_after"),
			JobTypes:     v.GetStringSlice("worker.job_types"),
		},
		Credential: CredentialConfig{
			EncryptionKey: v.GetString("credential.encryption_key"),
		},
		Fiscal: FiscalConfig{
			DefaultSeries:  v.GetInt("fiscal.default_series"),
			ProcessVersion: v.GetString("fiscal.process_version"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
		},
	}

	if err := v.UnmarshalKey("fiscal.benefit_rules", &cfg.Fiscal.BenefitRules); err != nil {
		return nil, fmt.Errorf("error reading fiscal.benefit_rules: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "fiscal"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "fiscal"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.GuardTTL == 0 {
		cfg.Redis.GuardTTL = 2 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 60 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20
	}
	if cfg.Storage.Provider == "" {
		cfg.Storage.Provider = StorageMemory
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Authority.Environment == "" {
		cfg.Authority.Environment = "2"
	}
	if cfg.Authority.Timeout == 0 {
		cfg.Authority.Timeout = 30 * time.Second
	}
	if cfg.Authority.RequestsPerSecond == 0 {
		cfg.Authority.RequestsPerSecond = 5
	}
	if cfg.Authority.Burst == 0 {
		cfg.Authority.Burst = 1
	}
	if cfg.Authority.Timezone == "" {
		cfg.Authority.Timezone = "America/Sao_Paulo"
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = 5 * time.Second
	}
	if cfg.Worker.MaxAttempts == 0 {
		cfg.Worker.MaxAttempts = 5
	}
	if cfg.Worker.BaseDelay == 0 {
		cfg.Worker.BaseDelay = 30 * time.Second
	}
	if cfg.Worker.ErrorBackoff == 0 {
		cfg.Worker.ErrorBackoff = 10 * time.Second
	}
	if cfg.Worker.StaleAfter == 0 {
		cfg.Worker.StaleAfter = 15 * time.Minute
	}
	if len(cfg.Worker.JobTypes) == 0 {
		cfg.Worker.JobTypes = []string{"nfe.emit", "nfe.cancel"}
	}
	if cfg.Fiscal.DefaultSeries == 0 {
		cfg.Fiscal.DefaultSeries = 1
	}
	if cfg.Fiscal.ProcessVersion == "" {
		cfg.Fiscal.ProcessVersion = "fiscal-1.0"
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "fiscal"
	}
}

func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	switch c.Storage.Provider {
	case StorageMemory:
	case StorageS3, StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for provider %s", c.Storage.Provider)
		}
	default:
		return fmt.Errorf("storage.provider must be one of s3, gcs, memory, got %q", c.Storage.Provider)
	}

	if c.Authority.Environment != "1" && c.Authority.Environment != "2" {
		return fmt.Errorf("authority.environment must be 1 (production) or 2 (homologation)")
	}
	if _, err := time.LoadLocation(c.Authority.Timezone); err != nil {
		return fmt.Errorf("authority.timezone is invalid: %w", err)
	}
	if c.Authority.RequestsPerSecond < 0 {
		return fmt.Errorf("authority.requests_per_second cannot be negative")
	}

	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1")
	}

	if c.Credential.EncryptionKey != "" {
		if _, err := c.Credential.Key(); err != nil {
			return err
		}
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Storage.Provider == StorageMemory {
			return fmt.Errorf("storage.provider cannot be memory in production")
		}
		if c.Credential.EncryptionKey == "" {
			return fmt.Errorf("credential.encryption_key is required in production")
		}
		if c.Authority.AuthorizationURL == "" || c.Authority.ReceiptURL == "" || c.Authority.EventURL == "" {
			return fmt.Errorf("authority endpoints are required in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// Key decodes the credential encryption key
func (c *CredentialConfig) Key() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("credential.encryption_key must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credential.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Location returns the authority time zone
func (a *AuthorityConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RootCAs loads CAFile; nil means the system roots
func (a *AuthorityConfig) RootCAs() (*x509.CertPool, error) {
	if a.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(a.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read authority.ca_file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("authority.ca_file %s holds no PEM certificates", a.CAFile)
	}
	return pool, nil
}

// DSN returns the PostgreSQL connection URL
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
