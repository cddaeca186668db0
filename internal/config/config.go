package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/maneesh/gaitlab/internal/errs"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"gaitlab-video"`
	ServicePort     string        `env:"SERVICE_PORT" envDefault:"5001"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"console"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES" envDefault:"2147483648"`

	// MySQL configuration
	MySQLHost     string `env:"MYSQL_HOST" envDefault:"localhost"`
	MySQLPort     string `env:"MYSQL_PORT" envDefault:"3306"`
	MySQLUser     string `env:"MYSQL_USER" envDefault:"root"`
	MySQLPassword string `env:"MYSQL_PASSWORD"`
	MySQLDatabase string `env:"MYSQL_DATABASE" envDefault:"gaitlab"`

	// Object store configuration
	StoreEndpoint         string `env:"OBJECT_STORE_ENDPOINT" envDefault:"localhost:9000"`
	StoreRegion           string `env:"OBJECT_STORE_REGION" envDefault:"us-east-1"`
	StoreBucket           string `env:"OBJECT_STORE_BUCKET" envDefault:"patient-videos"`
	StoreUseSSL           bool   `env:"OBJECT_STORE_USE_SSL" envDefault:"false"`
	StoreAccessKey        string `env:"OBJECT_STORE_ACCESS_KEY"`
	StoreSecretKey        string `env:"OBJECT_STORE_SECRET_KEY"`
	StoreConnectionString string `env:"OBJECT_STORE_CONNECTION_STRING"`

	// Redis configuration
	RedisHost     string        `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     string        `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	RedisListTTL  time.Duration `env:"REDIS_LIST_TTL" envDefault:"5m"`

	// Tracing configuration
	EnableTracing bool   `env:"ENABLE_TRACING" envDefault:"false"`
	OTLPEndpoint  string `env:"OTLP_ENDPOINT" envDefault:"localhost:4318"`

	// Transcoding configuration
	FFmpegPath           string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FirstByteGrace       time.Duration `env:"FIRST_BYTE_GRACE" envDefault:"5s"`
	KillGrace            time.Duration `env:"KILL_GRACE" envDefault:"5s"`
	ScratchDir           string        `env:"SCRATCH_DIR"`
	StreamURLTTL         time.Duration `env:"STREAM_URL_TTL" envDefault:"1h"`
	ResolveURLTTL        time.Duration `env:"RESOLVE_URL_TTL" envDefault:"24h"`
	DefaultWindowSeconds int           `env:"DEFAULT_WINDOW_SECONDS" envDefault:"900"`
	MaxParallelSigning   int           `env:"MAX_PARALLEL_SIGNING" envDefault:"4"`
	DownloadTimeout      time.Duration `env:"FALLBACK_DOWNLOAD_TIMEOUT" envDefault:"10m"`
	DownloadRetries      int           `env:"FALLBACK_DOWNLOAD_RETRIES" envDefault:"2"`
}

// StoreCredentials is the account key pair used to sign object store URLs
type StoreCredentials struct {
	Endpoint  string
	AccessKey string
	SecretKey string
}

// LoadConfig loads configuration from an optional .env file and the environment
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env config: %w", err)
	}

	cfg.StoreAccessKey = strings.TrimSpace(cfg.StoreAccessKey)
	cfg.StoreSecretKey = strings.TrimSpace(cfg.StoreSecretKey)
	cfg.StoreConnectionString = strings.TrimSpace(cfg.StoreConnectionString)
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.MaxParallelSigning <= 0 {
		cfg.MaxParallelSigning = 1
	}
	if cfg.DefaultWindowSeconds <= 0 {
		cfg.DefaultWindowSeconds = 900
	}

	return cfg, nil
}

// GetDSN returns the MySQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.MySQLUser,
		c.MySQLPassword,
		c.MySQLHost,
		c.MySQLPort,
		c.MySQLDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// DefaultWindow returns the by-time search window used when a request omits one
func (c *Config) DefaultWindow() time.Duration {
	return time.Duration(c.DefaultWindowSeconds) * time.Second
}

// StoreCredentials resolves the object store key pair. An explicit
// access/secret pair wins; otherwise the pair is extracted from the
// connection string. Neither present is a CredentialsMissing error.
func (c *Config) StoreCredentials() (StoreCredentials, error) {
	creds := StoreCredentials{
		Endpoint:  c.StoreEndpoint,
		AccessKey: c.StoreAccessKey,
		SecretKey: c.StoreSecretKey,
	}
	if (creds.AccessKey == "" || creds.SecretKey == "") && c.StoreConnectionString != "" {
		parsed := ParseConnectionString(c.StoreConnectionString)
		if parsed.AccessKey != "" && parsed.SecretKey != "" {
			creds.AccessKey = parsed.AccessKey
			creds.SecretKey = parsed.SecretKey
			if parsed.Endpoint != "" {
				creds.Endpoint = parsed.Endpoint
			}
		}
	}
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return StoreCredentials{}, errs.E(errs.KindCredentialsMissing, "config.store_credentials",
			"storage credentials missing on server", nil)
	}
	return creds, nil
}

// ParseConnectionString reads a semicolon separated Key=Value descriptor such as
// "Endpoint=minio:9000;AccessKey=...;SecretKey=...". AccountName/AccountKey are
// accepted as aliases for the key pair.
func ParseConnectionString(raw string) StoreCredentials {
	var out StoreCredentials
	for _, part := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "endpoint":
			out.Endpoint = value
		case "accesskey", "accountname":
			out.AccessKey = value
		case "secretkey", "accountkey":
			out.SecretKey = value
		}
	}
	return out
}
