package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `mapstructure:"driver"`
}

type JWTConfig struct {
	Secret       string        `mapstructure:"secret"`
	Issuer       string        `mapstructure:"issuer"`
	Expiry       time.Duration `mapstructure:"expiry"`
	CookieName   string        `mapstructure:"cookie_name"`
	CookieSecure bool          `mapstructure:"cookie_secure"`
}

type QRConfig struct {
	Size int `mapstructure:"size"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	Channel      string        `mapstructure:"channel"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	LoginURL string `mapstructure:"login_url"`
}

type SecurityConfig struct {
	BcryptCost    int    `mapstructure:"bcrypt_cost"`
	EncryptionKey string `mapstructure:"encryption_key"`
}

type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	WindowRequests    int           `mapstructure:"window_requests"`
	Window            time.Duration `mapstructure:"window"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type AttachmentsConfig struct {
	Driver      string `mapstructure:"driver"`
	Dir         string `mapstructure:"dir"`
	MaxFiles    int    `mapstructure:"max_files"`
	MaxFileSize int64  `mapstructure:"max_file_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

type WorkerConfig struct {
	HealthPort    int           `mapstructure:"health_port"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Store       StoreConfig       `mapstructure:"store"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	QR          QRConfig          `mapstructure:"qr"`
	Redis       RedisConfig       `mapstructure:"redis"`
	SMTP        SMTPConfig        `mapstructure:"smtp"`
	Security    SecurityConfig    `mapstructure:"security"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	CORS        CORSConfig        `mapstructure:"cors"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Worker      WorkerConfig      `mapstructure:"worker"`
}

// Secrets are only read from the environment (MEDREC_*), never from the file.
type Secrets struct {
	JWTSecret     string `envconfig:"JWT_SECRET"`
	DBPassword    string `envconfig:"DB_PASSWORD"`
	DBHost        string `envconfig:"DB_HOST"`
	RedisURL      string `envconfig:"REDIS_URL"`
	EncryptionKey string `envconfig:"ENCRYPTION_KEY"`
	SMTPPassword  string `envconfig:"SMTP_PASSWORD"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 20*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", 2<<20)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "medrecords")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("store.driver", "postgres")

	v.SetDefault("jwt.issuer", "medrecords-api")
	v.SetDefault("jwt.expiry", 7*24*time.Hour)
	v.SetDefault("jwt.cookie_name", "token")

	v.SetDefault("qr.size", 256)

	v.SetDefault("redis.channel", "medrec.events")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("smtp.port", 587)

	v.SetDefault("security.bcrypt_cost", 10)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests_per_second", 50)
	v.SetDefault("ratelimit.burst", 100)
	v.SetDefault("ratelimit.window_requests", 100)
	v.SetDefault("ratelimit.window", 15*time.Minute)

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})

	v.SetDefault("attachments.driver", "disk")
	v.SetDefault("attachments.dir", "uploads")
	v.SetDefault("attachments.max_files", 5)
	v.SetDefault("attachments.max_file_size", 10<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "medrec")

	v.SetDefault("worker.health_port", 8081)
	v.SetDefault("worker.retry_attempts", 3)
	v.SetDefault("worker.retry_delay", time.Second)
}

// LoadConfig reads config.yaml from the usual locations, falls back to
// defaults when no file exists and applies MEDREC_* environment overrides.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/app", "/app/config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	v.SetEnvPrefix("MEDREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var secrets Secrets
	if err := envconfig.Process("MEDREC", &secrets); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	config.applySecrets(secrets)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applySecrets(s Secrets) {
	if s.JWTSecret != "" {
		c.JWT.Secret = s.JWTSecret
	}
	if s.DBPassword != "" {
		c.Database.Password = s.DBPassword
	}
	if s.DBHost != "" {
		c.Database.Host = s.DBHost
	}
	if s.RedisURL != "" {
		c.Redis.URL = s.RedisURL
		c.Redis.Enabled = true
	}
	if s.EncryptionKey != "" {
		c.Security.EncryptionKey = s.EncryptionKey
	}
	if s.SMTPPassword != "" {
		c.SMTP.Password = s.SMTPPassword
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return errors.New("jwt secret is required (set MEDREC_JWT_SECRET)")
	}
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Attachments.Driver {
	case "disk", "memory":
	default:
		return fmt.Errorf("unknown attachments driver %q", c.Attachments.Driver)
	}
	if k := len(c.Security.EncryptionKey); k != 0 && k != 16 && k != 24 && k != 32 {
		return errors.New("encryption key must be 16, 24 or 32 bytes")
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return errors.New("redis is enabled but no url is set")
	}
	return nil
}
