// Package config loads gateway settings from defaults, an optional YAML file
// and the environment.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Service     string          `mapstructure:"service"`
	Environment string          `mapstructure:"environment"`
	StrictProd  bool            `mapstructure:"strict_prod_security"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Log         LogConfig       `mapstructure:"log"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Gateway     GatewayConfig   `mapstructure:"gateway"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Lock        LockConfig      `mapstructure:"lock"`
	Gate        GateConfig      `mapstructure:"gate"`
	Blacklist   BlacklistConfig `mapstructure:"blacklist"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Audit       AuditConfig     `mapstructure:"audit"`
	Postgres    PostgresConfig  `mapstructure:"postgres"`
	Tracing     TracingConfig   `mapstructure:"tracing"`
}

type HTTPConfig struct {
	Addr               string        `mapstructure:"addr"`
	ReadHeaderTimeout  time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes"`
	CORSAllowedOrigins string        `mapstructure:"cors_allowed_origins"`
	TrustedProxies     []string      `mapstructure:"trusted_proxies"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type AuthConfig struct {
	Enabled          bool      `mapstructure:"enabled"`
	Scope            string    `mapstructure:"scope"`
	AdminScope       string    `mapstructure:"admin_scope"`
	ProtectedPrefix  string    `mapstructure:"protected_prefix"`
	UnprotectedPaths []string  `mapstructure:"unprotected_paths"`
	JWT              JWTConfig `mapstructure:"jwt"`
}

type JWTConfig struct {
	// Secret is base64 encoded.
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
	Leeway time.Duration `mapstructure:"leeway"`
}

type GatewayConfig struct {
	Forward         string        `mapstructure:"forward"`
	AuthServerURI   string        `mapstructure:"auth_server_uri"`
	SignInPath      string        `mapstructure:"signin_path"`
	ValidatePath    string        `mapstructure:"validate_path"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	// SignInRateLimit caps sign-in attempts per client address per
	// SignInRateWindow. Zero disables throttling.
	SignInRateLimit  int           `mapstructure:"signin_rate_limit"`
	SignInRateWindow time.Duration `mapstructure:"signin_rate_window"`
}

type RedisConfig struct {
	Addr       string         `mapstructure:"addr"`
	Password   string         `mapstructure:"password"`
	DB         int            `mapstructure:"db"`
	RequireTLS bool           `mapstructure:"require_tls"`
	TLS        RedisTLSConfig `mapstructure:"tls"`
	// Optional permits running on the in-memory shared tier when Redis is down.
	Optional bool `mapstructure:"optional"`
	PoolSize int  `mapstructure:"pool_size"`
	// DialTimeout bounds connecting; per-command deadlines come from cache.timeout.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type RedisTLSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Insecure      bool   `mapstructure:"insecure"`
	AllowInsecure bool   `mapstructure:"allow_insecure"`
	ServerName    string `mapstructure:"server_name"`
	CACertFile    string `mapstructure:"ca_cert_file"`
	CertFile      string `mapstructure:"cert_file"`
	KeyFile       string `mapstructure:"key_file"`
}

type CacheConfig struct {
	LocalSize int           `mapstructure:"local_size"`
	LocalTTL  time.Duration `mapstructure:"local_ttl"`
	SharedTTL time.Duration `mapstructure:"shared_ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type LockConfig struct {
	// Backend is "local" or "redis".
	Backend string        `mapstructure:"backend"`
	Wait    time.Duration `mapstructure:"wait"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type GateConfig struct {
	FailOpen bool `mapstructure:"fail_open"`
}

type BlacklistConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type KafkaConfig struct {
	Brokers   []string         `mapstructure:"brokers"`
	Blacklist KafkaTopicConfig `mapstructure:"blacklist"`
	Audit     KafkaTopicConfig `mapstructure:"audit"`
}

type KafkaTopicConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Topic       string `mapstructure:"topic"`
	GroupID     string `mapstructure:"group_id"`
	Concurrency int    `mapstructure:"concurrency"`
}

type AuditConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Sink          string   `mapstructure:"sink"`
	CaptureBody   bool     `mapstructure:"capture_body"`
	MaxBodyBytes  int64    `mapstructure:"max_body_bytes"`
	Redact        bool     `mapstructure:"redact"`
	HashSalt      string   `mapstructure:"hash_salt"`
	RedactHeaders []string `mapstructure:"redact_headers"`
	QueueSize     int      `mapstructure:"queue_size"`
	Workers       int      `mapstructure:"workers"`
}

type PostgresConfig struct {
	DatabaseURL    string        `mapstructure:"database_url"`
	RequireTLS     bool          `mapstructure:"require_tls"`
	MaxConns       int32         `mapstructure:"max_conns"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// TracingConfig drives the OTLP exporter. An empty endpoint keeps tracing
// in-process only.
type TracingConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	Headers    string        `mapstructure:"headers"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Insecure   bool          `mapstructure:"insecure"`
	Required   bool          `mapstructure:"required"`
	Sampler    string        `mapstructure:"sampler"`
	SamplerArg string        `mapstructure:"sampler_arg"`
}

const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"

	AuditSinkKafka    = "kafka"
	AuditSinkPostgres = "postgres"
	AuditSinkLog      = "log"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "frontdoor")
	v.SetDefault("environment", "development")
	v.SetDefault("strict_prod_security", true)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.max_body_bytes", int64(1<<20))
	v.SetDefault("http.cors_allowed_origins", "")
	v.SetDefault("http.trusted_proxies", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.scope", "ecomm")
	v.SetDefault("auth.admin_scope", "gateway.admin")
	v.SetDefault("auth.protected_prefix", "/api/v1/")
	v.SetDefault("auth.unprotected_paths", []string{"/api/v1/auth/signin"})
	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "Ecomm")
	v.SetDefault("auth.jwt.ttl", 90*24*time.Hour)
	v.SetDefault("auth.jwt.leeway", time.Duration(0))

	v.SetDefault("gateway.forward", "http://localhost:8085")
	v.SetDefault("gateway.auth_server_uri", "http://localhost:8086")
	v.SetDefault("gateway.signin_path", "/api/v1/auth/signin")
	v.SetDefault("gateway.validate_path", "/api/v1/users/validate")
	v.SetDefault("gateway.upstream_timeout", 10*time.Second)
	v.SetDefault("gateway.signin_rate_limit", 20)
	v.SetDefault("gateway.signin_rate_window", time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.require_tls", false)
	v.SetDefault("redis.optional", false)
	v.SetDefault("redis.pool_size", 0)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.tls.enabled", false)
	v.SetDefault("redis.tls.insecure", false)
	v.SetDefault("redis.tls.allow_insecure", false)
	v.SetDefault("redis.tls.server_name", "")
	v.SetDefault("redis.tls.ca_cert_file", "")
	v.SetDefault("redis.tls.cert_file", "")
	v.SetDefault("redis.tls.key_file", "")

	v.SetDefault("cache.local_size", 10000)
	v.SetDefault("cache.local_ttl", 60*time.Second)
	v.SetDefault("cache.shared_ttl", 12*time.Hour)
	v.SetDefault("cache.key_prefix", "blocked-users::")
	v.SetDefault("cache.timeout", 2*time.Second)

	v.SetDefault("lock.backend", LockBackendLocal)
	v.SetDefault("lock.wait", 5*time.Second)
	v.SetDefault("lock.ttl", 10*time.Second)

	v.SetDefault("gate.fail_open", true)

	v.SetDefault("blacklist.max_retries", 3)
	v.SetDefault("blacklist.retry_backoff", 100*time.Millisecond)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.blacklist.enabled", true)
	v.SetDefault("kafka.blacklist.topic", "blacklisted-users")
	v.SetDefault("kafka.blacklist.group_id", "frontdoor")
	v.SetDefault("kafka.blacklist.concurrency", 3)
	v.SetDefault("kafka.audit.enabled", true)
	v.SetDefault("kafka.audit.topic", "incoming-request")
	v.SetDefault("kafka.audit.group_id", "")
	v.SetDefault("kafka.audit.concurrency", 1)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.sink", AuditSinkKafka)
	v.SetDefault("audit.capture_body", true)
	v.SetDefault("audit.max_body_bytes", int64(64<<10))
	v.SetDefault("audit.redact", false)
	v.SetDefault("audit.hash_salt", "")
	v.SetDefault("audit.redact_headers", []string{"Authorization", "Cookie", "Set-Cookie"})
	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.workers", 2)

	v.SetDefault("postgres.database_url", "")
	v.SetDefault("postgres.require_tls", false)
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.connect_retries", 10)
	v.SetDefault("postgres.retry_delay", 2*time.Second)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.headers", "")
	v.SetDefault("tracing.timeout", 5*time.Second)
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.required", false)
	v.SetDefault("tracing.sampler", "parentbased_traceidratio")
	v.SetDefault("tracing.sampler_arg", "1")
}

// bindStandardEnv lets the usual OpenTelemetry variables configure tracing.
func bindStandardEnv(v *viper.Viper) {
	_ = v.BindEnv("tracing.endpoint", "TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("tracing.headers", "TRACING_HEADERS", "OTEL_EXPORTER_OTLP_HEADERS")
	_ = v.BindEnv("tracing.insecure", "TRACING_INSECURE", "OTEL_EXPORTER_OTLP_INSECURE")
	_ = v.BindEnv("tracing.sampler", "TRACING_SAMPLER", "OTEL_TRACES_SAMPLER")
	_ = v.BindEnv("tracing.sampler_arg", "TRACING_SAMPLER_ARG", "OTEL_TRACES_SAMPLER_ARG")
}

// Load reads configuration. An empty path searches ./config.yaml and
// /etc/frontdoor/config.yaml; a missing file is not an error. Environment
// variables override any key with dots replaced by underscores, e.g.
// AUTH_JWT_SECRET or KAFKA_BROKERS=a:9092,b:9092.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindStandardEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/frontdoor")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Kafka.Brokers = splitList(c.Kafka.Brokers)
	c.Auth.UnprotectedPaths = splitList(c.Auth.UnprotectedPaths)
	c.Audit.RedactHeaders = splitList(c.Audit.RedactHeaders)
	c.HTTP.TrustedProxies = splitList(c.HTTP.TrustedProxies)
	c.Lock.Backend = strings.ToLower(strings.TrimSpace(c.Lock.Backend))
	c.Audit.Sink = strings.ToLower(strings.TrimSpace(c.Audit.Sink))
}

// splitList trims entries and expands comma separated values that arrive as a
// single element from the environment.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c Config) Validate() error {
	if c.Auth.Enabled {
		if _, err := c.Auth.JWT.SecretBytes(); err != nil {
			return err
		}
	}
	if c.Cache.LocalSize <= 0 {
		return fmt.Errorf("cache.local_size must be positive")
	}
	if c.Cache.LocalTTL <= 0 || c.Cache.SharedTTL <= 0 {
		return fmt.Errorf("cache ttls must be positive")
	}
	if c.Lock.Wait <= 0 {
		return fmt.Errorf("lock.wait must be positive")
	}
	switch c.Lock.Backend {
	case LockBackendLocal, LockBackendRedis:
	default:
		return fmt.Errorf("lock.backend %q not supported", c.Lock.Backend)
	}
	switch c.Audit.Sink {
	case AuditSinkKafka, AuditSinkPostgres, AuditSinkLog:
	default:
		return fmt.Errorf("audit.sink %q not supported", c.Audit.Sink)
	}
	if c.Audit.Enabled && c.Audit.Sink == AuditSinkPostgres && strings.TrimSpace(c.Postgres.DatabaseURL) == "" {
		return fmt.Errorf("audit.sink=postgres requires postgres.database_url")
	}
	if c.Kafka.Blacklist.Enabled && c.Kafka.Blacklist.Concurrency <= 0 {
		return fmt.Errorf("kafka.blacklist.concurrency must be positive")
	}
	if _, err := url.Parse(c.Gateway.Forward); err != nil || strings.TrimSpace(c.Gateway.Forward) == "" {
		return fmt.Errorf("gateway.forward must be a url")
	}
	return nil
}

// SecretBytes decodes the base64 HMAC key.
func (j JWTConfig) SecretBytes() ([]byte, error) {
	raw := strings.TrimSpace(j.Secret)
	if raw == "" {
		return nil, fmt.Errorf("auth.jwt.secret required when auth is enabled")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(raw); err == nil {
			if len(b) < 32 {
				return nil, fmt.Errorf("auth.jwt.secret must decode to at least 32 bytes, got %d", len(b))
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("auth.jwt.secret is not valid base64")
}
