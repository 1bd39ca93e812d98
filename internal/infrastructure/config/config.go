package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Stripe        StripeConfig        `mapstructure:"stripe"`
	PayPal        PayPalConfig        `mapstructure:"paypal"`
	Crypto        CryptoConfig        `mapstructure:"crypto"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Auth          AuthConfig          `mapstructure:"auth"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
	// ServiceTokenTTL is the lifetime of tokens minted for internal alert calls.
	ServiceTokenTTL time.Duration `mapstructure:"service_token_ttl"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type PaymentConfig struct {
	MaxRetries              int           `mapstructure:"max_retries"`
	BaseDelay               time.Duration `mapstructure:"base_delay"`
	MaxDelay                time.Duration `mapstructure:"max_delay"`
	HealthCheckTimeout      time.Duration `mapstructure:"health_check_timeout"`
	ProcessingTimeout       time.Duration `mapstructure:"processing_timeout"`
	LockTTL                 time.Duration `mapstructure:"lock_ttl"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
	// CircuitBreakerInterval is the closed-state window after which failure counts reset.
	CircuitBreakerInterval time.Duration `mapstructure:"circuit_breaker_interval"`
	EnabledProviders       []string      `mapstructure:"enabled_providers"`
	UseMockProviders       bool          `mapstructure:"use_mock_providers"`
	StoreBaseURL           string        `mapstructure:"store_base_url"`
}

type StripeConfig struct {
	SecretKey         string        `mapstructure:"secret_key"`
	WebhookSecret     string        `mapstructure:"webhook_secret"`
	WebhookTolerance  time.Duration `mapstructure:"webhook_tolerance"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxNetworkRetries int64         `mapstructure:"max_network_retries"`
	Currencies        []string      `mapstructure:"currencies"`
	SessionExpiry     time.Duration `mapstructure:"session_expiry"`
}

type PayPalConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	WebhookID    string        `mapstructure:"webhook_id"`
	Mode         string        `mapstructure:"mode"`
	BaseURL      string        `mapstructure:"base_url"`
	BrandName    string        `mapstructure:"brand_name"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type CryptoConfig struct {
	WalletSeed        string        `mapstructure:"wallet_seed"`
	CoinGeckoURL      string        `mapstructure:"coingecko_url"`
	BlockchainInfoURL string        `mapstructure:"blockchain_info_url"`
	EtherscanURL      string        `mapstructure:"etherscan_url"`
	EtherscanAPIKey   string        `mapstructure:"etherscan_api_key"`
	RateCacheTTL      time.Duration `mapstructure:"rate_cache_ttl"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type WebhookConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	DedupTTL     time.Duration `mapstructure:"dedup_ttl"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type AlertsConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WorkerConfig struct {
	BatchSize          int64         `mapstructure:"batch_size"`
	BlockDuration      time.Duration `mapstructure:"block_duration"`
	ConsumerGroup      string        `mapstructure:"consumer_group"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl"`
	CryptoPollInterval time.Duration `mapstructure:"crypto_poll_interval"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	// MaxReplayDeliveries caps how often one dead letter is handed to a replayer.
	MaxReplayDeliveries int64         `mapstructure:"max_replay_deliveries"`
	ReplayStaleIdle     time.Duration `mapstructure:"replay_stale_idle"`
}

type RateLimitConfig struct {
	RequestsPerMinute        int `mapstructure:"requests_per_minute"`
	WebhookRequestsPerMinute int `mapstructure:"webhook_requests_per_minute"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	ServiceName    string `mapstructure:"service_name"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables, e.g. MDTS_STRIPE_SECRET_KEY
	v.SetEnvPrefix("MDTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/mdts")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.Payment.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("payment.max_retries cannot be negative"))
	}
	if c.Payment.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("payment.base_delay must be positive"))
	}
	if c.Payment.MaxDelay < c.Payment.BaseDelay {
		errs = append(errs, fmt.Errorf("payment.max_delay must not be less than payment.base_delay"))
	}
	if c.Payment.CircuitBreakerThreshold <= 0 {
		errs = append(errs, fmt.Errorf("payment.circuit_breaker_threshold must be positive"))
	}
	if c.Payment.CircuitBreakerInterval <= 0 {
		errs = append(errs, fmt.Errorf("payment.circuit_breaker_interval must be positive"))
	}
	if c.Payment.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("payment.lock_ttl must be positive"))
	}
	for _, name := range c.Payment.EnabledProviders {
		switch name {
		case "stripe", "paypal", "crypto":
		default:
			errs = append(errs, fmt.Errorf("payment.enabled_providers: unknown provider %q", name))
		}
	}
	if c.PayPal.Mode != "sandbox" && c.PayPal.Mode != "live" {
		errs = append(errs, fmt.Errorf("paypal.mode must be sandbox or live, got %q", c.PayPal.Mode))
	}
	if c.Webhook.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("webhook.max_retries cannot be negative"))
	}
	if c.Stripe.WebhookTolerance <= 0 {
		errs = append(errs, fmt.Errorf("stripe.webhook_tolerance must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be positive"))
	}
	if c.Worker.MaxReplayDeliveries < 0 {
		errs = append(errs, fmt.Errorf("worker.max_replay_deliveries cannot be negative"))
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("auth.jwt_secret required in production"))
		}
		if c.Payment.UseMockProviders {
			errs = append(errs, fmt.Errorf("payment.use_mock_providers not allowed in production"))
		}
		if c.Stripe.SecretKey == "" || c.Stripe.WebhookSecret == "" {
			errs = append(errs, fmt.Errorf("stripe.secret_key and stripe.webhook_secret required in production"))
		}
		if c.PayPal.ClientID == "" || c.PayPal.ClientSecret == "" || c.PayPal.WebhookID == "" {
			errs = append(errs, fmt.Errorf("paypal.client_id, paypal.client_secret and paypal.webhook_id required in production"))
		}
		if c.Crypto.WalletSeed == "" {
			errs = append(errs, fmt.Errorf("crypto.wallet_seed required in production"))
		}
	}

	// JWT secret length validation
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 characters"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "mdts")
	v.SetDefault("database.database", "mdts")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Payment defaults
	v.SetDefault("payment.max_retries", 3)
	v.SetDefault("payment.base_delay", "1s")
	v.SetDefault("payment.max_delay", "30s")
	v.SetDefault("payment.health_check_timeout", "5s")
	v.SetDefault("payment.processing_timeout", "120s")
	v.SetDefault("payment.lock_ttl", "30s")
	v.SetDefault("payment.circuit_breaker_threshold", 5)
	v.SetDefault("payment.circuit_breaker_timeout", "5m")
	v.SetDefault("payment.circuit_breaker_interval", "60s")
	v.SetDefault("payment.enabled_providers", []string{"stripe", "paypal", "crypto"})
	v.SetDefault("payment.use_mock_providers", false)
	v.SetDefault("payment.store_base_url", "http://localhost:3000")

	// Secrets have empty defaults so AutomaticEnv can bind them on Unmarshal
	for _, key := range []string{
		"database.password", "redis.password", "auth.jwt_secret",
		"stripe.secret_key", "stripe.webhook_secret",
		"paypal.client_id", "paypal.client_secret", "paypal.webhook_id", "paypal.base_url",
		"crypto.wallet_seed", "crypto.etherscan_api_key",
	} {
		v.SetDefault(key, "")
	}

	// Stripe defaults
	v.SetDefault("stripe.webhook_tolerance", "300s")
	v.SetDefault("stripe.timeout", "10s")
	v.SetDefault("stripe.max_network_retries", 3)
	v.SetDefault("stripe.currencies", []string{"usd", "cad", "eur", "gbp"})
	v.SetDefault("stripe.session_expiry", "30m")

	// PayPal defaults
	v.SetDefault("paypal.mode", "sandbox")
	v.SetDefault("paypal.brand_name", "Midas Technical Solutions")
	v.SetDefault("paypal.timeout", "10s")

	// Crypto defaults
	v.SetDefault("crypto.coingecko_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("crypto.blockchain_info_url", "https://blockchain.info")
	v.SetDefault("crypto.etherscan_url", "https://api.etherscan.io/api")
	v.SetDefault("crypto.rate_cache_ttl", "24h")
	v.SetDefault("crypto.timeout", "10s")

	// Webhook defaults
	v.SetDefault("webhook.max_retries", 3)
	v.SetDefault("webhook.base_delay", "1s")
	v.SetDefault("webhook.dedup_ttl", "72h")
	v.SetDefault("webhook.max_body_bytes", 1<<20)

	// Alert defaults
	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.base_url", "http://localhost:8080")
	v.SetDefault("alerts.timeout", "5s")

	// Worker defaults
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.block_duration", "1s")
	v.SetDefault("worker.consumer_group", "webhook-replayers")
	v.SetDefault("worker.idempotency_ttl", "24h")
	v.SetDefault("worker.crypto_poll_interval", "60s")
	v.SetDefault("worker.cleanup_interval", "1h")
	v.SetDefault("worker.max_replay_deliveries", 5)
	v.SetDefault("worker.replay_stale_idle", "5m")

	// Rate limit defaults
	v.SetDefault("rate_limit.requests_per_minute", 100)
	v.SetDefault("rate_limit.webhook_requests_per_minute", 600)

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.service_name", "mdts-payments")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", true)

	// Auth defaults
	v.SetDefault("auth.jwt_expiry", "24h")
	v.SetDefault("auth.service_token_ttl", "5m")

	// Instance ID
	v.SetDefault("instance_id", "mdts-payments-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL returns the connection string in URL form, as golang-migrate expects.
func (c *DatabaseConfig) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PayPalBaseURL returns the REST endpoint for the configured mode unless overridden.
func (c *PayPalConfig) PayPalBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Mode == "live" {
		return "https://api-m.paypal.com"
	}
	return "https://api-m.sandbox.paypal.com"
}

// ProviderEnabled reports whether the named provider is switched on.
func (c *PaymentConfig) ProviderEnabled(name string) bool {
	for _, p := range c.EnabledProviders {
		if p == name {
			return true
		}
	}
	return false
}
