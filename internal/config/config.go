package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment  string             `mapstructure:"environment"`
	Logging      LoggingConfig      `mapstructure:"log"`
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Scylla       ScyllaConfig       `mapstructure:"scylla"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Elastic      ElasticConfig      `mapstructure:"elastic"`
	ClickHouse   ClickHouseConfig   `mapstructure:"clickhouse"`
	KMS          KMSConfig          `mapstructure:"kms"`
	Security     SecurityConfig     `mapstructure:"security"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	OTP          OTPConfig          `mapstructure:"otp"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	SMS          SMSConfig          `mapstructure:"sms"`
	Bucketing    BucketingConfig    `mapstructure:"bucketing"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	TLSPort        int           `mapstructure:"tls_port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	EnableTLS      bool          `mapstructure:"enable_tls"`
	AutoCert       bool          `mapstructure:"auto_cert"`
	Domain         string        `mapstructure:"domain"`
	CertFile       string        `mapstructure:"cert_file"`
	KeyFile        string        `mapstructure:"key_file"`
	AutoCertDir    string        `mapstructure:"auto_cert_dir"`
	Email          string        `mapstructure:"email"`
}

// StorageConfig selects the durable row store: "scylla" or "memory".
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	PoolSize    int    `mapstructure:"pool_size"`
	TLSCAFile   string `mapstructure:"tls_ca_file"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

type ScyllaConfig struct {
	Hosts         []string      `mapstructure:"hosts"`
	Keyspace      string        `mapstructure:"keyspace"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Consistency   string        `mapstructure:"consistency"`
	Timeout       time.Duration `mapstructure:"timeout"`
	NumConns      int           `mapstructure:"num_conns"`
	MaxRetries    int           `mapstructure:"max_retries"`
	EnsureSchema  bool          `mapstructure:"ensure_schema"`
	LocalDC       string        `mapstructure:"local_dc"`
	ReplicationRF int           `mapstructure:"replication_factor"`
}

type KafkaConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Brokers           []string      `mapstructure:"brokers"`
	OTPTopic          string        `mapstructure:"otp_topic"`
	SubscriptionTopic string        `mapstructure:"subscription_topic"`
	PaymentTopic      string        `mapstructure:"payment_topic"`
	BatchTimeout      time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type ElasticConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

type ClickHouseConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          []string      `mapstructure:"addr"`
	Database      string        `mapstructure:"database"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Secure        bool          `mapstructure:"secure"`
	TLSCAFile     string        `mapstructure:"tls_ca_file"`
}

type KMSConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Region         string `mapstructure:"region"`
	KeyID          string `mapstructure:"key_id"`
	// LocalMasterKey is a base64 AES-256 key that wraps data keys when KMS
	// is disabled.
	LocalMasterKey string `mapstructure:"local_master_key"`
}

type SecurityConfig struct {
	PepperVersion  int    `mapstructure:"pepper_version"`
	Pepper         string `mapstructure:"pepper"`
	ArgonTime      uint32 `mapstructure:"argon_time"`
	ArgonMemoryKiB uint32 `mapstructure:"argon_memory_kib"`
	ArgonThreads   uint8  `mapstructure:"argon_threads"`
	PhoneHashSalt  string `mapstructure:"phone_hash_salt"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	Issuer         string        `mapstructure:"issuer"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	ResetTicketTTL time.Duration `mapstructure:"reset_ticket_ttl"`
}

type OTPConfig struct {
	Length             int           `mapstructure:"length"`
	TTL                time.Duration `mapstructure:"ttl"`
	ResendCooldown     time.Duration `mapstructure:"resend_cooldown"`
	Retention          time.Duration `mapstructure:"retention"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	MaxRequestsPerHour int           `mapstructure:"max_requests_per_hour"`
	MessageTemplate    string        `mapstructure:"message_template"`
}

type SubscriptionConfig struct {
	Currency       string            `mapstructure:"currency"`
	Prices         map[string]string `mapstructure:"prices"`
	PendingTTL     time.Duration     `mapstructure:"pending_ttl"`
	SweepInterval  time.Duration     `mapstructure:"sweep_interval"`
	SweepBatchSize int               `mapstructure:"sweep_batch_size"`
}

type GatewayConfig struct {
	Driver      string        `mapstructure:"driver"`
	BaseURL     string        `mapstructure:"base_url"`
	SecretKey   string        `mapstructure:"secret_key"`
	CallbackURL string        `mapstructure:"callback_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type SMSConfig struct {
	Driver     string        `mapstructure:"driver"`
	AccountSID string        `mapstructure:"account_sid"`
	AuthToken  string        `mapstructure:"auth_token"`
	From       string        `mapstructure:"from"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type BucketingConfig struct {
	DeadlineBuckets int `mapstructure:"deadline_buckets"`
}

// Load reads an optional .env file and then resolves every key from the
// environment, falling back to the defaults below.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls_port", 8443)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.enable_tls", false)
	v.SetDefault("server.auto_cert", false)
	v.SetDefault("server.domain", "localhost")
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")
	v.SetDefault("server.auto_cert_dir", "./certs")
	v.SetDefault("server.email", "")

	v.SetDefault("storage.driver", "scylla")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.tls_ca_file", "/app/certs/ca.crt")
	v.SetDefault("redis.tls_cert_file", "/app/certs/redis.crt")
	v.SetDefault("redis.tls_key_file", "/app/certs/redis.key")

	v.SetDefault("scylla.hosts", []string{"127.0.0.1"})
	v.SetDefault("scylla.keyspace", "marketplace_identity")
	v.SetDefault("scylla.username", "")
	v.SetDefault("scylla.password", "")
	v.SetDefault("scylla.consistency", "LOCAL_QUORUM")
	v.SetDefault("scylla.timeout", 5*time.Second)
	v.SetDefault("scylla.num_conns", 4)
	v.SetDefault("scylla.max_retries", 3)
	v.SetDefault("scylla.ensure_schema", true)
	v.SetDefault("scylla.local_dc", "")
	v.SetDefault("scylla.replication_factor", 1)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.otp_topic", "identity.otp")
	v.SetDefault("kafka.subscription_topic", "identity.subscriptions")
	v.SetDefault("kafka.payment_topic", "identity.payments")
	v.SetDefault("kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("kafka.write_timeout", 10*time.Second)

	v.SetDefault("elastic.enabled", false)
	v.SetDefault("elastic.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elastic.username", "")
	v.SetDefault("elastic.password", "")
	v.SetDefault("elastic.index", "category-entitlements")

	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.addr", []string{"localhost:9000"})
	v.SetDefault("clickhouse.database", "identity_audit")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("clickhouse.flush_interval", 2*time.Second)
	v.SetDefault("clickhouse.batch_size", 500)
	v.SetDefault("clickhouse.secure", false)
	v.SetDefault("clickhouse.tls_ca_file", "")

	v.SetDefault("kms.enabled", false)
	v.SetDefault("kms.region", "eu-west-1")
	v.SetDefault("kms.key_id", "")
	v.SetDefault("kms.local_master_key", "ZGV2LW1hc3Rlci1rZXktMzItYnl0ZXMtbG9uZy0hISE=")

	v.SetDefault("security.pepper_version", 1)
	v.SetDefault("security.pepper", "dev-pepper-change-me")
	v.SetDefault("security.argon_time", 1)
	v.SetDefault("security.argon_memory_kib", 64*1024)
	v.SetDefault("security.argon_threads", 2)
	v.SetDefault("security.phone_hash_salt", "dev-phone-salt")

	v.SetDefault("jwt.secret", "dev-jwt-secret-change-me")
	v.SetDefault("jwt.issuer", "marketplace-identity")
	v.SetDefault("jwt.session_ttl", 24*time.Hour)
	v.SetDefault("jwt.reset_ticket_ttl", 10*time.Minute)

	v.SetDefault("otp.length", 6)
	v.SetDefault("otp.ttl", 10*time.Minute)
	v.SetDefault("otp.resend_cooldown", 120*time.Second)
	v.SetDefault("otp.retention", 10*time.Minute)
	v.SetDefault("otp.max_attempts", 5)
	v.SetDefault("otp.max_requests_per_hour", 10)
	v.SetDefault("otp.message_template", "Your verification code is %s. It expires in %d minutes.")

	v.SetDefault("subscription.currency", "GHS")
	v.SetDefault("subscription.prices", map[string]string{
		"one_time":  "50.00",
		"monthly":   "20.00",
		"quarterly": "55.00",
		"yearly":    "200.00",
	})
	v.SetDefault("subscription.pending_ttl", 72*time.Hour)
	v.SetDefault("subscription.sweep_interval", time.Minute)
	v.SetDefault("subscription.sweep_batch_size", 500)

	v.SetDefault("gateway.driver", "sandbox")
	v.SetDefault("gateway.base_url", "https://api.paystack.co")
	v.SetDefault("gateway.secret_key", "sandbox-secret")
	v.SetDefault("gateway.callback_url", "http://localhost:8080/api/v1/payments/callback")
	v.SetDefault("gateway.timeout", 15*time.Second)

	v.SetDefault("sms.driver", "log")
	v.SetDefault("sms.account_sid", "")
	v.SetDefault("sms.auth_token", "")
	v.SetDefault("sms.from", "")
	v.SetDefault("sms.timeout", 10*time.Second)

	v.SetDefault("bucketing.deadline_buckets", 16)
}

// Validate rejects configurations that would run production with
// development secrets or unusable limits.
func (c *Config) Validate() error {
	if c.OTP.Length < 4 || c.OTP.Length > 10 {
		return fmt.Errorf("otp.length must be between 4 and 10, got %d", c.OTP.Length)
	}
	if c.OTP.MaxAttempts < 1 {
		return fmt.Errorf("otp.max_attempts must be positive")
	}
	if c.Bucketing.DeadlineBuckets < 1 {
		return fmt.Errorf("bucketing.deadline_buckets must be positive")
	}
	switch c.Storage.Driver {
	case "scylla", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if !c.IsProduction() {
		return nil
	}
	if strings.HasPrefix(c.JWT.Secret, "dev-") || len(c.JWT.Secret) < 32 {
		return errors.New("jwt.secret must be set to a strong value in production")
	}
	if strings.HasPrefix(c.Security.Pepper, "dev-") {
		return errors.New("security.pepper must be set in production")
	}
	if c.Gateway.Driver == "sandbox" {
		return errors.New("sandbox payment gateway is not allowed in production")
	}
	if c.Storage.Driver == "memory" {
		return errors.New("memory storage is not allowed in production")
	}
	if !c.KMS.Enabled {
		return errors.New("kms must be enabled in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
