package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

// Config aggregates application configuration values.
type Config struct {
	Environment   string              `mapstructure:"environment"`
	ServiceName   string              `mapstructure:"service_name"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Channels      ChannelsConfig      `mapstructure:"channels"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	SnowflakeNode int64               `mapstructure:"snowflake_node"`
}

// HTTPConfig governs the gin server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// NotifyRateLimit caps gateway notifications per remote address per minute.
	NotifyRateLimit int `mapstructure:"notify_rate_limit"`
}

// DatabaseConfig selects the gorm dialector.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres|sqlite
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

// RedisConfig points asynq at its broker. An empty Addr runs the retry
// scheduler in-process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PaymentConfig holds engine-wide payment defaults.
type PaymentConfig struct {
	NotifyBaseURL    string        `mapstructure:"notify_base_url"`
	AppName          string        `mapstructure:"app_name"`
	AppURL           string        `mapstructure:"app_url"`
	DefaultCurrency  string        `mapstructure:"default_currency"`
	DefaultExpiry    time.Duration `mapstructure:"default_expiry"`
	TransferChannels []string      `mapstructure:"transfer_channels"`
}

// ChannelConfig is the per-gateway connection profile.
type ChannelConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Endpoint   string        `mapstructure:"endpoint"`
	AppID      string        `mapstructure:"app_id"`
	MerchantID string        `mapstructure:"merchant_id"`
	APIv3Key   string        `mapstructure:"api_v3_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec float64       `mapstructure:"rate_per_sec"`
	Burst      int           `mapstructure:"burst"`

	// PrivateKey is the merchant signing key, PEM or bare base64.
	PrivateKey string `mapstructure:"private_key"`

	// PublicKey verifies gateway signatures: the Alipay public key as bare
	// base64, or the UnionPay verify certificate as PEM.
	PublicKey string `mapstructure:"public_key"`

	// CertSerialNo names the merchant certificate: serial_no on WeChat Pay,
	// certId on UnionPay.
	CertSerialNo string `mapstructure:"cert_serial_no"`

	// PlatformCerts are the WeChat Pay platform certificates in PEM.
	PlatformCerts []string `mapstructure:"platform_certs"`
}

type ChannelsConfig struct {
	Alipay   ChannelConfig `mapstructure:"alipay"`
	Wechat   ChannelConfig `mapstructure:"wechat"`
	UnionPay ChannelConfig `mapstructure:"unionpay"`
}

// SchedulerConfig bounds the retry and expiry jobs.
type SchedulerConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	ExpiryPollInterval time.Duration `mapstructure:"expiry_poll_interval"`
	GatewayDelay       time.Duration `mapstructure:"gateway_delay"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	Concurrency        int           `mapstructure:"concurrency"`
}

type ObservabilityConfig struct {
	LogLevel  string        `mapstructure:"log_level"`
	LogFormat string        `mapstructure:"log_format"` // json|console
	Tracing   TracingConfig `mapstructure:"tracing"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	ExporterProtocol string  `mapstructure:"exporter_protocol"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio"`
}

// Module supplies a configuration loaded before the fx application starts.
func Module(cfg Config) fx.Option {
	return fx.Module("config", fx.Supply(cfg))
}

// IsProduction reports whether the service runs in production mode.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// Load reads an optional YAML file and RAILPAY_* environment variables on top
// of the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RAILPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("service_name", "railpay")
	v.SetDefault("snowflake_node", 1)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.notify_rate_limit", 600)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:railpay.db?_busy_timeout=5000")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("payment.notify_base_url", "http://localhost:8080/pay")
	v.SetDefault("payment.app_name", "railpay")
	v.SetDefault("payment.app_url", "http://localhost:8080")
	v.SetDefault("payment.default_currency", "CNY")
	v.SetDefault("payment.default_expiry", 24*time.Hour)
	v.SetDefault("payment.transfer_channels", []string{"alipay"})

	for _, name := range []string{"alipay", "wechat", "unionpay"} {
		v.SetDefault("channels."+name+".timeout", 5*time.Second)
		v.SetDefault("channels."+name+".rate_per_sec", 20.0)
		v.SetDefault("channels."+name+".burst", 5)
	}

	v.SetDefault("scheduler.max_attempts", 5)
	v.SetDefault("scheduler.expiry_poll_interval", 2*time.Minute)
	v.SetDefault("scheduler.gateway_delay", time.Second)
	v.SetDefault("scheduler.retry_backoff", 30*time.Second)
	v.SetDefault("scheduler.concurrency", 10)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.exporter_protocol", "grpc")
	v.SetDefault("observability.tracing.sampling_ratio", 0.1)
}

func (c Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return errors.New("scheduler.max_attempts must be positive")
	}
	if c.Payment.DefaultExpiry <= 0 {
		return errors.New("payment.default_expiry must be positive")
	}
	return nil
}
