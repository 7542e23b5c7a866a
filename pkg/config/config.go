package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "ORDERENGINE_"

type Config struct {
	App struct {
		Name     string `koanf:"name"`
		Env      string `koanf:"env"`
		LogLevel string `koanf:"log_level"`
		LogFile  string `koanf:"log_file"`
	} `koanf:"app"`

	HTTP struct {
		Addr         string        `koanf:"addr"`
		WebhookAddr  string        `koanf:"webhook_addr"`
		ReadTimeout  time.Duration `koanf:"read_timeout"`
		WriteTimeout time.Duration `koanf:"write_timeout"`
	} `koanf:"http"`

	GRPC struct {
		Addr string `koanf:"addr"`
	} `koanf:"grpc"`

	Postgres struct {
		URL      string `koanf:"url"`
		MaxConns int32  `koanf:"max_conns"`
		Migrate  bool   `koanf:"migrate"`
	} `koanf:"postgres"`

	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
	} `koanf:"redis"`

	Idempotency struct {
		TTL time.Duration `koanf:"ttl"`
	} `koanf:"idempotency"`

	Kafka struct {
		Brokers       []string `koanf:"brokers"`
		OrderTopic    string   `koanf:"order_topic"`
		ConsumerGroup string   `koanf:"consumer_group"`
	} `koanf:"kafka"`

	Outbox struct {
		BatchSize int           `koanf:"batch_size"`
		Interval  time.Duration `koanf:"interval"`
	} `koanf:"outbox"`

	Reservation struct {
		TTL               time.Duration `koanf:"ttl"`
		SweepInterval     time.Duration `koanf:"sweep_interval"`
		SweepBatch        int           `koanf:"sweep_batch"`
		OrphanGrace       time.Duration `koanf:"orphan_grace"`
		MaxLiveOrders     int           `koanf:"max_live_orders"`
		CancelCompetitors bool          `koanf:"cancel_competitors"`
	} `koanf:"reservation"`

	RateLimit struct {
		Interval time.Duration `koanf:"interval"`
		Size     int           `koanf:"size"`
	} `koanf:"rate_limit"`

	Gateway struct {
		BaseURL           string        `koanf:"base_url"`
		MerchantKey       string        `koanf:"merchant_key"`
		CallbackURL       string        `koanf:"callback_url"`
		Currency          string        `koanf:"currency"`
		ToCurrency        string        `koanf:"to_currency"`
		Lifetime          time.Duration `koanf:"lifetime"`
		UnderPaidCoverage float64       `koanf:"under_paid_coverage"`
		FeePaidByPayer    bool          `koanf:"fee_paid_by_payer"`
		Timeout           time.Duration `koanf:"timeout"`
		VerifySignature   bool          `koanf:"verify_signature"`
	} `koanf:"gateway"`

	Security struct {
		JWTSecret string `koanf:"jwt_secret"`
		Issuer    string `koanf:"issuer"`
		Audience  string `koanf:"audience"`
	} `koanf:"security"`

	Notify struct {
		URL     string        `koanf:"url"`
		Timeout time.Duration `koanf:"timeout"`
	} `koanf:"notify"`

	Tracing struct {
		Endpoint string `koanf:"endpoint"`
	} `koanf:"tracing"`
}

// Load reads <dir>/base.yaml, an optional <dir>/<envName>.yaml and then the
// ORDERENGINE_ environment, where "__" separates nested keys
// (ORDERENGINE_RESERVATION__TTL=45m). A .env file in the working directory is
// loaded into the environment first when present.
func Load(dir, envName string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(filepath.Join(dir, "base.yaml")), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("load base: %w", err)
	}
	if envName != "" {
		_ = k.Load(file.Provider(filepath.Join(dir, envName+".yaml")), yaml.Parser())
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	// Comma separated broker lists arrive from the environment as one string.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ReplaceAll(s, "__", ".")
	return strings.ToLower(s)
}

func (c Config) Validate() error {
	var errs []error
	if c.Postgres.URL == "" {
		errs = append(errs, errors.New("postgres.url required"))
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers required"))
	}
	if c.Kafka.OrderTopic == "" {
		errs = append(errs, errors.New("kafka.order_topic required"))
	}
	if c.Reservation.TTL <= 0 {
		errs = append(errs, errors.New("reservation.ttl must be positive"))
	}
	if c.Reservation.SweepInterval <= 0 {
		errs = append(errs, errors.New("reservation.sweep_interval must be positive"))
	}
	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway.base_url required"))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("gateway.timeout must be positive"))
	}
	return errors.Join(errs...)
}
