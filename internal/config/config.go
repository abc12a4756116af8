package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrownNPC/sigrelay/internal"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// SIGRELAY_RELAY_WRITE_TIMEOUT for relay.write_timeout.
const EnvPrefix = "SIGRELAY"

type Config struct {
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Log             LogConfig     `mapstructure:"log"`
	Relay           RelayConfig   `mapstructure:"relay"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RelayConfig struct {
	// uuid or short
	IDStrategy      string        `mapstructure:"id_strategy"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	OutboundQueue   int           `mapstructure:"outbound_queue"`
	// Empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SetDefaults registers every key, so that environment variables are
// picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":3000")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("relay.id_strategy", internal.StrategyUUID)
	v.SetDefault("relay.max_message_bytes", 64*1024)
	v.SetDefault("relay.rate_limit", 20.0)
	v.SetDefault("relay.rate_burst", 40)
	v.SetDefault("relay.ping_interval", 20*time.Second)
	v.SetDefault("relay.write_timeout", 5*time.Second)
	v.SetDefault("relay.outbound_queue", 32)
	v.SetDefault("relay.allowed_origins", []string{})
}

// Load reads defaults, then file (if not empty), then the environment.
// Flags bound to v with BindPFlag take precedence over all of them.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	switch c.Relay.IDStrategy {
	case internal.StrategyUUID, internal.StrategyShort:
	default:
		errs = append(errs, fmt.Errorf("relay.id_strategy %q: want %s or %s", c.Relay.IDStrategy, internal.StrategyUUID, internal.StrategyShort))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if c.Relay.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("relay.max_message_bytes must be positive, got %d", c.Relay.MaxMessageBytes))
	}
	if c.Relay.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("relay.rate_limit must not be negative, got %v", c.Relay.RateLimit))
	}
	if c.Relay.RateLimit > 0 && c.Relay.RateBurst <= 0 {
		errs = append(errs, fmt.Errorf("relay.rate_burst must be positive when rate_limit is set, got %d", c.Relay.RateBurst))
	}
	if c.Relay.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.write_timeout must be positive, got %s", c.Relay.WriteTimeout))
	}
	if c.Relay.OutboundQueue <= 0 {
		errs = append(errs, fmt.Errorf("relay.outbound_queue must be positive, got %d", c.Relay.OutboundQueue))
	}
	if c.Relay.PingInterval < 0 {
		errs = append(errs, fmt.Errorf("relay.ping_interval must not be negative, got %s", c.Relay.PingInterval))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
