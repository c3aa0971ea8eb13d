package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "gateway"

	defaultRequestTimeout = 30 * time.Second
	defaultRetryMinDelay  = 500 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyExchangeDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.live_trading", false)
	v.SetDefault("app.status_interval", "1m")

	v.SetDefault("credential.master_password", "")

	v.SetDefault("router.cache_ttl", "30s")
	v.SetDefault("router.fetch_timeout", "10s")
	v.SetDefault("router.order_book_depth", 10)
	v.SetDefault("router.decay_factor", 0.5)
	v.SetDefault("router.recovery_step", 0.2)

	v.SetDefault("converter.rate_ttl", "1m")

	v.SetDefault("database.path", "data/gateway.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

// applyExchangeDefaults 为目录中省略的交易所级参数补齐默认值。
// viper 的 SetDefault 不作用于列表元素，这里手动补齐。
func applyExchangeDefaults(cfg *Config) {
	for i := range cfg.Exchanges {
		ex := &cfg.Exchanges[i]
		if ex.Name == "" {
			ex.Name = ex.ID
		}
		if ex.Type == "" {
			ex.Type = "crypto"
		}
		if ex.RateLimit.RequestsPerMinute == 0 {
			ex.RateLimit.RequestsPerMinute = 60
		}
		if ex.RateLimit.Burst == 0 {
			ex.RateLimit.Burst = 10
		}
		if ex.RequestTimeout == 0 {
			ex.RequestTimeout = defaultRequestTimeout
		}
		if ex.Retry.MaxAttempts == 0 {
			ex.Retry.MaxAttempts = 3
		}
		if ex.Retry.MinDelay == 0 {
			ex.Retry.MinDelay = defaultRetryMinDelay
		}
		if ex.Retry.MaxDelay == 0 {
			ex.Retry.MaxDelay = defaultRetryMaxDelay
		}
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
