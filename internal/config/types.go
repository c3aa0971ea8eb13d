package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了网关运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchanges  []ExchangeConfig `mapstructure:"exchanges"`
	Credential CredentialConfig `mapstructure:"credential"`
	Router     RouterConfig     `mapstructure:"router"`
	Converter  ConverterConfig  `mapstructure:"converter"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment     string        `mapstructure:"environment"`
	DefaultExchange string        `mapstructure:"default_exchange"`
	LiveTrading     bool          `mapstructure:"live_trading"`
	StatusInterval  time.Duration `mapstructure:"status_interval"`
}

// ExchangeConfig 描述一条交易所目录记录，启动加载后不再变化。
type ExchangeConfig struct {
	ID               string          `mapstructure:"id"`
	Name             string          `mapstructure:"name"`
	Type             string          `mapstructure:"type"` // crypto | stock
	BaseCurrency     string          `mapstructure:"base_currency"`
	Symbols          []string        `mapstructure:"symbols"`
	Features         FeaturesConfig  `mapstructure:"features"`
	CredentialFields []string        `mapstructure:"api_requirements"`
	SandboxAvailable bool            `mapstructure:"sandbox_available"`
	RateLimit        RateLimitConfig `mapstructure:"rate_limits"`
	RequestTimeout   time.Duration   `mapstructure:"request_timeout"`
	Retry            RetryConfig     `mapstructure:"retry"`
}

// FeaturesConfig 标记交易所支持的交易品类。
type FeaturesConfig struct {
	Spot    bool `mapstructure:"spot"`
	Futures bool `mapstructure:"futures"`
	Options bool `mapstructure:"options"`
}

// RateLimitConfig 描述交易所的请求预算。
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// CredentialConfig 控制凭证存储。主密码仅用于本地派生加密密钥，绝不外传。
type CredentialConfig struct {
	MasterPassword string `mapstructure:"master_password"`
}

// RouterConfig 控制行情路由的缓存与评分行为。
type RouterConfig struct {
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	OrderBookDepth int           `mapstructure:"order_book_depth"`
	DecayFactor    float64       `mapstructure:"decay_factor"`
	RecoveryStep   float64       `mapstructure:"recovery_step"`
}

// ConverterConfig 控制汇率换算。
type ConverterConfig struct {
	RateTTL     time.Duration      `mapstructure:"rate_ttl"`
	StaticRates map[string]float64 `mapstructure:"static_rates"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.App.StatusInterval <= 0 {
		err = multierr.Append(err, errors.New("app.status_interval 必须大于0"))
	}
	if len(c.Exchanges) == 0 {
		err = multierr.Append(err, errors.New("exchanges 至少配置一个交易所"))
	}

	seen := make(map[string]struct{}, len(c.Exchanges))
	for i, ex := range c.Exchanges {
		if ex.ID == "" {
			err = multierr.Append(err, fmt.Errorf("exchanges[%d].id 不能为空", i))
			continue
		}
		if _, dup := seen[ex.ID]; dup {
			err = multierr.Append(err, fmt.Errorf("exchanges[%d].id %q 重复", i, ex.ID))
		}
		seen[ex.ID] = struct{}{}

		if ex.Type != "crypto" && ex.Type != "stock" {
			err = multierr.Append(err, fmt.Errorf("exchanges[%s].type 必须为 crypto 或 stock", ex.ID))
		}
		if ex.BaseCurrency == "" {
			err = multierr.Append(err, fmt.Errorf("exchanges[%s].base_currency 不能为空", ex.ID))
		}
		if ex.RateLimit.RequestsPerMinute <= 0 {
			err = multierr.Append(err, fmt.Errorf("exchanges[%s].rate_limits.requests_per_minute 必须大于0", ex.ID))
		}
		if ex.RateLimit.Burst <= 0 {
			err = multierr.Append(err, fmt.Errorf("exchanges[%s].rate_limits.burst 必须大于0", ex.ID))
		}
		if ex.RequestTimeout <= 0 {
			err = multierr.Append(err, fmt.Errorf("exchanges[%s].request_timeout 必须大于0", ex.ID))
		}
		if ex.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, fmt.Errorf("exchanges[%s].retry.max_attempts 必须大于0", ex.ID))
		}
		if ex.Retry.MinDelay <= 0 || ex.Retry.MaxDelay <= 0 {
			err = multierr.Append(err, fmt.Errorf("exchanges[%s].retry.delay 必须为正", ex.ID))
		}
		if ex.Retry.MinDelay > ex.Retry.MaxDelay {
			err = multierr.Append(err, fmt.Errorf("exchanges[%s].retry.min_delay 不能大于 max_delay", ex.ID))
		}
	}

	if c.App.DefaultExchange != "" {
		if _, ok := seen[c.App.DefaultExchange]; !ok {
			err = multierr.Append(err, fmt.Errorf("app.default_exchange %q 不在交易所目录中", c.App.DefaultExchange))
		}
	}

	if c.Credential.MasterPassword == "" {
		err = multierr.Append(err, errors.New("credential.master_password 不能为空"))
	}
	if c.Router.CacheTTL <= 0 {
		err = multierr.Append(err, errors.New("router.cache_ttl 必须大于0"))
	}
	if c.Router.FetchTimeout <= 0 {
		err = multierr.Append(err, errors.New("router.fetch_timeout 必须大于0"))
	}
	if c.Router.OrderBookDepth <= 0 {
		err = multierr.Append(err, errors.New("router.order_book_depth 必须大于0"))
	}
	if c.Router.DecayFactor <= 0 || c.Router.DecayFactor >= 1 {
		err = multierr.Append(err, errors.New("router.decay_factor 必须位于(0,1)"))
	}
	if c.Router.RecoveryStep <= 0 || c.Router.RecoveryStep > 1 {
		err = multierr.Append(err, errors.New("router.recovery_step 必须位于(0,1]"))
	}
	if c.Converter.RateTTL <= 0 {
		err = multierr.Append(err, errors.New("converter.rate_ttl 必须大于0"))
	}
	for pair, rate := range c.Converter.StaticRates {
		if rate <= 0 {
			err = multierr.Append(err, fmt.Errorf("converter.static_rates[%s] 必须为正", pair))
		}
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
