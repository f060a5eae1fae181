package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// PositionSide 表示仓位方向。
type PositionSide string

const (
	SideLong  PositionSide = "Long"
	SideShort PositionSide = "Short"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App         AppConfig        `mapstructure:"app"`
	Exchange    ExchangeConfig   `mapstructure:"exchange"`
	Strategy    StrategyConfig   `mapstructure:"strategy"`
	Volatility  VolatilityConfig `mapstructure:"volatility"`
	Telegram    TelegramConfig   `mapstructure:"telegram"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	Instruments []Instrument     `mapstructure:"-"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	// StartupAlert 为 true 时启动后推送一条 Started 通知（BOT_STARTUP）。
	StartupAlert bool `mapstructure:"startup_alert"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Testnet   bool   `mapstructure:"testnet"`
	BaseURL   string `mapstructure:"base_url"`
	// Symbols 为原始的 SYMBOL:SIDE:AUTO 三元组列表（SYMBOL 环境变量）。
	Symbols     string        `mapstructure:"symbols"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	// RatePerSecond 与 Burst 对应交易所公布的限频上限。
	RatePerSecond float64     `mapstructure:"rate_per_second"`
	Burst         int         `mapstructure:"burst"`
	Retry         RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// StrategyConfig 为全部交易对共享的马丁格尔策略参数。
type StrategyConfig struct {
	Leverage          int     `mapstructure:"leverage"`
	EMAIntervalMin    int     `mapstructure:"ema_interval"`
	ProfitPnlTarget   float64 `mapstructure:"profit_pnl_target"`
	ProfitBalancePct  float64 `mapstructure:"profit_balance_threshold"`
	PositionCeiling   float64 `mapstructure:"position_ceiling_pct"`
	InitialEntryPct   float64 `mapstructure:"initial_entry_pct"`
	AddTriggerDropPct float64 `mapstructure:"add_trigger_drop_pct"`
	// MaxMarginPct 为可选的保证金占用硬顶，0 表示未设置。
	MaxMarginPct float64 `mapstructure:"max_margin_pct"`
}

// VolatilityConfig 控制波动率判定阈值，默认值属于对外契约。
type VolatilityConfig struct {
	ATRRatioThreshold float64 `mapstructure:"atr_ratio_threshold"`
	BBWidthThreshold  float64 `mapstructure:"bb_width_threshold"`
	HistVolThreshold  float64 `mapstructure:"hist_vol_threshold"`
}

// TelegramConfig 描述通知渠道。
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// RunMode 描述进程调度形态。
type RunMode string

const (
	RunOnce     RunMode = "once"
	RunInterval RunMode = "interval"
	RunCron     RunMode = "cron"
)

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	Mode         RunMode       `mapstructure:"mode"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	CronSpec     string        `mapstructure:"cron_spec"`
	// SafetyMargin 从 tick 间隔中扣除，得到单个 tick 的总体截止时间。
	SafetyMargin time.Duration `mapstructure:"safety_margin"`
}

// DatabaseConfig 管理可选的 SQLite 结果记录。
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
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

// Instrument 为单个交易对在一次 tick 内不可变的完整参数。
type Instrument struct {
	Symbol         string
	Side           PositionSide
	AutomaticMode  bool
	Leverage       int
	EMAIntervalMin int

	ProfitPnlTarget   float64
	ProfitBalancePct  float64
	PositionCeiling   float64
	InitialEntryPct   float64
	AddTriggerDropPct float64
	MaxMarginPct      float64
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.Exchange.APIKey == "" {
		err = multierr.Append(err, errors.New("exchange.api_key (API_KEY) 不能为空"))
	}
	if c.Exchange.APISecret == "" {
		err = multierr.Append(err, errors.New("exchange.api_secret (API_SECRET) 不能为空"))
	}
	if len(c.Instruments) == 0 {
		err = multierr.Append(err, errors.New("exchange.symbols (SYMBOL) 至少包含一个交易对"))
	}
	if c.Exchange.HTTPTimeout <= 0 {
		err = multierr.Append(err, errors.New("exchange.http_timeout 必须大于0"))
	}
	if c.Exchange.RatePerSecond <= 0 {
		err = multierr.Append(err, errors.New("exchange.rate_per_second 必须大于0"))
	}
	if c.Exchange.Burst <= 0 {
		err = multierr.Append(err, errors.New("exchange.burst 必须大于0"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.BaseDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.BaseDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.base_delay 不能大于 max_delay"))
	}
	if c.Strategy.Leverage <= 0 {
		err = multierr.Append(err, errors.New("strategy.leverage 必须大于0"))
	}
	if c.Strategy.EMAIntervalMin <= 0 {
		err = multierr.Append(err, errors.New("strategy.ema_interval 必须大于0"))
	}
	if c.Strategy.InitialEntryPct <= 0 || c.Strategy.InitialEntryPct > 1 {
		err = multierr.Append(err, errors.New("strategy.initial_entry_pct 必须位于(0,1]"))
	}
	if c.Strategy.PositionCeiling <= 0 || c.Strategy.PositionCeiling > 1 {
		err = multierr.Append(err, errors.New("strategy.position_ceiling_pct 必须位于(0,1]"))
	}
	if c.Strategy.AddTriggerDropPct <= 0 || c.Strategy.AddTriggerDropPct > 1 {
		err = multierr.Append(err, errors.New("strategy.add_trigger_drop_pct 必须位于(0,1]"))
	}
	if c.Strategy.ProfitPnlTarget <= 0 {
		err = multierr.Append(err, errors.New("strategy.profit_pnl_target 必须大于0"))
	}
	if c.Strategy.ProfitBalancePct <= 0 {
		err = multierr.Append(err, errors.New("strategy.profit_balance_threshold 必须大于0"))
	}
	if c.Strategy.MaxMarginPct < 0 || c.Strategy.MaxMarginPct > 1 {
		err = multierr.Append(err, errors.New("strategy.max_margin_pct 必须位于[0,1]"))
	}
	if c.Volatility.ATRRatioThreshold <= 0 {
		err = multierr.Append(err, errors.New("volatility.atr_ratio_threshold 必须大于0"))
	}
	if c.Volatility.BBWidthThreshold <= 0 {
		err = multierr.Append(err, errors.New("volatility.bb_width_threshold 必须大于0"))
	}
	if c.Volatility.HistVolThreshold <= 0 {
		err = multierr.Append(err, errors.New("volatility.hist_vol_threshold 必须大于0"))
	}
	switch c.Scheduler.Mode {
	case RunOnce:
	case RunInterval:
		if c.Scheduler.TickInterval <= 0 {
			err = multierr.Append(err, errors.New("scheduler.tick_interval 必须大于0"))
		}
	case RunCron:
		if strings.TrimSpace(c.Scheduler.CronSpec) == "" {
			err = multierr.Append(err, errors.New("scheduler.cron_spec 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("scheduler.mode 不支持: %q", c.Scheduler.Mode))
	}
	if c.Scheduler.SafetyMargin < 0 {
		err = multierr.Append(err, errors.New("scheduler.safety_margin 不能为负"))
	}
	if c.Database.Enabled {
		if c.Database.Path == "" && !c.Database.InMemory {
			err = multierr.Append(err, errors.New("database.path 不能为空"))
		}
		if c.Database.MaxOpenConns <= 0 {
			err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
		}
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// buildInstruments 将策略默认值套用到每个 SYMBOL 三元组上。
func (c *Config) buildInstruments() error {
	instruments, err := ParseSymbols(c.Exchange.Symbols, c.Strategy)
	if err != nil {
		return err
	}
	c.Instruments = instruments
	return nil
}
