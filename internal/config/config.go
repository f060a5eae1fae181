package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "dcabot"
)

// envBindings 将历史沿用的环境变量名绑定到配置键上，名称保持兼容。
var envBindings = map[string]string{
	"exchange.api_key":      "API_KEY",
	"exchange.api_secret":   "API_SECRET",
	"exchange.symbols":      "SYMBOL",
	"exchange.testnet":      "TESTNET",
	"strategy.ema_interval": "EMA_INTERVAL",
	"app.startup_alert":     "BOT_STARTUP",
	"telegram.bot_token":    "TELEGRAM_BOT_TOKEN",
	"telegram.chat_id":      "TELEGRAM_CHAT_ID",
}

// Load 读取配置文件并结合环境变量返回 Config。配置文件缺失时仅依赖环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()

	explicit := path != ""
	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *fs.PathError
		missing := errors.As(err, &notFound) || errors.As(err, &pathErr)
		if !missing {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if explicit {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		// 默认路径缺失不算错误，配置可完全来自环境变量。
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.buildInstruments(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "production")
	v.SetDefault("app.startup_alert", false)

	v.SetDefault("exchange.testnet", false)
	v.SetDefault("exchange.base_url", "")
	v.SetDefault("exchange.http_timeout", "10s")
	v.SetDefault("exchange.rate_per_second", 10.0)
	v.SetDefault("exchange.burst", 10)
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.base_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("strategy.leverage", 6)
	v.SetDefault("strategy.ema_interval", 1)
	v.SetDefault("strategy.profit_pnl_target", 0.1)
	v.SetDefault("strategy.profit_balance_threshold", 0.003)
	v.SetDefault("strategy.position_ceiling_pct", 0.02)
	v.SetDefault("strategy.initial_entry_pct", 0.006)
	v.SetDefault("strategy.add_trigger_drop_pct", 0.04)
	v.SetDefault("strategy.max_margin_pct", 0.0)

	v.SetDefault("volatility.atr_ratio_threshold", 1.5)
	v.SetDefault("volatility.bb_width_threshold", 8.0)
	v.SetDefault("volatility.hist_vol_threshold", 5.0)

	v.SetDefault("scheduler.mode", "once")
	v.SetDefault("scheduler.tick_interval", "5m")
	v.SetDefault("scheduler.cron_spec", "")
	v.SetDefault("scheduler.safety_margin", "30s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.path", "data/dcabot.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
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

// ParseSymbols 解析 SYMBOL 环境变量：逗号分隔的 SYMBOL:SIDE:AUTO 三元组。
// AUTO 仅当小写后为 true/1/yes 时为真；SIDE 省略时默认 Long。
func ParseSymbols(raw string, defaults StrategyConfig) ([]Instrument, error) {
	entries := strings.Split(raw, ",")
	instruments := make([]Instrument, 0, len(entries))

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 3)
		symbol := strings.TrimSpace(parts[0])
		if symbol == "" {
			return nil, fmt.Errorf("SYMBOL 三元组缺少交易对: %q", entry)
		}

		side := SideLong
		if len(parts) > 1 {
			token := strings.TrimSpace(parts[1])
			switch strings.ToLower(token) {
			case "long":
				side = SideLong
			case "short":
				side = SideShort
			default:
				return nil, fmt.Errorf("SYMBOL 三元组方向无效 %q（应为 Long 或 Short）", token)
			}
		}

		auto := false
		if len(parts) > 2 {
			auto = parseAuto(parts[2])
		}

		instruments = append(instruments, Instrument{
			Symbol:            symbol,
			Side:              side,
			AutomaticMode:     auto,
			Leverage:          defaults.Leverage,
			EMAIntervalMin:    defaults.EMAIntervalMin,
			ProfitPnlTarget:   defaults.ProfitPnlTarget,
			ProfitBalancePct:  defaults.ProfitBalancePct,
			PositionCeiling:   defaults.PositionCeiling,
			InitialEntryPct:   defaults.InitialEntryPct,
			AddTriggerDropPct: defaults.AddTriggerDropPct,
			MaxMarginPct:      defaults.MaxMarginPct,
		})
	}

	return instruments, nil
}

func parseAuto(token string) bool {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
