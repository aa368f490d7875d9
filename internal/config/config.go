package config

import (
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"math"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoadConfig 从指定路径加载JSON配置文件，填充默认值并校验。
// 任何格式或字段问题都返回 *models.ConfigError，调用方应当以非零状态退出。
func LoadConfig(path string) (*models.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("json")

	// 环境变量覆盖，例如 LOBSTER_TRADING_BASE_SPREAD_BPS
	v.SetEnvPrefix("LOBSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, &models.ConfigError{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}

	cfg := &models.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &models.ConfigError{Reason: fmt.Sprintf("decode %s: %v", path, err)}
	}

	normalize(v, cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("position.leverage", 1)

	v.SetDefault("inventory.max_skew_bps", 500)

	v.SetDefault("funding.max_funding_rate_pct_8h", 0.5)
	v.SetDefault("funding.funding_skew_multiplier", 100)

	v.SetDefault("profit_taking.threshold_usd", 10)
	v.SetDefault("profit_taking.aggression_bps", 15)

	v.SetDefault("oracle.max_oracle_age_seconds", 30)
	v.SetDefault("oracle.max_oracle_jump_pct", 5)
	v.SetDefault("oracle.max_oracle_spread_bps", 100)
	v.SetDefault("oracle.max_spot_perp_deviation_pct", 5)

	v.SetDefault("grid.rebalance_threshold_pct", 3)
	v.SetDefault("grid.bias", string(models.BiasNeutral))

	v.SetDefault("timing.update_interval_seconds", 10)
	v.SetDefault("timing.update_threshold_bps", 3)
	v.SetDefault("timing.sync_interval_seconds", 30)
	v.SetDefault("timing.health_check_seconds", 60)

	v.SetDefault("safety.smart_order_mgmt_enabled", true)
	v.SetDefault("safety.min_margin_ratio_pct", 10)
	v.SetDefault("safety.max_account_drawdown_pct", 20)
	v.SetDefault("safety.close_position_on_emergency", true)
	v.SetDefault("safety.pause_on_high_volatility", true)
	v.SetDefault("safety.volatility_threshold_pct", 5)
	v.SetDefault("safety.volatility_resume_pct", 2)
	v.SetDefault("safety.max_open_orders", 20)

	v.SetDefault("exchange.venue", "paper")
	v.SetDefault("exchange.price_decimals", 2)
	v.SetDefault("exchange.size_decimals", 4)
	v.SetDefault("exchange.rate_limit_per_second", 5)
	v.SetDefault("exchange.max_retries", 3)
	v.SetDefault("exchange.retry_initial_delay_ms", 200)
	v.SetDefault("exchange.maker_fee_rate", 0.0002)
	v.SetDefault("exchange.taker_fee_rate", 0.0005)
	v.SetDefault("exchange.paper_quote_balance", 10000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)

	v.SetDefault("storage.db_path", "data/trading.db")
	v.SetDefault("storage.state_path", "data/state")
}

// normalize 统一交易对字段并推断策略类型
func normalize(v *viper.Viper, cfg *models.Config) {
	if cfg.Pair == "" {
		cfg.Pair = cfg.Market
	}
	cfg.Pair = strings.ToUpper(strings.TrimSpace(cfg.Pair))
	cfg.Strategy = models.StrategyKind(strings.ToLower(string(cfg.Strategy)))
	cfg.Grid.Bias = models.GridBias(strings.ToLower(string(cfg.Grid.Bias)))

	if cfg.Strategy == "" {
		switch {
		case v.InConfig("grid"):
			cfg.Strategy = models.StrategyGrid
		case v.InConfig("pair"):
			cfg.Strategy = models.StrategySpot
		case v.InConfig("market"):
			cfg.Strategy = models.StrategyPerp
		}
	}

	// 回撤与止损阈值允许以负数书写
	cfg.Safety.MaxAccountDrawdownPct = math.Abs(cfg.Safety.MaxAccountDrawdownPct)
	cfg.Safety.EmergencyStopLossPct = math.Abs(cfg.Safety.EmergencyStopLossPct)
}

// Validate 校验配置的完整性与一致性
func Validate(cfg *models.Config) error {
	if cfg.Pair == "" {
		return &models.ConfigError{Field: "pair", Reason: "config must have either 'pair' (spot) or 'market' (perp)"}
	}

	t := cfg.Trading
	switch cfg.Strategy {
	case models.StrategyPerp, models.StrategySpot:
		if t.BaseOrderSize <= 0 {
			return &models.ConfigError{Field: "trading.base_order_size", Reason: fmt.Sprintf("must be positive, got %v", t.BaseOrderSize)}
		}
		if t.MinSpreadBps <= 0 || t.MaxSpreadBps <= 0 {
			return &models.ConfigError{Field: "trading.min_spread_bps", Reason: "spread bounds must be positive"}
		}
		if t.MinSpreadBps > t.MaxSpreadBps {
			return &models.ConfigError{Field: "trading.min_spread_bps", Reason: fmt.Sprintf("min_spread_bps (%v) exceeds max_spread_bps (%v)", t.MinSpreadBps, t.MaxSpreadBps)}
		}
		if t.BaseSpreadBps < t.MinSpreadBps {
			return &models.ConfigError{Field: "trading.base_spread_bps", Reason: fmt.Sprintf("base_spread_bps (%v) cannot be less than min_spread_bps (%v)", t.BaseSpreadBps, t.MinSpreadBps)}
		}
		if t.BaseSpreadBps > t.MaxSpreadBps {
			return &models.ConfigError{Field: "trading.base_spread_bps", Reason: fmt.Sprintf("base_spread_bps (%v) cannot be greater than max_spread_bps (%v)", t.BaseSpreadBps, t.MaxSpreadBps)}
		}
	case models.StrategyGrid:
		g := cfg.Grid
		if g.SpacingPct <= 0 {
			return &models.ConfigError{Field: "grid.spacing_pct", Reason: "must be positive"}
		}
		if g.NumLevelsEachSide < 1 {
			return &models.ConfigError{Field: "grid.num_levels_each_side", Reason: "must be at least 1"}
		}
		if g.OrderSizeUSD <= 0 {
			return &models.ConfigError{Field: "grid.order_size_usd", Reason: "must be positive"}
		}
		switch g.Bias {
		case models.BiasNeutral, models.BiasLong, models.BiasShort:
		default:
			return &models.ConfigError{Field: "grid.bias", Reason: fmt.Sprintf("unknown bias %q", g.Bias)}
		}
	default:
		return &models.ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", cfg.Strategy)}
	}

	p := cfg.Position
	switch cfg.Strategy {
	case models.StrategySpot:
		if p.MaxPositionSize > 0 && math.Abs(p.TargetPosition) > p.MaxPositionSize {
			return &models.ConfigError{Field: "position.target_position", Reason: fmt.Sprintf("target_position (%v) cannot exceed max_position_size (%v)", p.TargetPosition, p.MaxPositionSize)}
		}
		if cfg.Oracle.MaxOracleAgeSeconds <= 0 {
			return &models.ConfigError{Field: "oracle.max_oracle_age_seconds", Reason: "must be positive"}
		}
	case models.StrategyPerp:
		if p.MaxPositionUSD <= 0 {
			return &models.ConfigError{Field: "position.max_position_usd", Reason: "must be positive"}
		}
		if math.Abs(p.TargetPositionUSD) > p.MaxPositionUSD {
			return &models.ConfigError{Field: "position.target_position_usd", Reason: fmt.Sprintf("target_position_usd (%v) cannot exceed max_position_usd (%v)", p.TargetPositionUSD, p.MaxPositionUSD)}
		}
	}
	if p.Leverage <= 0 {
		return &models.ConfigError{Field: "position.leverage", Reason: "must be positive"}
	}

	if cfg.Timing.UpdateIntervalSeconds <= 0 {
		return &models.ConfigError{Field: "timing.update_interval_seconds", Reason: "must be positive"}
	}
	if cfg.Timing.UpdateThresholdBps < 0 {
		return &models.ConfigError{Field: "timing.update_threshold_bps", Reason: "cannot be negative"}
	}
	if cfg.Safety.MaxOpenOrders < 0 {
		return &models.ConfigError{Field: "safety.max_open_orders", Reason: "cannot be negative"}
	}
	return nil
}

// Credentials 是交易所 API 密钥，不参与参数哈希
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Complete reports whether both halves of the key pair are present.
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.SecretKey != ""
}

// LoadCredentials 优先从 .env 文件加载，找不到时读取系统环境变量。
// 第二个返回值表示是否成功读取了 .env 文件。
func LoadCredentials(envFiles ...string) (Credentials, bool) {
	loaded := godotenv.Load(envFiles...) == nil
	return Credentials{
		APIKey:    os.Getenv("BINANCE_API_KEY"),
		SecretKey: os.Getenv("BINANCE_SECRET_KEY"),
	}, loaded
}
