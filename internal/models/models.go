package models

// Config 结构体定义了单个机器人实例的完整配置文档。
// Params 部分参与哈希与版本管理，其余部分（交易所、日志、存储）不参与。
type Config struct {
	Params `mapstructure:",squash"`

	Market      string         `json:"market,omitempty" mapstructure:"market"`           // 永续合约配置使用 market 字段代替 pair
	Description string         `json:"description,omitempty" mapstructure:"description"` // 参数集描述，写入 parameter_sets
	Exchange    ExchangeConfig `json:"exchange" mapstructure:"exchange"`
	LogConfig   LogConfig      `json:"log" mapstructure:"log"`
	Storage     StorageConfig  `json:"storage" mapstructure:"storage"`
}

// Params 是参与 config_hash 计算的全部策略参数
type Params struct {
	Pair         string             `json:"pair" mapstructure:"pair"`         // 交易对，如 "BTCUSDT"
	Strategy     StrategyKind       `json:"strategy" mapstructure:"strategy"` // perp / spot / grid
	Trading      TradingParams      `json:"trading" mapstructure:"trading"`
	Position     PositionParams     `json:"position" mapstructure:"position"`
	Inventory    InventoryParams    `json:"inventory" mapstructure:"inventory"`
	Funding      FundingParams      `json:"funding" mapstructure:"funding"`
	ProfitTaking ProfitTakingParams `json:"profit_taking" mapstructure:"profit_taking"`
	Oracle       OracleParams       `json:"oracle" mapstructure:"oracle"`
	Grid         GridParams         `json:"grid" mapstructure:"grid"`
	Timing       TimingParams       `json:"timing" mapstructure:"timing"`
	Safety       SafetyParams       `json:"safety" mapstructure:"safety"`
}

// TradingParams 定义报价尺寸与价差
type TradingParams struct {
	BaseOrderSize float64 `json:"base_order_size" mapstructure:"base_order_size"` // 永续为USD金额，现货为基础资产数量
	MinOrderSize  float64 `json:"min_order_size" mapstructure:"min_order_size"`   // 低于该数量不下单
	SizeIncrement float64 `json:"size_increment" mapstructure:"size_increment"`   // 数量步长
	BaseSpreadBps float64 `json:"base_spread_bps" mapstructure:"base_spread_bps"` // 基础价差 (bps)
	MinSpreadBps  float64 `json:"min_spread_bps" mapstructure:"min_spread_bps"`   // 价差下限 (bps)
	MaxSpreadBps  float64 `json:"max_spread_bps" mapstructure:"max_spread_bps"`   // 价差上限 (bps)
}

// PositionParams 定义目标仓位与上限
type PositionParams struct {
	TargetPosition    float64 `json:"target_position" mapstructure:"target_position"`         // 现货目标库存（基础资产）
	MaxPositionSize   float64 `json:"max_position_size" mapstructure:"max_position_size"`     // 现货最大库存（基础资产）
	TargetPositionUSD float64 `json:"target_position_usd" mapstructure:"target_position_usd"` // 永续目标仓位 (USD)
	MaxPositionUSD    float64 `json:"max_position_usd" mapstructure:"max_position_usd"`       // 永续/网格最大仓位 (USD)
	Leverage          float64 `json:"leverage" mapstructure:"leverage"`                       // 杠杆倍数
}

// InventoryParams 定义库存偏斜
type InventoryParams struct {
	SkewThreshold    float64 `json:"inventory_skew_threshold" mapstructure:"inventory_skew_threshold"`         // 现货：偏离目标超过该数量才偏斜
	SkewBpsPerUnit   float64 `json:"inventory_skew_bps_per_unit" mapstructure:"inventory_skew_bps_per_unit"`   // 现货：每单位超额偏斜的bps
	SkewThresholdUSD float64 `json:"inventory_skew_threshold_usd" mapstructure:"inventory_skew_threshold_usd"` // 永续：偏离目标超过该金额才偏斜
	SkewBpsPer1k     float64 `json:"inventory_skew_bps_per_1k" mapstructure:"inventory_skew_bps_per_1k"`       // 永续：每1000 USD超额偏斜的bps
	MaxSkewBps       float64 `json:"max_skew_bps" mapstructure:"max_skew_bps"`                                 // 偏斜上限 (bps)
}

// FundingParams 定义资金费率限制
type FundingParams struct {
	MaxFundingRatePct8h   float64 `json:"max_funding_rate_pct_8h" mapstructure:"max_funding_rate_pct_8h"`
	FundingSkewMultiplier float64 `json:"funding_skew_multiplier" mapstructure:"funding_skew_multiplier"`
}

// ProfitTakingParams 定义浮盈止盈时的单边收窄
type ProfitTakingParams struct {
	ThresholdUSD  float64 `json:"threshold_usd" mapstructure:"threshold_usd"`
	AggressionBps float64 `json:"aggression_bps" mapstructure:"aggression_bps"`
}

// OracleParams 定义现货策略的预言机（永续中间价）校验
type OracleParams struct {
	Symbol                        string  `json:"symbol" mapstructure:"symbol"` // 作为预言机的永续合约
	MaxOracleAgeSeconds           float64 `json:"max_oracle_age_seconds" mapstructure:"max_oracle_age_seconds"`
	MaxOracleJumpPct              float64 `json:"max_oracle_jump_pct" mapstructure:"max_oracle_jump_pct"`
	MaxOracleSpreadBps            float64 `json:"max_oracle_spread_bps" mapstructure:"max_oracle_spread_bps"`
	EmergencySellIfBelowOraclePct float64 `json:"emergency_sell_if_below_oracle_pct" mapstructure:"emergency_sell_if_below_oracle_pct"`
	MaxSpotPerpDeviationPct       float64 `json:"max_spot_perp_deviation_pct" mapstructure:"max_spot_perp_deviation_pct"`
}

// GridParams 定义网格
type GridParams struct {
	SpacingPct            float64  `json:"spacing_pct" mapstructure:"spacing_pct"`                         // 网格间距 (%)
	NumLevelsEachSide     int      `json:"num_levels_each_side" mapstructure:"num_levels_each_side"`       // 每侧档位数
	OrderSizeUSD          float64  `json:"order_size_usd" mapstructure:"order_size_usd"`                   // 每档下单金额 (USD)
	RebalanceThresholdPct float64  `json:"rebalance_threshold_pct" mapstructure:"rebalance_threshold_pct"` // 偏离中心超过该比例时重建网格
	Bias                  GridBias `json:"bias" mapstructure:"bias"`                                       // neutral / long / short
}

// TimingParams 定义节奏
type TimingParams struct {
	UpdateIntervalSeconds float64 `json:"update_interval_seconds" mapstructure:"update_interval_seconds"` // 定时重新报价间隔
	UpdateThresholdBps    float64 `json:"update_threshold_bps" mapstructure:"update_threshold_bps"`       // 智能订单管理的改价阈值
	SyncIntervalSeconds   float64 `json:"sync_interval_seconds" mapstructure:"sync_interval_seconds"`     // 与交易所挂单同步间隔
	HealthCheckSeconds    float64 `json:"health_check_seconds" mapstructure:"health_check_seconds"`       // 状态表打印间隔
}

// SafetyParams 定义风控阈值
type SafetyParams struct {
	SmartOrderMgmtEnabled    bool    `json:"smart_order_mgmt_enabled" mapstructure:"smart_order_mgmt_enabled"`
	MinAskBufferBps          float64 `json:"min_ask_buffer_bps" mapstructure:"min_ask_buffer_bps"`           // 现货卖单距买一的最小缓冲
	EmergencyStopLossPct     float64 `json:"emergency_stop_loss_pct" mapstructure:"emergency_stop_loss_pct"` // 浮亏占账户比例触发停机
	MinMarginRatioPct        float64 `json:"min_margin_ratio_pct" mapstructure:"min_margin_ratio_pct"`
	MaxAccountDrawdownPct    float64 `json:"max_account_drawdown_pct" mapstructure:"max_account_drawdown_pct"`
	ClosePositionOnEmergency bool    `json:"close_position_on_emergency" mapstructure:"close_position_on_emergency"`
	PauseOnHighVolatility    bool    `json:"pause_on_high_volatility" mapstructure:"pause_on_high_volatility"`
	VolatilityThresholdPct   float64 `json:"volatility_threshold_pct" mapstructure:"volatility_threshold_pct"` // 10分钟振幅超过该值暂停
	VolatilityResumePct      float64 `json:"volatility_resume_pct" mapstructure:"volatility_resume_pct"`       // 15分钟振幅低于该值恢复
	MaxOpenOrders            int     `json:"max_open_orders" mapstructure:"max_open_orders"`
}

// ExchangeConfig 定义交易所连接参数，不参与哈希
type ExchangeConfig struct {
	Venue              string  `json:"venue" mapstructure:"venue"` // binance-futures / binance-spot / paper
	Testnet            bool    `json:"testnet" mapstructure:"testnet"`
	PriceDecimals      int     `json:"price_decimals" mapstructure:"price_decimals"`
	SizeDecimals       int     `json:"size_decimals" mapstructure:"size_decimals"`
	RateLimitPerSecond float64 `json:"rate_limit_per_second" mapstructure:"rate_limit_per_second"` // 下单/撤单调用预算
	MaxRetries         int     `json:"max_retries" mapstructure:"max_retries"`                     // 瞬时错误的重试次数
	RetryInitialDelay  int     `json:"retry_initial_delay_ms" mapstructure:"retry_initial_delay_ms"`

	// paper 模式的模拟账户
	PaperQuoteBalance float64 `json:"paper_quote_balance" mapstructure:"paper_quote_balance"`
	PaperBaseBalance  float64 `json:"paper_base_balance" mapstructure:"paper_base_balance"`
	MakerFeeRate      float64 `json:"maker_fee_rate" mapstructure:"maker_fee_rate"`
	TakerFeeRate      float64 `json:"taker_fee_rate" mapstructure:"taker_fee_rate"`
}

// StorageConfig 定义持久化位置
type StorageConfig struct {
	DBPath    string `json:"db_path" mapstructure:"db_path"`       // SQLite 数据库文件
	StatePath string `json:"state_path" mapstructure:"state_path"` // BadgerDB 目录
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" mapstructure:"output"`           // 输出模式: "console", "file", "both"
	Format     string `json:"format" mapstructure:"format"`           // 文件格式: "console" 或 "json"
	File       string `json:"file" mapstructure:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" mapstructure:"compress"`       // 是否压缩旧日志文件
}
