// Package config defines all configuration for the latency-arb engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	NegRisk   bool            `mapstructure:"neg_risk"` // true if all configured markets belong to a neg-risk (multi-outcome) category
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Assets    []AssetConfig   `mapstructure:"assets"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds CLOB venue endpoints and optional pre-derived L2
// credentials, plus the spot feed this asset's market is priced against.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	SpotRESTURL  string `mapstructure:"spot_rest_url"`
	SpotWSURL    string `mapstructure:"spot_ws_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// AssetConfig names one underlying spot symbol to trade windows against,
// and a seed for its volatility EMA before enough same-session data has
// accumulated.
type AssetConfig struct {
	Symbol       string  `mapstructure:"symbol"` // e.g. "BTCUSDT"
	WindowLabel  string  `mapstructure:"window"` // e.g. "5m", "15m"
	DailyVolSeed float64 `mapstructure:"daily_vol_seed"`
}

// StrategyConfig tunes signal generation for each per-market Strategy
// instance.
//
//   - WindowDuration: contract window length (endDate - windowStart).
//   - VolEmaAlpha/SpotEmaAlpha/EdgeEmaAlpha: smoothing factors in (0,1].
//   - LatencyArbThresholdBps: edge threshold for windows > 90s to expiry,
//     expressed in basis points of probability (500 = 5%).
//   - CertaintyThreshold: edge threshold for the final 90s before expiry.
//   - CertaintyMaxFraction: bankroll fraction cap for certainty-arb sizing
//     (half the normal MaxBetFraction by convention).
//   - CertaintyExpiryBuffer: how long before marketEndDate a certainty
//     signal's expiresAt is set.
//   - MaxBetFraction: bankroll fraction cap for latency-arb sizing.
//   - KellyMultiplier: fractional-Kelly multiplier (0.5 = half-Kelly).
type StrategyConfig struct {
	WindowDuration         time.Duration `mapstructure:"window_duration"`
	VolEmaAlpha            float64       `mapstructure:"vol_ema_alpha"`
	SpotEmaAlpha           float64       `mapstructure:"spot_ema_alpha"`
	EdgeEmaAlpha           float64       `mapstructure:"edge_ema_alpha"`
	LatencyArbThresholdBps int           `mapstructure:"latency_arb_threshold_bps"`
	CertaintyThreshold     float64       `mapstructure:"certainty_threshold"`
	CertaintyMaxFraction   float64       `mapstructure:"certainty_max_fraction"`
	CertaintyExpiryBuffer  time.Duration `mapstructure:"certainty_expiry_buffer"`
	MaxBetFraction         float64       `mapstructure:"max_bet_fraction"`
	KellyMultiplier        float64       `mapstructure:"kelly_multiplier"`
}

// ThresholdForWindow returns the latency-arb edge threshold for a given
// contract window length. Shorter windows need a higher edge bar because
// there's less time for the arb to play out before expiry risk dominates.
func (c StrategyConfig) ThresholdForWindow(window time.Duration) float64 {
	base := float64(c.LatencyArbThresholdBps) / 1e4
	if window <= 5*time.Minute {
		return base
	}
	// 15-minute-and-longer windows tolerate a smaller edge.
	return base * 0.6
}

// RiskConfig sets the portfolio-level limits canTrade enforces.
//
//   - CooldownMs: minimum time between consecutive allowed trades.
//   - DailyLossLimit: USD; dailyPnl at or below -this trips check (c).
//   - MaxDrawdownPct: (peak-bankroll)/peak above this kills the process.
//   - MaxOpenPositions: hard cap on concurrently open positions.
//   - SlippageBps/FeeBps: per-trade cost assumptions folded into both the
//     edge-vs-cost floor and the position-sizing deduction.
//   - MinMarginEdge: additional required margin above slippage+fee.
//   - MaxPositionUsd: hard per-trade USD cap, applied after the
//     MaxBetFraction-of-bankroll cap.
type RiskConfig struct {
	CooldownMs       int64   `mapstructure:"cooldown_ms"`
	DailyLossLimit   float64 `mapstructure:"daily_loss_limit"`
	MaxDrawdownPct   float64 `mapstructure:"max_drawdown_pct"`
	MaxOpenPositions int     `mapstructure:"max_open_positions"`
	SlippageBps      int     `mapstructure:"slippage_bps"`
	FeeBps           int     `mapstructure:"fee_bps"`
	MinMarginEdge    float64 `mapstructure:"min_margin_edge"`
	MaxPositionUsd   float64 `mapstructure:"max_position_usd"`
	StartingBankroll float64 `mapstructure:"starting_bankroll"`
	ProfitTargetPct  float64 `mapstructure:"profit_target_pct"`
	StopLossPct      float64 `mapstructure:"stop_loss_pct"`
}

// DiscoveryConfig controls how the engine discovers upcoming contract
// windows per asset via the Gamma-style market-listing API.
type DiscoveryConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	RotationLeadTime time.Duration `mapstructure:"rotation_lead_time"`
}

// StoreConfig sets where engine state is persisted (JSON + NDJSON).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_PRIVATE_KEY, ARB_API_KEY, ARB_API_SECRET, ARB_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("ARB_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("ARB_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("ARB_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("ARB_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("ARB_DRY_RUN") == "true" || os.Getenv("ARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, per the exit-code-
// worthy checks the engine must refuse to start without.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("wallet.private_key is required for live trading (set ARB_PRIVATE_KEY)")
		}
		if c.API.ApiKey == "" || c.API.Secret == "" {
			return fmt.Errorf("api.api_key/api.secret are required for live trading (set ARB_API_KEY / ARB_API_SECRET)")
		}
	}
	if c.Wallet.ChainID == 0 && !c.DryRun {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one entry in assets is required")
	}
	if c.Strategy.MaxBetFraction > 0.10 || c.Strategy.CertaintyMaxFraction > 0.10 {
		return fmt.Errorf("strategy.max_bet_fraction and certainty_max_fraction must not exceed 10%%")
	}
	costFloor := float64(c.Risk.SlippageBps)/1e4 + float64(c.Risk.FeeBps)/1e4
	if float64(c.Strategy.LatencyArbThresholdBps)/1e4 <= costFloor {
		return fmt.Errorf("strategy.latency_arb_threshold_bps must exceed slippage+fee cost floor")
	}
	if c.Risk.ProfitTargetPct <= 0 || c.Risk.ProfitTargetPct >= 1 {
		return fmt.Errorf("risk.profit_target_pct must be in (0,1)")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		return fmt.Errorf("risk.stop_loss_pct must be in (0,1)")
	}
	if c.Risk.StartingBankroll <= 0 {
		return fmt.Errorf("risk.starting_bankroll must be > 0")
	}
	return nil
}
