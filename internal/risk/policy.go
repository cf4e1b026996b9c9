package risk

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// PolicyLoadError wraps any failure to load or validate the policy file.
type PolicyLoadError struct {
	Path string
	Err  error
}

func (e *PolicyLoadError) Error() string {
	return fmt.Sprintf("risk: load policy %s: %v", e.Path, e.Err)
}

func (e *PolicyLoadError) Unwrap() error { return e.Err }

// Policy is the declarative risk configuration loaded from risk_policy.yml.
type Policy struct {
	Limits       Limits
	Hours        TradingHours
	RulesEnabled map[string]bool
	// Advanced is nil when the advanced block is absent or disabled.
	Advanced *AdvancedLimits
}

type rawPolicy struct {
	Limits struct {
		MaxNotional          float64 `yaml:"max_notional"`
		MaxPositionPct       float64 `yaml:"max_position_pct"`
		MaxSectorExposurePct float64 `yaml:"max_sector_exposure_pct"`
		MaxSlippageBps       int     `yaml:"max_slippage_bps"`
		MinDailyVolume       int64   `yaml:"min_daily_volume"`
		MaxDailyTrades       int     `yaml:"max_daily_trades"`
		MaxDailyLoss         float64 `yaml:"max_daily_loss"`
	} `yaml:"limits"`
	TradingHours struct {
		AllowPreMarket  bool   `yaml:"allow_pre_market"`
		AllowAfterHours bool   `yaml:"allow_after_hours"`
		MarketOpenUTC   string `yaml:"market_open_utc"`
		MarketCloseUTC  string `yaml:"market_close_utc"`
	} `yaml:"trading_hours"`
	RulesEnabled map[string]bool `yaml:"rules_enabled"`
	Advanced     *struct {
		Enabled                  bool    `yaml:"enabled"`
		MaxPositionVolatility    float64 `yaml:"max_position_volatility"`
		VolatilityScalingEnabled bool    `yaml:"volatility_scaling_enabled"`
		MinPositionSize          float64 `yaml:"min_position_size"`
		MaxPositionSize          float64 `yaml:"max_position_size"`
		MaxCorrelatedExposure    float64 `yaml:"max_correlated_exposure_pct"`
		CorrelationThreshold     float64 `yaml:"correlation_threshold"`
		MaxDrawdownPct           float64 `yaml:"max_drawdown_pct"`
		EnableDrawdownHalt       bool    `yaml:"enable_drawdown_halt"`
		AvoidMarketOpenMinutes   int     `yaml:"avoid_market_open_minutes"`
		AvoidMarketCloseMinutes  int     `yaml:"avoid_market_close_minutes"`
		EnableTimeRestrictions   bool    `yaml:"enable_time_restrictions"`
	} `yaml:"advanced"`
}

// LoadPolicy reads and validates the policy file. Absent keys keep their
// defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &PolicyLoadError{Path: path, Err: err}
	}

	var raw rawPolicy
	// Prefill defaults so yaml only overrides what the file sets.
	dl := DefaultLimits()
	raw.Limits.MaxNotional, _ = dl.MaxNotional.Float64()
	raw.Limits.MaxPositionPct, _ = dl.MaxPositionPct.Float64()
	raw.Limits.MaxSectorExposurePct, _ = dl.MaxSectorExposurePct.Float64()
	raw.Limits.MaxSlippageBps = dl.MaxSlippageBps
	raw.Limits.MinDailyVolume = dl.MinDailyVolume
	raw.Limits.MaxDailyTrades = dl.MaxDailyTrades
	raw.Limits.MaxDailyLoss, _ = dl.MaxDailyLoss.Float64()
	dh := DefaultTradingHours()
	raw.TradingHours.MarketOpenUTC = dh.MarketOpenUTC
	raw.TradingHours.MarketCloseUTC = dh.MarketCloseUTC

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &PolicyLoadError{Path: path, Err: fmt.Errorf("invalid yaml: %w", err)}
	}

	p := &Policy{
		Limits: Limits{
			MaxNotional:          decimal.NewFromFloat(raw.Limits.MaxNotional),
			MaxPositionPct:       decimal.NewFromFloat(raw.Limits.MaxPositionPct),
			MaxSectorExposurePct: decimal.NewFromFloat(raw.Limits.MaxSectorExposurePct),
			MaxSlippageBps:       raw.Limits.MaxSlippageBps,
			MinDailyVolume:       raw.Limits.MinDailyVolume,
			MaxDailyTrades:       raw.Limits.MaxDailyTrades,
			MaxDailyLoss:         decimal.NewFromFloat(raw.Limits.MaxDailyLoss),
		},
		Hours: TradingHours{
			AllowPreMarket:  raw.TradingHours.AllowPreMarket,
			AllowAfterHours: raw.TradingHours.AllowAfterHours,
			MarketOpenUTC:   raw.TradingHours.MarketOpenUTC,
			MarketCloseUTC:  raw.TradingHours.MarketCloseUTC,
		},
		RulesEnabled: raw.RulesEnabled,
	}
	if p.RulesEnabled == nil {
		p.RulesEnabled = map[string]bool{}
	}

	if raw.Advanced != nil && raw.Advanced.Enabled {
		adv := DefaultAdvancedLimits()
		if raw.Advanced.MaxPositionVolatility > 0 {
			adv.MaxPositionVolatility = raw.Advanced.MaxPositionVolatility
		}
		adv.VolatilityScalingEnabled = raw.Advanced.VolatilityScalingEnabled
		if raw.Advanced.MinPositionSize > 0 {
			adv.MinPositionSize = decimal.NewFromFloat(raw.Advanced.MinPositionSize)
		}
		if raw.Advanced.MaxPositionSize > 0 {
			adv.MaxPositionSize = decimal.NewFromFloat(raw.Advanced.MaxPositionSize)
		}
		if raw.Advanced.MaxCorrelatedExposure > 0 {
			adv.MaxCorrelatedExposurePct = raw.Advanced.MaxCorrelatedExposure
		}
		if raw.Advanced.CorrelationThreshold > 0 {
			adv.CorrelationThreshold = raw.Advanced.CorrelationThreshold
		}
		if raw.Advanced.MaxDrawdownPct > 0 {
			adv.MaxDrawdownPct = raw.Advanced.MaxDrawdownPct
		}
		adv.EnableDrawdownHalt = raw.Advanced.EnableDrawdownHalt
		if raw.Advanced.AvoidMarketOpenMinutes > 0 {
			adv.AvoidMarketOpenMinutes = raw.Advanced.AvoidMarketOpenMinutes
		}
		if raw.Advanced.AvoidMarketCloseMinutes > 0 {
			adv.AvoidMarketCloseMinutes = raw.Advanced.AvoidMarketCloseMinutes
		}
		adv.EnableTimeRestrictions = raw.Advanced.EnableTimeRestrictions
		p.Advanced = &adv
	}

	if err := p.validate(); err != nil {
		return nil, &PolicyLoadError{Path: path, Err: err}
	}
	return p, nil
}

func (p *Policy) validate() error {
	if !p.Limits.MaxNotional.IsPositive() {
		return fmt.Errorf("limits.max_notional must be positive")
	}
	if !p.Limits.MaxPositionPct.IsPositive() || p.Limits.MaxPositionPct.GreaterThan(hundredDec) {
		return fmt.Errorf("limits.max_position_pct must be in (0, 100]")
	}
	if p.Limits.MaxSlippageBps < 0 || p.Limits.MaxSlippageBps > 1000 {
		return fmt.Errorf("limits.max_slippage_bps must be between 0 and 1000")
	}
	if p.Limits.MaxDailyTrades < 1 {
		return fmt.Errorf("limits.max_daily_trades must be at least 1")
	}
	if !p.Limits.MaxDailyLoss.IsPositive() {
		return fmt.Errorf("limits.max_daily_loss must be positive")
	}
	if _, err := parseHHMM(p.Hours.MarketOpenUTC); err != nil {
		return fmt.Errorf("trading_hours.market_open_utc: %w", err)
	}
	if _, err := parseHHMM(p.Hours.MarketCloseUTC); err != nil {
		return fmt.Errorf("trading_hours.market_close_utc: %w", err)
	}
	return nil
}
