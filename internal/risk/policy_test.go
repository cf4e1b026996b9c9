package risk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "risk_policy.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPolicyOverridesAndDefaults(t *testing.T) {
	path := writePolicy(t, `
limits:
  max_notional: 25000
  max_daily_trades: 10
trading_hours:
  allow_after_hours: true
rules_enabled:
  R3: false
  R6: false
`)

	p, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.True(t, p.Limits.MaxNotional.Equal(decimal.NewFromInt(25_000)))
	assert.Equal(t, 10, p.Limits.MaxDailyTrades)
	// Untouched keys keep their defaults.
	assert.True(t, p.Limits.MaxPositionPct.Equal(decimal.NewFromFloat(10.0)))
	assert.Equal(t, 50, p.Limits.MaxSlippageBps)
	assert.Equal(t, "14:30", p.Hours.MarketOpenUTC)
	assert.True(t, p.Hours.AllowAfterHours)
	assert.Equal(t, map[string]bool{"R3": false, "R6": false}, p.RulesEnabled)
	assert.Nil(t, p.Advanced)
}

func TestLoadPolicyAdvancedBlock(t *testing.T) {
	path := writePolicy(t, `
advanced:
  enabled: true
  volatility_scaling_enabled: true
  max_position_volatility: 0.05
  max_drawdown_pct: 20
  enable_drawdown_halt: true
  enable_time_restrictions: false
`)

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	require.NotNil(t, p.Advanced)
	assert.Equal(t, 0.05, p.Advanced.MaxPositionVolatility)
	assert.Equal(t, 20.0, p.Advanced.MaxDrawdownPct)
	assert.False(t, p.Advanced.EnableTimeRestrictions)
	// Unset thresholds keep their defaults.
	assert.True(t, p.Advanced.MinPositionSize.Equal(decimal.NewFromInt(100)))
}

func TestLoadPolicyAdvancedDisabled(t *testing.T) {
	path := writePolicy(t, `
advanced:
  enabled: false
  max_drawdown_pct: 20
`)
	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Nil(t, p.Advanced)
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yml"))
	var perr *PolicyLoadError
	require.ErrorAs(t, err, &perr)
}

func TestLoadPolicyInvalidYAML(t *testing.T) {
	path := writePolicy(t, "limits: [not a map")
	_, err := LoadPolicy(path)
	var perr *PolicyLoadError
	require.ErrorAs(t, err, &perr)
}

func TestLoadPolicyValidation(t *testing.T) {
	cases := map[string]string{
		"negative notional": "limits:\n  max_notional: -1\n",
		"bad slippage":      "limits:\n  max_slippage_bps: 2000\n",
		"bad hours":         "trading_hours:\n  market_open_utc: \"25:00\"\n",
		"zero trades":       "limits:\n  max_daily_trades: 0\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadPolicy(writePolicy(t, content))
			assert.Error(t, err)
		})
	}
}
