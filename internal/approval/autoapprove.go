package approval

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradegate/backend/internal/broker"
	"github.com/tradegate/backend/internal/schema"
	"github.com/tradegate/backend/internal/sim"
)

// AutoApprovePolicy grants small, policy-conforming orders without a
// human in the loop. Anything it declines falls back to the manual
// approval queue; it never denies.
type AutoApprovePolicy struct {
	Enabled     bool            `yaml:"enabled"`
	MaxNotional decimal.Decimal `yaml:"max_notional"`
	// AllowedSymbols empty means any symbol.
	AllowedSymbols    []string `yaml:"allowed_symbols"`
	AllowedSides      []string `yaml:"allowed_sides"`
	AllowedOrderTypes []string `yaml:"allowed_order_types"`
}

// GrantedBy is recorded as the approver for auto-granted proposals.
const GrantedBy = "auto-approval-policy"

// Evaluate reports whether the intent qualifies for automatic grant, and
// a human-readable reason when it does not.
func (p *AutoApprovePolicy) Evaluate(intent *schema.OrderIntent, simulation *sim.Result) (bool, string) {
	if p == nil || !p.Enabled {
		return false, "auto-approval disabled"
	}
	if p.MaxNotional.IsPositive() && simulation.GrossNotional.GreaterThan(p.MaxNotional) {
		return false, fmt.Sprintf("notional $%s above auto-approval cap $%s",
			simulation.GrossNotional.StringFixed(2), p.MaxNotional.StringFixed(2))
	}
	if len(p.AllowedSymbols) > 0 && !containsFold(p.AllowedSymbols, intent.Instrument.Symbol) {
		return false, fmt.Sprintf("symbol %s not in auto-approval allow-list", intent.Instrument.Symbol)
	}
	if len(p.AllowedSides) > 0 && !containsFold(p.AllowedSides, string(intent.Side)) {
		return false, fmt.Sprintf("side %s not auto-approvable", intent.Side)
	}
	if len(p.AllowedOrderTypes) > 0 && !containsFold(p.AllowedOrderTypes, string(intent.OrderType)) {
		return false, fmt.Sprintf("order type %s not auto-approvable", intent.OrderType)
	}
	// Market orders without a limit are only auto-approved when the
	// policy names them explicitly.
	if intent.OrderType == broker.OrderMarket && len(p.AllowedOrderTypes) == 0 {
		return false, "market orders require manual approval"
	}
	return true, ""
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
