package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioSnapshot 跨场所余额快照
type PortfolioSnapshot struct {
	// Balances 按资产汇总
	Balances map[string]Balance `json:"balances"`
	// ByVenue 按场所明细
	ByVenue map[string][]Balance `json:"by_venue"`
	AsOf    time.Time            `json:"as_of"`
}

// Free 某资产的汇总可用余额
func (p *PortfolioSnapshot) Free(asset string) (decimal.Decimal, bool) {
	if p == nil {
		return decimal.Zero, false
	}
	b, ok := p.Balances[asset]
	return b.Free, ok
}

// RiskDecision 风控结论
type RiskDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// PreTradeRiskCheck 事前风控，在任何执行策略启动前调用
type PreTradeRiskCheck interface {
	Evaluate(ctx context.Context, req *OrderRequest, snapshot *PortfolioSnapshot) (*RiskDecision, error)
}

// PortfolioProvider 提供风控所需的组合快照
type PortfolioProvider interface {
	Snapshot(ctx context.Context) (*PortfolioSnapshot, error)
}
