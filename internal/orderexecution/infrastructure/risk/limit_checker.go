// Package risk 基于限额规则的事前风控
package risk

import (
	"context"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
)

// LimitType 限额类型
type LimitType string

const (
	LimitTypeMaxOrderQty   LimitType = "MAX_ORDER_QTY"
	LimitTypeMaxOrderValue LimitType = "MAX_ORDER_VALUE"
	LimitTypeRestricted    LimitType = "RESTRICTED_SYMBOL"
	LimitTypeBalance       LimitType = "BALANCE"
)

// Limits 限额规则集合
type Limits struct {
	// MaxOrderQuantity 按交易对的单笔最大数量，键 "*" 对所有交易对生效
	MaxOrderQuantity map[string]decimal.Decimal
	// MaxOrderNotional 单笔最大金额，需要订单带价格或参考价
	MaxOrderNotional decimal.Decimal
	Restricted       []string
	// CheckBalance 检查组合快照中的可用余额是否足以覆盖订单
	CheckBalance bool
}

// LimitChecker 实现 domain.PreTradeRiskCheck
type LimitChecker struct {
	limits Limits
}

// NewLimitChecker 创建限额风控
func NewLimitChecker(limits Limits) *LimitChecker {
	return &LimitChecker{limits: limits}
}

// Evaluate 依次检查禁止名单、数量、金额与余额，首个不满足的规则作为拒绝原因
func (c *LimitChecker) Evaluate(_ context.Context, req *domain.OrderRequest, snapshot *domain.PortfolioSnapshot) (*domain.RiskDecision, error) {
	if slices.Contains(c.limits.Restricted, req.Symbol) {
		return reject(LimitTypeRestricted, "symbol %s is restricted", req.Symbol), nil
	}

	if limit, ok := c.maxQuantity(req.Symbol); ok && req.Quantity.GreaterThan(limit) {
		return reject(LimitTypeMaxOrderQty, "quantity %s exceeds max %s", req.Quantity, limit), nil
	}

	price := orderPrice(req)
	notional := req.Quantity.Mul(price)
	if c.limits.MaxOrderNotional.IsPositive() && price.IsPositive() && notional.GreaterThan(c.limits.MaxOrderNotional) {
		return reject(LimitTypeMaxOrderValue, "notional %s exceeds max %s", notional, c.limits.MaxOrderNotional), nil
	}

	if c.limits.CheckBalance && snapshot != nil {
		base, quote := domain.SplitSymbol(req.Symbol)
		asset, need := quote, notional
		if req.Side == domain.SideSell {
			asset, need = base, req.Quantity
		}
		if need.IsPositive() {
			if free, ok := snapshot.Free(asset); ok && free.LessThan(need) {
				return reject(LimitTypeBalance, "insufficient %s: free %s < required %s", asset, free, need), nil
			}
		}
	}
	return &domain.RiskDecision{Allowed: true}, nil
}

func (c *LimitChecker) maxQuantity(symbol string) (decimal.Decimal, bool) {
	if v, ok := c.limits.MaxOrderQuantity[symbol]; ok && v.IsPositive() {
		return v, true
	}
	if v, ok := c.limits.MaxOrderQuantity["*"]; ok && v.IsPositive() {
		return v, true
	}
	return decimal.Zero, false
}

// orderPrice 估算订单价格：限价优先，其次止损价、参考价
func orderPrice(req *domain.OrderRequest) decimal.Decimal {
	for _, p := range []decimal.Decimal{req.LimitPrice, req.StopPrice, req.ReferencePrice} {
		if p.IsPositive() {
			return p
		}
	}
	return decimal.Zero
}

func reject(t LimitType, format string, args ...any) *domain.RiskDecision {
	return &domain.RiskDecision{Reason: fmt.Sprintf("%s: %s", t, fmt.Sprintf(format, args...))}
}
