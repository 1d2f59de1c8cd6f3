package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OrderRequest 外部提交的原始下单请求
type OrderRequest struct {
	ClientOrderID   string          `json:"client_order_id"`
	ParentID        string          `json:"parent_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Style           Style           `json:"style"`
	Quantity        decimal.Decimal `json:"quantity"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	ReferencePrice  decimal.Decimal `json:"reference_price"`
	Params          StyleParams     `json:"params"`
	RoutingStrategy RoutingStrategy `json:"routing_strategy"`
	// VenueID 指定场所，为空时由路由器选择
	VenueID string `json:"venue_id,omitempty"`
}

// ValidatorConfig 校验阈值
type ValidatorConfig struct {
	MinQuantity decimal.Decimal
	MaxQuantity decimal.Decimal
}

// Validator 下单请求校验器，纯函数，不访问任何场所
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator 创建校验器
func NewValidator(cfg ValidatorConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate 校验并规范化请求，通过后返回待执行订单
func (v *Validator) Validate(req *OrderRequest) (*Order, error) {
	if req == nil {
		return nil, invalid("request", "is required")
	}
	n := *req
	n.Symbol = strings.ToUpper(strings.TrimSpace(n.Symbol))
	n.Side = Side(strings.ToUpper(strings.TrimSpace(string(n.Side))))
	n.Style = Style(strings.ToUpper(strings.TrimSpace(string(n.Style))))
	n.Params.EntryStyle = Style(strings.ToUpper(string(n.Params.EntryStyle)))
	if n.RoutingStrategy == "" {
		n.RoutingStrategy = RoutingBestExecution
	}

	if err := v.checkRequired(&n); err != nil {
		return nil, err
	}
	if err := v.checkQuantity(n.Quantity); err != nil {
		return nil, err
	}
	if err := checkPrices(&n); err != nil {
		return nil, err
	}
	if err := checkStyleParams(&n); err != nil {
		return nil, err
	}
	if !n.RoutingStrategy.Valid() {
		return nil, invalid("routing_strategy", "unknown strategy "+string(n.RoutingStrategy))
	}
	return NewOrder(&n), nil
}

func (v *Validator) checkRequired(r *OrderRequest) error {
	switch {
	case r.Symbol == "":
		return invalid("symbol", "is required")
	case r.Side == "":
		return invalid("side", "is required")
	case r.Style == "":
		return invalid("style", "is required")
	case r.Quantity.IsZero():
		return invalid("quantity", "is required")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return invalid("side", "must be BUY or SELL")
	}
	if !r.Style.Supported() {
		return invalid("style", "unsupported style "+string(r.Style))
	}
	return nil
}

func (v *Validator) checkQuantity(qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return invalid("quantity", "must be positive")
	}
	if v.cfg.MinQuantity.IsPositive() && qty.LessThan(v.cfg.MinQuantity) {
		return invalid("quantity", "below minimum "+v.cfg.MinQuantity.String())
	}
	if v.cfg.MaxQuantity.IsPositive() && qty.GreaterThan(v.cfg.MaxQuantity) {
		return invalid("quantity", "above maximum "+v.cfg.MaxQuantity.String())
	}
	return nil
}

func checkPrices(r *OrderRequest) error {
	prices := []struct {
		field string
		value decimal.Decimal
	}{
		{"limit_price", r.LimitPrice},
		{"stop_price", r.StopPrice},
		{"reference_price", r.ReferencePrice},
		{"stop_loss_price", r.Params.StopLossPrice},
		{"take_profit_price", r.Params.TakeProfitPrice},
	}
	for _, p := range prices {
		if p.value.IsNegative() {
			return invalid(p.field, "must not be negative")
		}
	}

	switch r.Style {
	case StyleLimit:
		return requirePrice("limit_price", r.LimitPrice)
	case StyleStop:
		return requirePrice("stop_price", r.StopPrice)
	case StyleStopLimit, StyleOCO:
		if err := requirePrice("stop_price", r.StopPrice); err != nil {
			return err
		}
		return requirePrice("limit_price", r.LimitPrice)
	case StyleBracket:
		if err := requirePrice("stop_loss_price", r.Params.StopLossPrice); err != nil {
			return err
		}
		if err := requirePrice("take_profit_price", r.Params.TakeProfitPrice); err != nil {
			return err
		}
		if r.Params.EntryStyle == "" {
			r.Params.EntryStyle = StyleMarket
			if r.LimitPrice.IsPositive() {
				r.Params.EntryStyle = StyleLimit
			}
		}
		switch r.Params.EntryStyle {
		case StyleMarket:
		case StyleLimit:
			if err := requirePrice("limit_price", r.LimitPrice); err != nil {
				return err
			}
		default:
			return invalid("entry_style", "must be MARKET or LIMIT")
		}
		// 买入括号单止损在下、止盈在上，卖出相反
		sl, tp := r.Params.StopLossPrice, r.Params.TakeProfitPrice
		if r.Side == SideBuy && !sl.LessThan(tp) {
			return invalid("stop_loss_price", "must be below take_profit_price for BUY")
		}
		if r.Side == SideSell && !sl.GreaterThan(tp) {
			return invalid("stop_loss_price", "must be above take_profit_price for SELL")
		}
	}
	return nil
}

func requirePrice(field string, p decimal.Decimal) error {
	if !p.IsPositive() {
		return invalid(field, "is required")
	}
	return nil
}

func checkStyleParams(r *OrderRequest) error {
	p := r.Params
	if p.Timeout < 0 {
		return invalid("timeout", "must not be negative")
	}
	switch r.Style {
	case StyleIceberg:
		if p.VisibleRatio.IsNegative() || p.VisibleRatio.GreaterThan(decimal.NewFromInt(1)) {
			return invalid("visible_ratio", "must be within (0, 1]")
		}
		if p.VisibleSize.IsNegative() {
			return invalid("visible_size", "must not be negative")
		}
		if p.VisibleSize.GreaterThan(r.Quantity) {
			return invalid("visible_size", "exceeds order quantity")
		}
	case StyleTWAP:
		if p.Duration <= 0 {
			return invalid("duration", "is required")
		}
		if p.Interval <= 0 {
			return invalid("interval", "is required")
		}
		if p.Interval > p.Duration {
			return invalid("interval", "exceeds duration")
		}
	case StyleVWAP:
		if p.Duration <= 0 {
			return invalid("duration", "is required")
		}
		total := decimal.Zero
		for _, w := range p.VolumeProfile {
			if w.IsNegative() {
				return invalid("volume_profile", "must not contain negative volume")
			}
			total = total.Add(w)
		}
		if len(p.VolumeProfile) > 0 && !total.IsPositive() {
			return invalid("volume_profile", "total volume must be positive")
		}
	}
	return nil
}
