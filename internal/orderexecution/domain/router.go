package domain

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// RoutingStrategy 场所选择策略
type RoutingStrategy string

const (
	RoutingBestExecution      RoutingStrategy = "BEST_EXECUTION"
	RoutingCostMinimization   RoutingStrategy = "COST_MINIMIZATION"
	RoutingLiquiditySeeking   RoutingStrategy = "LIQUIDITY_SEEKING"
	RoutingImpactMinimization RoutingStrategy = "IMPACT_MINIMIZATION"
)

// Valid 是否为已知策略
func (s RoutingStrategy) Valid() bool {
	switch s {
	case RoutingBestExecution, RoutingCostMinimization, RoutingLiquiditySeeking, RoutingImpactMinimization:
		return true
	}
	return false
}

// RouterConfig 路由参数
type RouterConfig struct {
	// ImpactThreshold 超过该数量时冲击最小化策略返回多场所计划
	ImpactThreshold decimal.Decimal
	// ImpactTopN 多场所计划最多使用的场所数
	ImpactTopN int
	// BookDepth 拉取盘口的档位数
	BookDepth int
	// QuantityPrecision 分配数量保留的小数位
	QuantityPrecision int32
	// FeeCacheTTL 费率缓存有效期
	FeeCacheTTL time.Duration
}

// VenueInfo 单个场所的报价评估结果
type VenueInfo struct {
	VenueID   string          `json:"venue_id"`
	Quote     *Quote          `json:"quote"`
	Price     decimal.Decimal `json:"price"`
	Liquidity decimal.Decimal `json:"liquidity"`
	TakerFee  decimal.Decimal `json:"taker_fee"`
}

// VenueAllocation 多场所计划中分配给某场所的数量
type VenueAllocation struct {
	VenueID  string          `json:"venue_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// RoutingDecision 路由结论，Venue 为主场所
type RoutingDecision struct {
	Strategy    RoutingStrategy   `json:"strategy"`
	Symbol      string            `json:"symbol"`
	Side        Side              `json:"side"`
	Quantity    decimal.Decimal   `json:"quantity"`
	Venue       VenueInfo         `json:"venue"`
	Allocations []VenueAllocation `json:"allocations,omitempty"`
}

// MultiVenue 是否为多场所拆分计划
func (d *RoutingDecision) MultiVenue() bool {
	return len(d.Allocations) > 1
}

// VenueHealth 场所健康状态
type VenueHealth struct {
	VenueID   string    `json:"venue_id"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type cachedFees struct {
	fees     TradingFees
	expireAt time.Time
}

// VenueRouter 场所路由器
type VenueRouter struct {
	cfg    RouterConfig
	venues []VenueAdapter

	mu     sync.RWMutex
	health map[string]VenueHealth
	fees   map[string]cachedFees
}

// NewVenueRouter 创建路由器，场所注册顺序决定同分时的优先级
func NewVenueRouter(cfg RouterConfig, venues ...VenueAdapter) *VenueRouter {
	if cfg.ImpactTopN <= 0 {
		cfg.ImpactTopN = 3
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 20
	}
	if cfg.QuantityPrecision <= 0 {
		cfg.QuantityPrecision = 8
	}
	if cfg.FeeCacheTTL <= 0 {
		cfg.FeeCacheTTL = 10 * time.Minute
	}
	return &VenueRouter{
		cfg:    cfg,
		venues: venues,
		health: make(map[string]VenueHealth),
		fees:   make(map[string]cachedFees),
	}
}

// Venue 按 ID 查找场所
func (r *VenueRouter) Venue(id string) (VenueAdapter, bool) {
	for _, v := range r.venues {
		if v.ID() == id {
			return v, true
		}
	}
	return nil, false
}

// Venues 全部已注册场所
func (r *VenueRouter) Venues() []VenueAdapter {
	return slices.Clone(r.venues)
}

// SelectVenue 按策略选择场所，不可达或报错的场所跳过，全部不可用时返回 ErrNoVenueAvailable
func (r *VenueRouter) SelectVenue(ctx context.Context, symbol string, side Side, qty decimal.Decimal, strategy RoutingStrategy) (*RoutingDecision, error) {
	candidates := r.collect(ctx, symbol, side)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoVenueAvailable, symbol)
	}

	decision := &RoutingDecision{Strategy: strategy, Symbol: symbol, Side: side, Quantity: qty}
	switch strategy {
	case RoutingCostMinimization:
		decision.Venue = r.cheapest(ctx, candidates, symbol, side, qty)
	case RoutingLiquiditySeeking:
		decision.Venue = deepest(candidates)
	case RoutingImpactMinimization:
		decision.Venue = bestPriced(candidates, side)
		if r.cfg.ImpactThreshold.IsPositive() && qty.GreaterThan(r.cfg.ImpactThreshold) && len(candidates) > 1 {
			decision.Allocations = r.impactPlan(ctx, candidates, symbol, side, qty)
			if len(decision.Allocations) > 0 {
				decision.Venue = r.find(candidates, decision.Allocations[0].VenueID)
			}
		}
	default:
		decision.Venue = bestPriced(candidates, side)
	}
	if len(decision.Allocations) == 0 {
		decision.Allocations = []VenueAllocation{{
			VenueID:  decision.Venue.VenueID,
			Quantity: qty,
			Price:    decision.Venue.Price,
		}}
	}
	return decision, nil
}

// QuoteOn 在指定场所取报价，用于调用方指定场所的订单
func (r *VenueRouter) QuoteOn(ctx context.Context, venueID, symbol string) (*Quote, error) {
	v, ok := r.Venue(venueID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown venue %s", ErrNoVenueAvailable, venueID)
	}
	if h, checked := r.healthOf(venueID); checked && !h.Healthy {
		return nil, fmt.Errorf("%w: venue %s unhealthy: %s", ErrNoVenueAvailable, venueID, h.Error)
	}
	return v.GetQuote(ctx, symbol)
}

func (r *VenueRouter) collect(ctx context.Context, symbol string, side Side) []VenueInfo {
	results := make([]*VenueInfo, len(r.venues))
	var g errgroup.Group
	for i, v := range r.venues {
		if h, checked := r.healthOf(v.ID()); checked && !h.Healthy {
			logger.Warn(ctx, "venue skipped: unhealthy", "venue", v.ID(), "error", h.Error)
			continue
		}
		g.Go(func() error {
			q, err := v.GetQuote(ctx, symbol)
			if err != nil {
				logger.Warn(ctx, "venue skipped: quote failed", "venue", v.ID(), "symbol", symbol, "error", err)
				return nil
			}
			price := q.TakerPrice(side)
			if !price.IsPositive() {
				logger.Warn(ctx, "venue skipped: no price on side", "venue", v.ID(), "symbol", symbol, "side", side)
				return nil
			}
			results[i] = &VenueInfo{VenueID: v.ID(), Quote: q, Price: price, Liquidity: q.Liquidity}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]VenueInfo, 0, len(results))
	for _, info := range results {
		if info != nil {
			out = append(out, *info)
		}
	}
	return out
}

func bestPriced(candidates []VenueInfo, side Side) VenueInfo {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if side == SideBuy && c.Price.LessThan(best.Price) || side == SideSell && c.Price.GreaterThan(best.Price) {
			best = c
		}
	}
	return best
}

func deepest(candidates []VenueInfo) VenueInfo {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Liquidity.GreaterThan(best.Liquidity) {
			best = c
		}
	}
	return best
}

// cheapest 买入最小化 qty*price*(1+fee)，卖出最大化 qty*price*(1-fee)
func (r *VenueRouter) cheapest(ctx context.Context, candidates []VenueInfo, symbol string, side Side, qty decimal.Decimal) VenueInfo {
	one := decimal.NewFromInt(1)
	var best VenueInfo
	var bestCost decimal.Decimal
	for i, c := range candidates {
		c.TakerFee = r.TakerFee(ctx, c.VenueID, symbol)
		var cost decimal.Decimal
		if side == SideBuy {
			cost = qty.Mul(c.Price).Mul(one.Add(c.TakerFee))
		} else {
			cost = qty.Mul(c.Price).Mul(one.Sub(c.TakerFee)).Neg()
		}
		if i == 0 || cost.LessThan(bestCost) {
			best, bestCost = c, cost
		}
	}
	return best
}

// impactPlan 按盘口深度取前 N 个场所，按深度比例分配数量，末个场所吸收取整余量
func (r *VenueRouter) impactPlan(ctx context.Context, candidates []VenueInfo, symbol string, side Side, qty decimal.Decimal) []VenueAllocation {
	type scored struct {
		info  VenueInfo
		depth decimal.Decimal
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		depth := c.Liquidity
		if v, ok := r.Venue(c.VenueID); ok {
			book, err := v.GetOrderBook(ctx, symbol, r.cfg.BookDepth)
			if err != nil {
				logger.Warn(ctx, "order book unavailable, using top-of-book liquidity", "venue", c.VenueID, "error", err)
			} else {
				depth = book.Depth(side)
			}
		}
		if depth.IsPositive() {
			ranked = append(ranked, scored{info: c, depth: depth})
		}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int { return b.depth.Cmp(a.depth) })
	if len(ranked) > r.cfg.ImpactTopN {
		ranked = ranked[:r.cfg.ImpactTopN]
	}
	if len(ranked) == 0 {
		return nil
	}

	total := decimal.Zero
	for _, s := range ranked {
		total = total.Add(s.depth)
	}
	allocs := make([]VenueAllocation, 0, len(ranked))
	assigned := decimal.Zero
	for i, s := range ranked {
		share := qty.Mul(s.depth).Div(total).Truncate(r.cfg.QuantityPrecision)
		if i == len(ranked)-1 {
			share = qty.Sub(assigned)
		}
		if !share.IsPositive() {
			continue
		}
		assigned = assigned.Add(share)
		allocs = append(allocs, VenueAllocation{VenueID: s.info.VenueID, Quantity: share, Price: s.info.Price})
	}
	return allocs
}

func (r *VenueRouter) find(candidates []VenueInfo, venueID string) VenueInfo {
	for _, c := range candidates {
		if c.VenueID == venueID {
			return c
		}
	}
	return candidates[0]
}

// Fees 查询场所费率，带缓存，查询失败按零费率处理
func (r *VenueRouter) Fees(ctx context.Context, venueID, symbol string) TradingFees {
	key := venueID + "|" + symbol
	r.mu.RLock()
	c, ok := r.fees[key]
	r.mu.RUnlock()
	if ok && time.Now().Before(c.expireAt) {
		return c.fees
	}

	v, found := r.Venue(venueID)
	if !found {
		return TradingFees{}
	}
	fees, err := v.GetTradingFees(ctx, symbol)
	if err != nil {
		logger.Warn(ctx, "trading fees unavailable", "venue", venueID, "symbol", symbol, "error", err)
		return TradingFees{}
	}
	r.mu.Lock()
	r.fees[key] = cachedFees{fees: *fees, expireAt: time.Now().Add(r.cfg.FeeCacheTTL)}
	r.mu.Unlock()
	return *fees
}

// TakerFee 吃单费率
func (r *VenueRouter) TakerFee(ctx context.Context, venueID, symbol string) decimal.Decimal {
	return r.Fees(ctx, venueID, symbol).Taker
}

// CheckHealth 探测所有场所连通性，探测失败的场所在恢复前不参与路由
func (r *VenueRouter) CheckHealth(ctx context.Context) []VenueHealth {
	out := make([]VenueHealth, len(r.venues))
	var g errgroup.Group
	for i, v := range r.venues {
		g.Go(func() error {
			h := VenueHealth{VenueID: v.ID(), Healthy: true, CheckedAt: time.Now()}
			if err := v.TestConnection(ctx); err != nil {
				h.Healthy = false
				h.Error = err.Error()
			}
			out[i] = h
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	for _, h := range out {
		prev, seen := r.health[h.VenueID]
		if seen && prev.Healthy != h.Healthy {
			logger.Info(ctx, "venue health changed", "venue", h.VenueID, "healthy", h.Healthy, "error", h.Error)
		}
		r.health[h.VenueID] = h
	}
	r.mu.Unlock()
	return out
}

// Health 最近一次探测结果
func (r *VenueRouter) Health() []VenueHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]VenueHealth, 0, len(r.venues))
	for _, v := range r.venues {
		h, ok := r.health[v.ID()]
		if !ok {
			h = VenueHealth{VenueID: v.ID(), Healthy: true}
		}
		out = append(out, h)
	}
	return out
}

func (r *VenueRouter) healthOf(venueID string) (VenueHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[venueID]
	return h, ok
}
