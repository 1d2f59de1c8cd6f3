package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/pkg/logger"
)

// route 选择场所。调用方指定场所时只在该场所取报价。
func (m *ExecutionManager) route(ctx context.Context, o *domain.Order, qty decimal.Decimal) (*domain.RoutingDecision, error) {
	if o.VenueID == "" {
		return m.router.SelectVenue(ctx, o.Symbol, o.Side, qty, o.RoutingStrategy)
	}
	q, err := m.router.QuoteOn(ctx, o.VenueID, o.Symbol)
	if err != nil {
		return nil, err
	}
	price := q.TakerPrice(o.Side)
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: venue %s has no %s price for %s", domain.ErrNoVenueAvailable, o.VenueID, o.Side, o.Symbol)
	}
	info := domain.VenueInfo{VenueID: o.VenueID, Quote: q, Price: price, Liquidity: q.Liquidity}
	return &domain.RoutingDecision{
		Strategy:    o.RoutingStrategy,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Quantity:    qty,
		Venue:       info,
		Allocations: []domain.VenueAllocation{{VenueID: o.VenueID, Quantity: qty, Price: price}},
	}, nil
}

// pin 记录主场所，未给参考价时以路由报价的最新价作为滑点基准。
func (m *ExecutionManager) pin(ctx context.Context, orderID string, d *domain.RoutingDecision) (*domain.Order, error) {
	return m.transition(ctx, orderID, func(o *domain.Order) error {
		o.VenueID = d.Venue.VenueID
		if !o.ReferencePrice.IsPositive() && d.Venue.Quote != nil {
			o.ReferencePrice = d.Venue.Quote.LastPrice()
		}
		return nil
	})
}

// resolveVenue 路由并固定场所，用于整个生命周期只在一个场所执行的订单。
func (m *ExecutionManager) resolveVenue(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	d, err := m.route(ctx, o, o.Quantity)
	if err != nil {
		return nil, err
	}
	return m.pin(ctx, o.ID, d)
}

// watch 按轮询间隔取报价直到条件满足或到期。可重试的行情错误只记录，继续轮询。
func (m *ExecutionManager) watch(ctx context.Context, o *domain.Order, deadline time.Time, cond func(*domain.Quote) bool) (*domain.Quote, error) {
	for {
		q, err := m.router.QuoteOn(ctx, o.VenueID, o.Symbol)
		switch {
		case err == nil:
			if cond(q) {
				return q, nil
			}
		case ctx.Err() != nil:
			return nil, err
		case domain.IsTransient(err) || errors.Is(err, domain.ErrNoVenueAvailable):
			logger.Warn(ctx, "quote unavailable, keep polling", "venue", o.VenueID, "error", err)
		default:
			return nil, err
		}
		if !m.clock.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: condition not met before %s", domain.ErrExpired, deadline.Format(time.RFC3339))
		}
		if err := domain.Sleep(ctx, m.clock, m.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

func watchFailed(err error) outcome {
	if errors.Is(err, domain.ErrExpired) {
		return expired(err.Error())
	}
	return failedErr(err)
}

// checkSlippage 以参考价为基准检查对手价的相对偏离。
func (m *ExecutionManager) checkSlippage(o *domain.Order, q *domain.Quote) error {
	if !m.cfg.MaxSlippage.IsPositive() || q == nil {
		return nil
	}
	expected := o.ReferencePrice
	if !expected.IsPositive() {
		expected = q.LastPrice()
	}
	taker := q.TakerPrice(o.Side)
	if !expected.IsPositive() || !taker.IsPositive() {
		return nil
	}
	slippage := taker.Sub(expected).Abs().Div(expected)
	if slippage.GreaterThan(m.cfg.MaxSlippage) {
		return fmt.Errorf("%w: %s > %s (expected %s, market %s)",
			domain.ErrSlippageExceeded, slippage.StringFixed(6), m.cfg.MaxSlippage, expected, taker)
	}
	return nil
}

// executeMarket 市价单。超过单片上限或路由给出多场所计划时转为分片执行。
func (m *ExecutionManager) executeMarket(ctx context.Context, o *domain.Order) outcome {
	d, err := m.route(ctx, o, o.Quantity)
	if err != nil {
		return failedErr(err)
	}
	if o, err = m.pin(ctx, o.ID, d); err != nil {
		return failedErr(err)
	}
	if d.MultiVenue() || m.fragmenter.NeedsSlicing(o.Quantity) {
		if err := m.checkSlippage(o, d.Venue.Quote); err != nil {
			return failedErr(err)
		}
		var frags []*domain.Fragment
		if d.MultiVenue() {
			frags = m.fragmenter.ForAllocations(o, d.Allocations)
		} else if frags, err = m.fragmenter.Fragment(o); err != nil {
			return failedErr(err)
		}
		return m.runFragments(ctx, o, frags)
	}
	return m.marketPhase(ctx, o, d.Venue.Quote)
}

// marketPhase 在已固定的场所按市价成交剩余数量。guard 为空时跳过滑点检查。
func (m *ExecutionManager) marketPhase(ctx context.Context, o *domain.Order, guard *domain.Quote) outcome {
	if err := m.checkSlippage(o, guard); err != nil {
		return failedErr(err)
	}
	o, err := m.transition(ctx, o.ID, (*domain.Order).Start)
	if err != nil {
		return failedErr(err)
	}
	qty := o.Remaining()
	fill, err := m.place(ctx, placement{
		orderID:  o.ID,
		venueID:  o.VenueID,
		symbol:   o.Symbol,
		side:     o.Side,
		typ:      domain.OrderTypeMarket,
		quantity: qty,
	})
	if _, rerr := m.recordFill(ctx, o.ID, "", fill); rerr != nil {
		return failedErr(rerr)
	}
	switch {
	case err != nil:
		return settled(err.Error())
	case fill.filled(qty):
		return filled()
	}
	return settled(fmt.Sprintf("venue order %s %s", fill.venueOrderID, fill.state))
}

// executeLimit 等待对手价穿过限价后下限价单，到期撤单并保留已成交部分。
func (m *ExecutionManager) executeLimit(ctx context.Context, o *domain.Order) outcome {
	deadline := m.deadline(o)
	o, err := m.resolveVenue(ctx, o)
	if err != nil {
		return failedErr(err)
	}
	if _, err := m.watch(ctx, o, deadline, func(q *domain.Quote) bool {
		return domain.LimitCrossed(o.Side, q.TakerPrice(o.Side), o.LimitPrice)
	}); err != nil {
		return watchFailed(err)
	}
	return m.limitPhase(ctx, o, deadline)
}

func (m *ExecutionManager) limitPhase(ctx context.Context, o *domain.Order, deadline time.Time) outcome {
	o, err := m.transition(ctx, o.ID, (*domain.Order).Start)
	if err != nil {
		return failedErr(err)
	}
	qty := o.Remaining()
	fill, err := m.place(ctx, placement{
		orderID:  o.ID,
		venueID:  o.VenueID,
		symbol:   o.Symbol,
		side:     o.Side,
		typ:      domain.OrderTypeLimit,
		quantity: qty,
		price:    o.LimitPrice,
		deadline: deadline,
	})
	if _, rerr := m.recordFill(ctx, o.ID, "", fill); rerr != nil {
		return failedErr(rerr)
	}
	switch {
	case errors.Is(err, domain.ErrExpired):
		return expired(err.Error())
	case err != nil:
		return settled(err.Error())
	case fill.filled(qty):
		return filled()
	}
	return settled(fmt.Sprintf("venue order %s %s", fill.venueOrderID, fill.state))
}

// executeStop 最新价触及止损价后按市价成交，不做滑点检查。
func (m *ExecutionManager) executeStop(ctx context.Context, o *domain.Order) outcome {
	o, pending := m.awaitStop(ctx, o, m.deadline(o))
	if pending.status != "" {
		return pending
	}
	return m.marketPhase(ctx, o, nil)
}

// executeStopLimit 止损触发后转为限价单，沿用同一截止时刻。
func (m *ExecutionManager) executeStopLimit(ctx context.Context, o *domain.Order) outcome {
	deadline := m.deadline(o)
	o, pending := m.awaitStop(ctx, o, deadline)
	if pending.status != "" {
		return pending
	}
	return m.limitPhase(ctx, o, deadline)
}

// awaitStop 等待止损触发，未触发时返回非空的结论。
func (m *ExecutionManager) awaitStop(ctx context.Context, o *domain.Order, deadline time.Time) (*domain.Order, outcome) {
	o, err := m.resolveVenue(ctx, o)
	if err != nil {
		return nil, failedErr(err)
	}
	q, err := m.watch(ctx, o, deadline, func(q *domain.Quote) bool {
		return domain.StopTriggered(o.Side, q.LastPrice(), o.StopPrice)
	})
	if err != nil {
		return nil, watchFailed(err)
	}
	logger.Info(ctx, "stop triggered", "stop_price", o.StopPrice.String(), "last", q.LastPrice().String())
	return o, outcome{}
}
