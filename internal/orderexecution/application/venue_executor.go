package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/pkg/logger"
)

// placement 一次场所下单的参数。
type placement struct {
	orderID    string
	fragmentID string
	venueID    string
	symbol     string
	side       domain.Side
	typ        domain.OrderType
	quantity   decimal.Decimal
	price      decimal.Decimal
	// deadline 挂单最晚存活时刻，零值表示不设限
	deadline time.Time
}

func (p placement) clientOrderID() string {
	if p.fragmentID != "" {
		return p.fragmentID
	}
	return p.orderID
}

// venueFill 场所委托的累计成交情况。
type venueFill struct {
	venueID      string
	venueOrderID string
	state        domain.VenueOrderState
	quantity     decimal.Decimal
	price        decimal.Decimal
}

func (f *venueFill) filled(qty decimal.Decimal) bool {
	return f != nil && f.quantity.GreaterThanOrEqual(qty)
}

// retryVenue 仅对可重试错误按指数退避重试，重试次数由 MaxRetries 控制。
func retryVenue[T any](ctx context.Context, m *ExecutionManager, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitial
	b.MaxInterval = m.cfg.RetryMax
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !domain.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(m.cfg.MaxRetries)+1))
}

// place 下单并跟踪至场所委托终结或到期。
// ctx 被取消时挂单保留在 OpenVenueOrders 中，由撤单流程在场所侧撤销。
func (m *ExecutionManager) place(ctx context.Context, p placement) (*venueFill, error) {
	venue, ok := m.router.Venue(p.venueID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown venue %s", domain.ErrNoVenueAvailable, p.venueID)
	}
	req := &domain.PlaceOrderRequest{
		ClientOrderID: p.clientOrderID(),
		Symbol:        p.symbol,
		Side:          p.side,
		Type:          p.typ,
		Quantity:      p.quantity,
		Price:         p.price,
	}
	placed, err := retryVenue(ctx, m, func() (*domain.PlacedOrder, error) {
		return venue.PlaceOrder(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	fill := &venueFill{
		venueID:      p.venueID,
		venueOrderID: placed.VenueOrderID,
		state:        placed.State,
		quantity:     placed.ExecutedQuantity,
		price:        placed.AveragePrice,
	}
	if placed.State.Terminal() {
		return fill, nil
	}

	ref := domain.VenueOrderRef{
		VenueID:      p.venueID,
		VenueOrderID: placed.VenueOrderID,
		FragmentID:   p.fragmentID,
		Symbol:       p.symbol,
	}
	if _, err := m.repo.Update(ctx, p.orderID, func(o *domain.Order) error {
		o.TrackVenueOrder(ref)
		return nil
	}); err != nil {
		return fill, err
	}
	return m.trackVenueOrder(ctx, venue, p, fill)
}

func (m *ExecutionManager) trackVenueOrder(ctx context.Context, venue domain.VenueAdapter, p placement, fill *venueFill) (*venueFill, error) {
	for {
		if !p.deadline.IsZero() && !m.clock.Now().Before(p.deadline) {
			return m.expireVenueOrder(ctx, venue, p, fill)
		}
		if err := domain.Sleep(ctx, m.clock, m.cfg.PollInterval); err != nil {
			return fill, err
		}
		st, err := retryVenue(ctx, m, func() (*domain.VenueOrderStatus, error) {
			return venue.GetOrderStatus(ctx, p.symbol, fill.venueOrderID)
		})
		if err != nil {
			if ctx.Err() != nil {
				return fill, err
			}
			logger.Warn(ctx, "venue order status unavailable, cancelling", "venue", p.venueID, "venue_order_id", fill.venueOrderID, "error", err)
			m.abandonVenueOrder(ctx, venue, p, fill)
			return fill, err
		}
		fill.state = st.State
		fill.quantity = st.ExecutedQuantity
		fill.price = st.AveragePrice
		if st.State.Terminal() {
			m.releaseVenueOrder(ctx, p.orderID, fill.venueOrderID)
			return fill, nil
		}
	}
}

// expireVenueOrder 到期撤单，保留撤单前的部分成交。
func (m *ExecutionManager) expireVenueOrder(ctx context.Context, venue domain.VenueAdapter, p placement, fill *venueFill) (*venueFill, error) {
	m.abandonVenueOrder(ctx, venue, p, fill)
	if fill.state == domain.VenueOrderFilled {
		return fill, nil
	}
	return fill, fmt.Errorf("%w: venue order %s not filled before deadline", domain.ErrExpired, fill.venueOrderID)
}

// abandonVenueOrder 停止跟踪前在场所撤单，并再查一次状态以保留撤单前的成交。
// 撤单或查询失败时委托留在 OpenVenueOrders 中，订单收尾时再撤一次。
func (m *ExecutionManager) abandonVenueOrder(ctx context.Context, venue domain.VenueAdapter, p placement, fill *venueFill) {
	ctx = context.WithoutCancel(ctx)
	if err := venue.CancelOrder(ctx, p.symbol, fill.venueOrderID); err != nil {
		logger.Warn(ctx, "failed to cancel venue order", "venue", p.venueID, "venue_order_id", fill.venueOrderID, "error", err)
		return
	}
	st, err := venue.GetOrderStatus(ctx, p.symbol, fill.venueOrderID)
	if err != nil {
		return
	}
	fill.state = st.State
	fill.quantity = st.ExecutedQuantity
	fill.price = st.AveragePrice
	m.releaseVenueOrder(ctx, p.orderID, fill.venueOrderID)
}

func (m *ExecutionManager) releaseVenueOrder(ctx context.Context, orderID, venueOrderID string) {
	if _, err := m.repo.Update(context.WithoutCancel(ctx), orderID, func(o *domain.Order) error {
		o.ReleaseVenueOrder(venueOrderID)
		return nil
	}); err != nil {
		logger.Warn(ctx, "failed to release venue order", "order_id", orderID, "venue_order_id", venueOrderID, "error", err)
	}
}

// cancelVenueOrders 撤销订单仍挂在场所的委托，失败只记录。
func (m *ExecutionManager) cancelVenueOrders(ctx context.Context, orderID string) {
	o, err := m.repo.Get(ctx, orderID)
	if err != nil || len(o.OpenVenueOrders) == 0 {
		return
	}
	for _, ref := range o.OpenVenueOrders {
		venue, ok := m.router.Venue(ref.VenueID)
		if !ok {
			continue
		}
		if err := venue.CancelOrder(ctx, ref.Symbol, ref.VenueOrderID); err != nil {
			logger.Warn(ctx, "failed to cancel venue order", "order_id", orderID, "venue", ref.VenueID, "venue_order_id", ref.VenueOrderID, "error", err)
		}
		// 撤单前可能已有成交
		if st, err := venue.GetOrderStatus(ctx, ref.Symbol, ref.VenueOrderID); err == nil && st.ExecutedQuantity.IsPositive() {
			m.recordLateFill(ctx, orderID, ref, st)
		}
		m.releaseVenueOrder(ctx, orderID, ref.VenueOrderID)
	}
}

// recordLateFill 补记撤单时才发现的成交，已记录的部分不重复计入。
func (m *ExecutionManager) recordLateFill(ctx context.Context, orderID string, ref domain.VenueOrderRef, st *domain.VenueOrderStatus) {
	recorded := decimal.Zero
	if o, err := m.repo.Get(ctx, orderID); err == nil {
		for _, e := range o.Executions {
			if e.VenueOrderID == ref.VenueOrderID {
				recorded = recorded.Add(e.Quantity)
			}
		}
	}
	delta := st.ExecutedQuantity.Sub(recorded)
	if !delta.IsPositive() {
		return
	}
	fill := &venueFill{venueID: ref.VenueID, venueOrderID: ref.VenueOrderID, state: st.State, quantity: delta, price: st.AveragePrice}
	if _, err := m.recordFill(ctx, orderID, ref.FragmentID, fill); err != nil {
		logger.Warn(ctx, "failed to record late fill", "order_id", orderID, "venue_order_id", ref.VenueOrderID, "error", err)
	}
}

// recordFill 将场所成交写入订单，手续费按吃单费率计算。
func (m *ExecutionManager) recordFill(ctx context.Context, orderID, fragmentID string, fill *venueFill) (*domain.Order, error) {
	ctx = context.WithoutCancel(ctx)
	if fill == nil || !fill.quantity.IsPositive() {
		return m.repo.Get(ctx, orderID)
	}
	o, err := m.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	fee := fill.quantity.Mul(fill.price).Mul(m.router.TakerFee(ctx, fill.venueID, o.Symbol))
	exec := domain.NewExecution(orderID, fragmentID, fill.venueID, fill.venueOrderID, fill.quantity, fill.price, fee, time.Now())

	partial := false
	snap, err := m.repo.Update(ctx, orderID, func(o *domain.Order) error {
		if err := o.AppendExecution(exec); err != nil {
			return err
		}
		if fragmentID != "" {
			status := domain.FragmentFilled
			for _, f := range o.Fragments {
				if f.ID == fragmentID && fill.quantity.LessThan(f.Quantity) {
					status = domain.FragmentPartiallyFilled
				}
			}
			o.UpdateFragment(fragmentID, status, fill.quantity, "")
		}
		if o.Remaining().IsPositive() {
			partial = true
			return o.MarkPartiallyFilled()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.RecordFill(fill.venueID, exec.Notional().InexactFloat64(), fee.InexactFloat64())
	logger.Info(ctx, "execution recorded",
		"order_id", orderID,
		"venue", fill.venueID,
		"quantity", fill.quantity.String(),
		"price", fill.price.String(),
	)
	if partial {
		m.monitor.Emit(ctx, domain.EventOrderPartiallyFilled, snap)
	}
	return snap, nil
}

// markFragment 更新分片状态，分片失败记为订单问题。
func (m *ExecutionManager) markFragment(ctx context.Context, orderID, fragmentID string, status domain.FragmentStatus, venueID string, cause error) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if _, err := m.repo.Update(context.WithoutCancel(ctx), orderID, func(o *domain.Order) error {
		for _, f := range o.Fragments {
			if f.ID == fragmentID {
				f.Status = status
				if venueID != "" {
					f.VenueID = venueID
				}
				f.Error = errMsg
			}
		}
		if cause != nil {
			o.RecordIssue(fmt.Sprintf("fragment %s: %s", fragmentID, errMsg))
		}
		return nil
	}); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		logger.Warn(ctx, "failed to update fragment", "order_id", orderID, "fragment_id", fragmentID, "error", err)
	}
}
