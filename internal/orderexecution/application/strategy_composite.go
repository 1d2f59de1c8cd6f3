package application

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/pkg/logger"
)

// childSpec 组合订单生成子订单的参数。
type childSpec struct {
	style    domain.Style
	side     domain.Side
	quantity decimal.Decimal
	limit    decimal.Decimal
	stop     decimal.Decimal
	params   domain.StyleParams
	suffix   string
}

// spawn 登记子订单并挂到父订单下，子订单沿用父订单的场所。
func (m *ExecutionManager) spawn(ctx context.Context, parent *domain.Order, spec childSpec) (*domain.Order, error) {
	clientID := ""
	if parent.ClientOrderID != "" {
		clientID = parent.ClientOrderID + "-" + spec.suffix
	}
	child := domain.NewOrder(&domain.OrderRequest{
		ClientOrderID:   clientID,
		ParentID:        parent.ID,
		Symbol:          parent.Symbol,
		Side:            spec.side,
		Style:           spec.style,
		Quantity:        spec.quantity,
		LimitPrice:      spec.limit,
		StopPrice:       spec.stop,
		ReferencePrice:  parent.ReferencePrice,
		Params:          spec.params,
		RoutingStrategy: parent.RoutingStrategy,
		VenueID:         parent.VenueID,
	})
	if err := m.repo.Create(ctx, child); err != nil {
		return nil, err
	}
	if _, err := m.transition(ctx, parent.ID, func(p *domain.Order) error {
		p.AddChild(child.ID)
		return nil
	}); err != nil {
		return nil, err
	}
	snap := child.Clone()
	m.monitor.Emit(ctx, domain.EventOrderPlaced, snap)
	return snap, nil
}

// executeOCO 同时监控止损腿与限价腿，先触发的一腿执行，另一腿撤销。
// 同一轮询中两腿同时满足时限价腿优先。胜出腿执行失败且无成交时另一腿继续监控。
func (m *ExecutionManager) executeOCO(ctx context.Context, o *domain.Order) outcome {
	deadline := m.deadline(o)
	o, err := m.resolveVenue(ctx, o)
	if err != nil {
		return failedErr(err)
	}
	legParams := domain.StyleParams{Timeout: o.Params.Timeout}
	stopLeg, err := m.spawn(ctx, o, childSpec{style: domain.StyleStop, side: o.Side, quantity: o.Quantity, stop: o.StopPrice, params: legParams, suffix: "stop"})
	if err != nil {
		return failedErr(err)
	}
	limitLeg, err := m.spawn(ctx, o, childSpec{style: domain.StyleLimit, side: o.Side, quantity: o.Quantity, limit: o.LimitPrice, params: legParams, suffix: "limit"})
	if err != nil {
		return failedErr(err)
	}

	active := map[string]*domain.Order{stopLeg.ID: stopLeg, limitLeg.ID: limitLeg}
	root := m.rootOf(ctx, o)
	for {
		// 被单独撤销的腿不再参与
		for id := range active {
			if leg, err := m.repo.Get(ctx, id); err == nil && leg.IsTerminal() {
				delete(active, id)
			}
		}
		if len(active) == 0 {
			return failed("all oco legs closed without execution")
		}

		q, err := m.router.QuoteOn(ctx, o.VenueID, o.Symbol)
		if err != nil {
			if ctx.Err() != nil {
				return failedErr(err)
			}
			logger.Warn(ctx, "oco quote unavailable, keep polling", "error", err)
		} else if winner, loser := ocoWinner(o, q, active, limitLeg.ID, stopLeg.ID); winner != "" {
			out, done := m.executeLeg(ctx, o, root, winner, loser, deadline)
			if done {
				return out
			}
			delete(active, winner)
			continue
		}

		if !m.clock.Now().Before(deadline) {
			return expired("oco not triggered before deadline")
		}
		if err := domain.Sleep(ctx, m.clock, m.cfg.PollInterval); err != nil {
			return failedErr(err)
		}
	}
}

// ocoWinner 选出本轮触发的腿，限价腿优先。
func ocoWinner(o *domain.Order, q *domain.Quote, active map[string]*domain.Order, limitID, stopID string) (winner, loser string) {
	if _, ok := active[limitID]; ok && domain.LimitCrossed(o.Side, q.TakerPrice(o.Side), o.LimitPrice) {
		return limitID, stopID
	}
	if _, ok := active[stopID]; ok && domain.StopTriggered(o.Side, q.LastPrice(), o.StopPrice) {
		return stopID, limitID
	}
	return "", ""
}

// executeLeg 认领并执行胜出腿。有成交时在临界区内撤销另一腿并把成交并入父订单，done 为真；
// 无成交（含被单独撤销）时由调用方继续监控另一腿。
func (m *ExecutionManager) executeLeg(ctx context.Context, parent *domain.Order, root, winnerID, loserID string, deadline time.Time) (outcome, bool) {
	if _, err := m.transition(ctx, parent.ID, (*domain.Order).Start); err != nil {
		return failedErr(err), true
	}
	leg, legCtx, t := m.claimChild(ctx, root, winnerID)
	if leg == nil {
		return outcome{}, false
	}
	logger.Info(ctx, "oco leg triggered", "leg", winnerID, "style", leg.Style)

	legSnap := m.runChild(ctx, legCtx, t, func(c context.Context) outcome {
		if leg.Style == domain.StyleLimit {
			return m.limitPhase(c, leg, deadline)
		}
		return m.marketPhase(c, leg, nil)
	})
	if legSnap == nil {
		return settled("oco interrupted"), true
	}
	if !legSnap.ExecutedQuantity().IsPositive() {
		logger.Warn(ctx, "oco leg closed without execution", "leg", winnerID, "status", legSnap.Status, "error", legSnap.Error)
		if legSnap.Status == domain.StatusExpired {
			return expired(legSnap.Error), true
		}
		return outcome{}, false
	}

	unlock := m.monitor.lockComposite(root)
	m.cancelTree(ctx, loserID, "other oco leg executed")
	unlock()
	if _, err := m.transition(ctx, parent.ID, func(p *domain.Order) error {
		return p.AdoptExecutions(legSnap.Executions)
	}); err != nil {
		return failedErr(err), true
	}
	return mirror(legSnap), true
}

// claimChild 在组合订单临界区内为子订单登记执行任务，子订单已终结时返回 nil。
func (m *ExecutionManager) claimChild(ctx context.Context, root, childID string) (*domain.Order, context.Context, *orderTask) {
	unlock := m.monitor.lockComposite(root)
	defer unlock()
	child, err := m.repo.Get(ctx, childID)
	if err != nil || child.IsTerminal() {
		return nil, nil, nil
	}
	childCtx, cancel := context.WithCancelCause(ctx)
	t := newOrderTask(childID, cancel)
	m.monitor.track(t)
	return child, logger.ContextWithOrderID(childCtx, childID), t
}

// runChild 执行已认领的子订单并返回终态快照。子订单被单独撤销时等撤单流程写入终态；
// 父订单的任务被撤销时返回 nil。
func (m *ExecutionManager) runChild(ctx, childCtx context.Context, t *orderTask, exec func(context.Context) outcome) *domain.Order {
	done := logger.LogDuration(childCtx, "child order finished")
	snap := m.conclude(childCtx, t.orderID, exec(childCtx))
	m.exitTask(childCtx, t)
	t.cancel(nil)
	done()
	if snap != nil {
		return snap
	}
	if context.Cause(ctx) != nil {
		return nil
	}
	select {
	case <-t.settled:
	case <-ctx.Done():
		return nil
	}
	snap, err := m.repo.Get(ctx, t.orderID)
	if err != nil {
		logger.Warn(ctx, "child order unavailable after cancel", "child_id", t.orderID, "error", err)
		return nil
	}
	return snap
}

// mirror 父订单沿用子订单的终态。
func mirror(child *domain.Order) outcome {
	switch child.Status {
	case domain.StatusFilled:
		return filled()
	case domain.StatusPartiallyFilled:
		return partiallyFilled(child.Error)
	case domain.StatusExpired:
		return expired(child.Error)
	case domain.StatusCancelled:
		return cancelled(child.Error)
	}
	return failed(fmt.Sprintf("child %s %s: %s", child.ID, child.Status, child.Error))
}

// executeBracket 先执行入场单，成交后以入场成交量挂反向 OCO 离场：
// 止损价为止损腿，止盈价为限价腿。父订单只记录入场成交，终态与离场 OCO 一致。
func (m *ExecutionManager) executeBracket(ctx context.Context, o *domain.Order) outcome {
	o, err := m.resolveVenue(ctx, o)
	if err != nil {
		return failedErr(err)
	}
	entry, err := m.spawn(ctx, o, childSpec{
		style:    o.Params.EntryStyle,
		side:     o.Side,
		quantity: o.Quantity,
		limit:    o.LimitPrice,
		params:   domain.StyleParams{Timeout: o.Params.Timeout},
		suffix:   "entry",
	})
	if err != nil {
		return failedErr(err)
	}
	if _, err := m.transition(ctx, o.ID, (*domain.Order).Start); err != nil {
		return failedErr(err)
	}

	root := m.rootOf(ctx, o)
	entrySnap := m.runClaimed(ctx, root, entry.ID)
	if entrySnap == nil {
		return settled("bracket interrupted")
	}
	executed := entrySnap.ExecutedQuantity()
	if !executed.IsPositive() {
		return mirror(entrySnap)
	}
	if _, err := m.transition(ctx, o.ID, func(p *domain.Order) error {
		return p.AdoptExecutions(entrySnap.Executions)
	}); err != nil {
		return failedErr(err)
	}
	logger.Info(ctx, "bracket entry executed", "executed", executed.String())

	exit, err := m.spawn(ctx, o, childSpec{
		style:    domain.StyleOCO,
		side:     o.Side.Opposite(),
		quantity: executed,
		limit:    o.Params.TakeProfitPrice,
		stop:     o.Params.StopLossPrice,
		params:   domain.StyleParams{Timeout: o.Params.Timeout},
		suffix:   "exit",
	})
	if err != nil {
		return failedErr(err)
	}
	exitSnap := m.runClaimed(ctx, root, exit.ID)
	if exitSnap == nil {
		return settled("bracket interrupted")
	}
	return mirror(exitSnap)
}

// runClaimed 认领并按子订单自身的方式执行。认领前已被撤销的子订单直接返回其快照。
func (m *ExecutionManager) runClaimed(ctx context.Context, root, childID string) *domain.Order {
	child, childCtx, t := m.claimChild(ctx, root, childID)
	if child == nil {
		if ctx.Err() != nil {
			return nil
		}
		snap, err := m.repo.Get(ctx, childID)
		if err != nil {
			return nil
		}
		return snap
	}
	return m.runChild(ctx, childCtx, t, func(c context.Context) outcome {
		return m.execute(c, child)
	})
}
