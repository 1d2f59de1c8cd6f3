package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/pkg/logger"
)

// executeScheduled TWAP 与 VWAP：按分片计划定时下市价单，单片失败不终止整体执行。
func (m *ExecutionManager) executeScheduled(ctx context.Context, o *domain.Order) outcome {
	if o.Style == domain.StyleVWAP && len(o.Params.VolumeProfile) == 0 {
		profile, err := m.volumeProfile(ctx, o.Symbol)
		if err != nil {
			return failedErr(err)
		}
		if o, err = m.transition(ctx, o.ID, func(o *domain.Order) error {
			o.Params.VolumeProfile = profile
			return nil
		}); err != nil {
			return failedErr(err)
		}
	}
	frags, err := m.fragmenter.Fragment(o)
	if err != nil {
		return failedErr(err)
	}
	return m.runFragments(ctx, o, frags)
}

func (m *ExecutionManager) volumeProfile(ctx context.Context, symbol string) ([]decimal.Decimal, error) {
	if m.profiles == nil {
		return nil, fmt.Errorf("%w: vwap requires a volume profile", domain.ErrValidation)
	}
	return m.profiles.GetVolumeProfile(ctx, symbol, m.cfg.VWAPBuckets)
}

// runFragments 依次执行分片。每片在调度起点加 Offset 的时刻下单，未指定场所的分片单独路由。
func (m *ExecutionManager) runFragments(ctx context.Context, o *domain.Order, frags []*domain.Fragment) outcome {
	if _, err := m.transition(ctx, o.ID, func(o *domain.Order) error {
		planned := make([]*domain.Fragment, len(frags))
		for i, f := range frags {
			fc := *f
			planned[i] = &fc
		}
		o.SetFragments(planned)
		return o.BeginFragmenting()
	}); err != nil {
		return failedErr(err)
	}
	logger.Info(ctx, "fragmented execution started", "style", o.Style, "fragments", len(frags))

	start := m.clock.Now()
	failures := 0
	for _, f := range frags {
		if err := domain.Sleep(ctx, m.clock, start.Add(f.Offset).Sub(m.clock.Now())); err != nil {
			return settled(err.Error())
		}
		cur, err := m.repo.Get(ctx, o.ID)
		if err != nil {
			return failedErr(err)
		}
		qty := fragmentQuantity(cur, f)
		if !qty.IsPositive() {
			m.markFragment(ctx, o.ID, f.ID, domain.FragmentSkipped, "", nil)
			continue
		}

		venueID := f.VenueID
		if venueID == "" {
			d, err := m.route(ctx, cur, qty)
			if err != nil {
				failures++
				m.markFragment(ctx, o.ID, f.ID, domain.FragmentFailed, "", err)
				logger.Warn(ctx, "fragment routing failed", "fragment_id", f.ID, "error", err)
				continue
			}
			venueID = d.Venue.VenueID
		}
		m.markFragment(ctx, o.ID, f.ID, domain.FragmentSubmitted, venueID, nil)

		fill, err := m.place(ctx, placement{
			orderID:    o.ID,
			fragmentID: f.ID,
			venueID:    venueID,
			symbol:     cur.Symbol,
			side:       cur.Side,
			typ:        domain.OrderTypeMarket,
			quantity:   qty,
		})
		if _, rerr := m.recordFill(ctx, o.ID, f.ID, fill); rerr != nil {
			logger.Error(ctx, "failed to record fragment fill", "fragment_id", f.ID, "error", rerr)
		}
		if err != nil {
			if ctx.Err() != nil {
				return settled(err.Error())
			}
			failures++
			m.markFragment(ctx, o.ID, f.ID, domain.FragmentFailed, venueID, err)
			logger.Warn(ctx, "fragment failed", "fragment_id", f.ID, "error", err)
		}
	}
	if failures > 0 {
		return settled(fmt.Sprintf("%d of %d fragments failed", failures, len(frags)))
	}
	return settled("fragments exhausted before full execution")
}

// fragmentQuantity 分片实际下单量。VWAP 按累计目标补齐落后部分，追赶片与其余分片都不超过剩余数量。
func fragmentQuantity(o *domain.Order, f *domain.Fragment) decimal.Decimal {
	remaining := o.Remaining()
	qty := f.Quantity
	switch {
	case f.CatchUp:
		qty = remaining
	case o.Style == domain.StyleVWAP && f.CumulativeTarget.IsPositive():
		qty = f.CumulativeTarget.Sub(o.ExecutedQuantity())
	}
	return decimal.Min(qty, remaining)
}

// executeIceberg 冰山单：每次只显示一片，上一片成交后才生成下一片。
// 某片失败即停止，已有成交时以部分成交结束。
func (m *ExecutionManager) executeIceberg(ctx context.Context, o *domain.Order) outcome {
	deadline := m.deadline(o)
	if _, err := m.transition(ctx, o.ID, (*domain.Order).BeginFragmenting); err != nil {
		return failedErr(err)
	}
	for index := 0; ; index++ {
		cur, err := m.repo.Get(ctx, o.ID)
		if err != nil {
			return failedErr(err)
		}
		slice := m.fragmenter.NextIcebergSlice(cur, index)
		if slice == nil {
			return filled()
		}
		if !m.clock.Now().Before(deadline) {
			return expired(fmt.Sprintf("iceberg not completed before deadline, %d slices executed", index))
		}
		if err := domain.Sleep(ctx, m.clock, slice.Delay); err != nil {
			return settled(err.Error())
		}

		d, err := m.route(ctx, cur, slice.Quantity)
		if err != nil {
			return m.icebergStopped(ctx, cur, slice, "", err)
		}
		price := cur.LimitPrice
		if !price.IsPositive() {
			price = d.Venue.Price
		}
		slice.VenueID = d.Venue.VenueID
		slice.Status = domain.FragmentSubmitted
		if _, err := m.transition(ctx, o.ID, func(o *domain.Order) error {
			fc := *slice
			o.AddFragment(&fc)
			return nil
		}); err != nil {
			return failedErr(err)
		}

		fill, err := m.place(ctx, placement{
			orderID:    o.ID,
			fragmentID: slice.ID,
			venueID:    slice.VenueID,
			symbol:     cur.Symbol,
			side:       cur.Side,
			typ:        domain.OrderTypeLimit,
			quantity:   slice.Quantity,
			price:      price,
			deadline:   deadline,
		})
		if _, rerr := m.recordFill(ctx, o.ID, slice.ID, fill); rerr != nil {
			return failedErr(rerr)
		}
		if err == nil && !fill.filled(slice.Quantity) {
			err = fmt.Errorf("slice %s ended %s", slice.ID, fill.state)
		}
		if err != nil {
			if ctx.Err() != nil {
				return settled(err.Error())
			}
			if errors.Is(err, domain.ErrExpired) {
				m.markFragment(ctx, o.ID, slice.ID, domain.FragmentCancelled, slice.VenueID, err)
				return expired(err.Error())
			}
			return m.icebergStopped(ctx, cur, slice, slice.VenueID, err)
		}
	}
}

// icebergStopped 某片失败后结束冰山单。
func (m *ExecutionManager) icebergStopped(ctx context.Context, o *domain.Order, slice *domain.Fragment, venueID string, cause error) outcome {
	if venueID == "" {
		if _, err := m.transition(ctx, o.ID, func(o *domain.Order) error {
			fc := *slice
			o.AddFragment(&fc)
			return nil
		}); err != nil {
			logger.Warn(ctx, "failed to record iceberg slice", "error", err)
		}
	}
	m.markFragment(ctx, o.ID, slice.ID, domain.FragmentFailed, venueID, cause)
	logger.Warn(ctx, "iceberg slice failed", "slice", slice.Index, "error", cause)
	return settled(fmt.Sprintf("iceberg slice %d failed: %v", slice.Index, cause))
}
