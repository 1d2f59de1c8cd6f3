package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/infrastructure/venue"
)

func TestLimit_FillsOnceCrossed(t *testing.T) {
	v := newScriptVenue("v1", "100.1")
	v.path = []decimal.Decimal{d("100.1"), d("100.1"), d("98.9")}
	h := newHarness(t, v)

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleLimit,
		Quantity: d("1"), LimitPrice: d("99")})
	if o.Status != domain.StatusFilled {
		t.Fatalf("status = %s (%s), want FILLED", o.Status, o.Error)
	}
	placed := v.placements()
	if len(placed) != 1 || placed[0].Type != domain.OrderTypeLimit || !placed[0].Price.Equal(d("99")) {
		t.Fatalf("placements = %+v, want one limit at 99", placed)
	}
	if !o.Executions[0].Price.Equal(d("98.95")) {
		t.Errorf("fill price = %s, want 98.95", o.Executions[0].Price)
	}
}

func TestLimit_ExpiresWithoutPlacing(t *testing.T) {
	h := newHarness(t, newScriptVenue("v1", "100"))
	start := h.clock.Now()

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleLimit,
		Quantity: d("1"), LimitPrice: d("50"), Params: domain.StyleParams{Timeout: 5 * time.Second}})
	if o.Status != domain.StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", o.Status)
	}
	if n := len(h.venue.placements()); n != 0 {
		t.Errorf("placements = %d, want 0", n)
	}
	if el := h.clock.elapsed(start); el < 5*time.Second {
		t.Errorf("virtual time elapsed = %s, want at least 5s", el)
	}
	want := []domain.EventType{domain.EventOrderPlaced, domain.EventOrderExpired}
	if got := h.events.ForOrder(o.ID); !eventsEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestStop_TriggersMarketExecution(t *testing.T) {
	v := newScriptVenue("v1", "100")
	v.path = []decimal.Decimal{d("100"), d("99"), d("94")}
	h := newHarness(t, v)

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideSell, Style: domain.StyleStop,
		Quantity: d("2"), StopPrice: d("95")})
	if o.Status != domain.StatusFilled {
		t.Fatalf("status = %s (%s), want FILLED", o.Status, o.Error)
	}
	placed := v.placements()
	if len(placed) != 1 || placed[0].Type != domain.OrderTypeMarket || placed[0].Side != domain.SideSell {
		t.Fatalf("placements = %+v, want one market sell", placed)
	}
	if !o.Executions[0].Price.Equal(d("93.95")) {
		t.Errorf("fill price = %s, want 93.95", o.Executions[0].Price)
	}
}

func TestIceberg_SlicesUntilFilled(t *testing.T) {
	v := newScriptVenue("v1", "100")
	h := newHarness(t, v)

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleIceberg,
		Quantity: d("1000"), Params: domain.StyleParams{VisibleRatio: d("0.1")}})
	if o.Status != domain.StatusFilled {
		t.Fatalf("status = %s (%s), want FILLED", o.Status, o.Error)
	}
	if len(o.Executions) != 10 || len(o.Fragments) != 10 {
		t.Fatalf("executions = %d, fragments = %d, want 10", len(o.Executions), len(o.Fragments))
	}
	for i, p := range v.placements() {
		if !p.Quantity.Equal(d("100")) || p.Type != domain.OrderTypeLimit {
			t.Errorf("slice %d = %s %s, want LIMIT 100", i, p.Type, p.Quantity)
		}
	}
	for _, f := range o.Fragments {
		if f.Status != domain.FragmentFilled {
			t.Errorf("fragment %s status = %s", f.ID, f.Status)
		}
	}
}

func TestIceberg_StopsOnSliceFailure(t *testing.T) {
	v := newScriptVenue("v1", "100")
	v.placeErrs[3] = domain.NewPermanentError("v1", "PlaceOrder", errors.New("rejected"))
	h := newHarness(t, v)

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleIceberg,
		Quantity: d("500"), Params: domain.StyleParams{VisibleRatio: d("0.2")}})
	if o.Status != domain.StatusPartiallyFilled {
		t.Fatalf("status = %s, want PARTIALLY_FILLED", o.Status)
	}
	if len(o.Executions) != 2 || !o.ExecutedQuantity().Equal(d("200")) {
		t.Errorf("executions = %d, executed = %s; want 2, 200", len(o.Executions), o.ExecutedQuantity())
	}
	if n := len(v.placements()); n != 3 {
		t.Errorf("placements = %d, want 3", n)
	}
	if last := o.Fragments[len(o.Fragments)-1]; last.Status != domain.FragmentFailed {
		t.Errorf("failed slice status = %s", last.Status)
	}
}

func TestTWAP_EvenSlicesOnSchedule(t *testing.T) {
	v := newScriptVenue("v1", "100")
	h := newHarness(t, v)
	start := h.clock.Now()

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleTWAP,
		Quantity: d("1000"), Params: domain.StyleParams{Duration: 600 * time.Second, Interval: 60 * time.Second}})
	if o.Status != domain.StatusFilled {
		t.Fatalf("status = %s (%s), want FILLED", o.Status, o.Error)
	}
	if len(o.Executions) != 10 {
		t.Fatalf("executions = %d, want 10", len(o.Executions))
	}
	for i, p := range v.placements() {
		if !p.Quantity.Equal(d("100")) || p.Type != domain.OrderTypeMarket {
			t.Errorf("fragment %d = %s %s, want MARKET 100", i, p.Type, p.Quantity)
		}
	}
	if el := h.clock.elapsed(start); el < 9*time.Minute {
		t.Errorf("virtual time elapsed = %s, want at least 9m", el)
	}
}

func TestVWAP_UsesProfileProvider(t *testing.T) {
	v := newScriptVenue("v1", "100")
	h := newHarness(t, v, func(cfg *Config, deps *Dependencies) {
		cfg.VWAPBuckets = 6
		deps.Profiles = venue.NewCurveVolumeProfile()
	})

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideSell, Style: domain.StyleVWAP,
		Quantity: d("60"), Params: domain.StyleParams{Duration: 6 * time.Hour}})
	if o.Status != domain.StatusFilled {
		t.Fatalf("status = %s (%s), want FILLED", o.Status, o.Error)
	}
	if len(o.Params.VolumeProfile) != 6 {
		t.Errorf("profile buckets = %d, want 6", len(o.Params.VolumeProfile))
	}
	if !o.ExecutedQuantity().Equal(d("60")) {
		t.Errorf("executed = %s, want 60", o.ExecutedQuantity())
	}
}

func TestVWAP_WithoutProfileFails(t *testing.T) {
	h := newHarness(t, newScriptVenue("v1", "100"))
	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleVWAP,
		Quantity: d("10"), Params: domain.StyleParams{Duration: time.Hour}})
	if o.Status != domain.StatusFailed {
		t.Errorf("status = %s, want FAILED", o.Status)
	}
}

func legsByStyle(t *testing.T, m *ExecutionManager, parentID string) map[domain.Style]*domain.Order {
	t.Helper()
	children, err := m.Children(context.Background(), parentID)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[domain.Style]*domain.Order, len(children))
	for _, c := range children {
		out[c.Style] = c
	}
	return out
}

func TestOCO_LimitLegWinsAndStopLegCancelled(t *testing.T) {
	v := newScriptVenue("v1", "60000")
	h := newHarness(t, v)

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleOCO,
		Quantity: d("1"), StopPrice: d("59000"), LimitPrice: d("61000")})
	if o.Status != domain.StatusFilled {
		t.Fatalf("status = %s (%s), want FILLED", o.Status, o.Error)
	}

	legs := legsByStyle(t, h.m, o.ID)
	if len(legs) != 2 {
		t.Fatalf("legs = %d, want 2", len(legs))
	}
	limitLeg, stopLeg := legs[domain.StyleLimit], legs[domain.StyleStop]
	if limitLeg.Status != domain.StatusFilled {
		t.Errorf("limit leg status = %s, want FILLED", limitLeg.Status)
	}
	if stopLeg.Status != domain.StatusCancelled || len(stopLeg.Executions) != 0 {
		t.Errorf("stop leg = %s with %d executions, want CANCELLED with none", stopLeg.Status, len(stopLeg.Executions))
	}
	if len(o.Executions) != len(limitLeg.Executions) || o.Executions[0].ID != limitLeg.Executions[0].ID {
		t.Errorf("parent executions should mirror the limit leg")
	}
	if n := len(v.placements()); n != 1 {
		t.Errorf("placements = %d, want 1", n)
	}
	if a := h.m.Analytics(); a.TotalOrders != 1 {
		t.Errorf("analytics total = %d, want 1 for the parent only", a.TotalOrders)
	}
}

func TestOCO_ExpiresWithLegs(t *testing.T) {
	h := newHarness(t, newScriptVenue("v1", "60000"))

	// 两腿都不会触发，父订单到期时两腿随之到期
	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleOCO,
		Quantity: d("1"), StopPrice: d("70000"), LimitPrice: d("50000"),
		Params: domain.StyleParams{Timeout: 10 * time.Second}})
	if o.Status != domain.StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", o.Status)
	}
	for style, leg := range legsByStyle(t, h.m, o.ID) {
		if leg.Status != domain.StatusExpired {
			t.Errorf("%s leg status = %s, want EXPIRED", style, leg.Status)
		}
	}
}

func TestBracket_EntryThenTakeProfit(t *testing.T) {
	v := newScriptVenue("v1", "60000")
	v.moves[1] = d("61500")
	h := newHarness(t, v)

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleBracket,
		Quantity: d("1"), Params: domain.StyleParams{StopLossPrice: d("59000"), TakeProfitPrice: d("61000")}})
	if o.Status != domain.StatusFilled {
		t.Fatalf("status = %s (%s), want FILLED", o.Status, o.Error)
	}
	// 父订单只记录入场成交
	if len(o.Executions) != 1 || !o.Executions[0].Price.Equal(d("60000.05")) {
		t.Fatalf("executions = %+v, want the entry fill only", o.Executions)
	}

	placed := v.placements()
	if len(placed) != 2 {
		t.Fatalf("placements = %d, want entry and exit", len(placed))
	}
	if placed[1].Side != domain.SideSell || placed[1].Type != domain.OrderTypeLimit || !placed[1].Price.Equal(d("61000")) {
		t.Errorf("exit placement = %+v, want SELL LIMIT 61000", placed[1])
	}

	children := legsByStyle(t, h.m, o.ID)
	entry, exit := children[domain.StyleMarket], children[domain.StyleOCO]
	if entry == nil || exit == nil {
		t.Fatalf("children = %v, want entry and exit", children)
	}
	if exit.Status != domain.StatusFilled || exit.Side != domain.SideSell || !exit.Quantity.Equal(d("1")) {
		t.Errorf("exit = %s %s %s", exit.Status, exit.Side, exit.Quantity)
	}
	if a := h.m.Analytics(); a.TotalOrders != 1 || a.ByStyle[domain.StyleBracket].Successful != 1 {
		t.Errorf("analytics = %+v, want the bracket counted once", a.ByStyle)
	}
}

func TestBracket_EntryFailureEndsBracket(t *testing.T) {
	v := newScriptVenue("v1", "60000")
	v.placeErrs[1] = domain.NewPermanentError("v1", "PlaceOrder", errors.New("rejected"))
	h := newHarness(t, v)

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleBracket,
		Quantity: d("1"), Params: domain.StyleParams{StopLossPrice: d("59000"), TakeProfitPrice: d("61000")}})
	if o.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", o.Status)
	}
	if len(o.ChildIDs) != 1 {
		t.Errorf("children = %d, want only the entry", len(o.ChildIDs))
	}
}

func TestLimit_StatusFailureCancelsVenueOrder(t *testing.T) {
	tests := []struct {
		name     string
		restFill string
		status   domain.Status
		executed string
	}{
		{"nothing filled", "0", domain.StatusFailed, "0"},
		{"partial fill kept", "3", domain.StatusPartiallyFilled, "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newScriptVenue("v1", "100")
			v.restLimit = true
			v.restFill = d(tt.restFill)
			v.statusErr = domain.NewPermanentError("v1", "GetOrderStatus", errors.New("order lookup disabled"))
			h := newHarness(t, v)

			o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleLimit,
				Quantity: d("10"), LimitPrice: d("101")})
			if o.Status != tt.status {
				t.Fatalf("status = %s (%s), want %s", o.Status, o.Error, tt.status)
			}
			if !o.ExecutedQuantity().Equal(d(tt.executed)) {
				t.Errorf("executed = %s, want %s", o.ExecutedQuantity(), tt.executed)
			}
			if v.cancelCount() == 0 {
				t.Error("untracked venue order should be cancelled")
			}
			if st := v.orderState("v1-1"); st != domain.VenueOrderCancelled {
				t.Errorf("venue order state = %s, want CANCELLED", st)
			}
			if len(o.OpenVenueOrders) != 0 {
				t.Errorf("open venue orders = %+v, want none", o.OpenVenueOrders)
			}
		})
	}
}

func TestStopLimit_TriggersThenPlacesLimit(t *testing.T) {
	v := newScriptVenue("v1", "100")
	v.path = []decimal.Decimal{d("100"), d("99"), d("94.5")}
	h := newHarness(t, v)

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideSell, Style: domain.StyleStopLimit,
		Quantity: d("2"), StopPrice: d("95"), LimitPrice: d("94")})
	if o.Status != domain.StatusFilled {
		t.Fatalf("status = %s (%s), want FILLED", o.Status, o.Error)
	}
	placed := v.placements()
	if len(placed) != 1 || placed[0].Type != domain.OrderTypeLimit || !placed[0].Price.Equal(d("94")) {
		t.Fatalf("placements = %+v, want one limit sell at 94", placed)
	}
	if !o.Executions[0].Price.Equal(d("94.45")) {
		t.Errorf("fill price = %s, want 94.45", o.Executions[0].Price)
	}
}

func TestStopLimit_NotTriggeredExpires(t *testing.T) {
	h := newHarness(t, newScriptVenue("v1", "100"))

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideSell, Style: domain.StyleStopLimit,
		Quantity: d("2"), StopPrice: d("95"), LimitPrice: d("94"), Params: domain.StyleParams{Timeout: 30 * time.Second}})
	if o.Status != domain.StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", o.Status)
	}
	if n := len(h.venue.placements()); n != 0 {
		t.Errorf("placements = %d, want 0", n)
	}
}

func TestTWAP_FragmentFailureKeepsSchedule(t *testing.T) {
	v := newScriptVenue("v1", "100")
	v.placeErrs[3] = domain.NewPermanentError("v1", "PlaceOrder", errors.New("rejected"))
	h := newHarness(t, v)

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleTWAP,
		Quantity: d("1000"), Params: domain.StyleParams{Duration: 600 * time.Second, Interval: 60 * time.Second}})
	if o.Status != domain.StatusPartiallyFilled {
		t.Fatalf("status = %s (%s), want PARTIALLY_FILLED", o.Status, o.Error)
	}
	if n := len(v.placements()); n != 10 {
		t.Errorf("placements = %d, want 10", n)
	}
	if len(o.Executions) != 9 || !o.ExecutedQuantity().Equal(d("900")) {
		t.Errorf("executions = %d, executed = %s; want 9, 900", len(o.Executions), o.ExecutedQuantity())
	}
	for i, f := range o.Fragments {
		want := domain.FragmentFilled
		if i == 2 {
			want = domain.FragmentFailed
		}
		if f.Status != want {
			t.Errorf("fragment %d status = %s, want %s", i, f.Status, want)
		}
	}
	if len(o.Issues) != 1 {
		t.Errorf("issues = %v, want the failed fragment", o.Issues)
	}
}

func TestOCO_StopLegWinsAndLimitLegCancelled(t *testing.T) {
	v := newScriptVenue("v1", "60000")
	v.path = []decimal.Decimal{d("60000"), d("60000"), d("61000")}
	h := newHarness(t, v)

	o := h.run(t, &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleOCO,
		Quantity: d("1"), StopPrice: d("60500"), LimitPrice: d("50000")})
	if o.Status != domain.StatusFilled {
		t.Fatalf("status = %s (%s), want FILLED", o.Status, o.Error)
	}
	legs := legsByStyle(t, h.m, o.ID)
	if legs[domain.StyleStop].Status != domain.StatusFilled {
		t.Errorf("stop leg status = %s, want FILLED", legs[domain.StyleStop].Status)
	}
	if legs[domain.StyleLimit].Status != domain.StatusCancelled {
		t.Errorf("limit leg status = %s, want CANCELLED", legs[domain.StyleLimit].Status)
	}
	placed := v.placements()
	if len(placed) != 1 || placed[0].Type != domain.OrderTypeMarket {
		t.Fatalf("placements = %+v, want one market order", placed)
	}
	if !o.Executions[0].Price.Equal(d("61000.05")) {
		t.Errorf("fill price = %s, want 61000.05", o.Executions[0].Price)
	}
}
