package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/fsm"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestOrder(qty string) *Order {
	return NewOrder(&OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Style: StyleMarket, Quantity: d(qty)})
}

func exec(o *Order, qty, price string) *Execution {
	return NewExecution(o.ID, "", "v1", "vo-1", d(qty), d(price), decimal.Zero, time.Now())
}

func TestOrder_Lifecycle(t *testing.T) {
	o := newTestOrder("10")
	if o.Status != StatusPending {
		t.Fatalf("new order status = %s, want PENDING", o.Status)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := o.AppendExecution(exec(o, "4", "100")); err != nil {
		t.Fatalf("AppendExecution() error = %v", err)
	}
	if err := o.MarkPartiallyFilled(); err != nil {
		t.Fatalf("MarkPartiallyFilled() error = %v", err)
	}
	if err := o.AppendExecution(exec(o, "6", "110")); err != nil {
		t.Fatalf("AppendExecution() error = %v", err)
	}
	if err := o.Fill(); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}

	want := []Status{StatusPending, StatusExecuting, StatusPartiallyFilled, StatusFilled}
	if len(o.StatusHistory) != len(want) {
		t.Fatalf("StatusHistory = %v, want %v", o.StatusHistory, want)
	}
	for i := range want {
		if o.StatusHistory[i] != want[i] {
			t.Errorf("StatusHistory[%d] = %s, want %s", i, o.StatusHistory[i], want[i])
		}
	}
	if !o.IsTerminal() || o.ClosedAt == nil {
		t.Error("filled order should be closed")
	}
	if !o.Analytics.AveragePrice.Equal(d("106")) {
		t.Errorf("AveragePrice = %s, want 106", o.Analytics.AveragePrice)
	}
	if !o.Analytics.ExecutionRate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("ExecutionRate = %s, want 1", o.Analytics.ExecutionRate)
	}
}

func TestOrder_TerminalIsFinal(t *testing.T) {
	o := newTestOrder("1")
	if err := o.Cancel("user"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := o.Fill(); !errors.Is(err, ErrOrderTerminal) {
		t.Errorf("Fill() after cancel error = %v, want ErrOrderTerminal", err)
	}
	if err := o.AppendExecution(exec(o, "1", "1")); !errors.Is(err, ErrOrderTerminal) {
		t.Errorf("AppendExecution() after cancel error = %v, want ErrOrderTerminal", err)
	}
	if o.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", o.Status)
	}
}

func TestOrder_InvalidTransition(t *testing.T) {
	o := newTestOrder("1")
	if err := o.MarkPartiallyFilled(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("PENDING -> PARTIALLY_FILLED error = %v, want ErrInvalidTransition", err)
	}
}

func TestOrder_MachineTracksStatus(t *testing.T) {
	o := newTestOrder("2")
	steps := []struct {
		name string
		fn   func() error
	}{
		{"start", o.Start},
		{"partial", o.MarkPartiallyFilled},
		{"fill", o.Fill},
	}
	for _, st := range steps {
		if err := st.fn(); err != nil {
			t.Fatalf("%s error = %v", st.name, err)
		}
		if got := o.fsm.Current(); got != fsm.State(o.Status) {
			t.Errorf("after %s machine = %s, status = %s", st.name, got, o.Status)
		}
	}

	// 克隆后状态机从当前状态重建
	c := newTestOrder("1")
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	cp := c.Clone()
	if err := cp.Fail("venue down"); err != nil {
		t.Fatalf("Fail() on clone error = %v", err)
	}
	if cp.fsm.Current() != fsm.State(StatusFailed) || c.Status != StatusExecuting {
		t.Errorf("clone machine = %s, original status = %s", cp.fsm.Current(), c.Status)
	}
}

func TestOrder_AppendExecutionNeverExceedsQuantity(t *testing.T) {
	o := newTestOrder("5")
	if err := o.AppendExecution(exec(o, "3", "10")); err != nil {
		t.Fatal(err)
	}
	if err := o.AppendExecution(exec(o, "3", "10")); !errors.Is(err, ErrQuantityExceeded) {
		t.Errorf("error = %v, want ErrQuantityExceeded", err)
	}
	if !o.ExecutedQuantity().Equal(d("3")) {
		t.Errorf("executed = %s, want 3", o.ExecutedQuantity())
	}
	if !o.Remaining().Equal(d("2")) {
		t.Errorf("remaining = %s, want 2", o.Remaining())
	}
}

func TestOrder_Settle(t *testing.T) {
	tests := []struct {
		name     string
		executed string
		want     Status
	}{
		{"nothing executed", "0", StatusFailed},
		{"partial", "4", StatusPartiallyFilled},
		{"complete", "10", StatusFilled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrder("10")
			if err := o.BeginFragmenting(); err != nil {
				t.Fatal(err)
			}
			if d(tt.executed).IsPositive() {
				if err := o.AppendExecution(exec(o, tt.executed, "1")); err != nil {
					t.Fatal(err)
				}
			}
			if err := o.Settle("done"); err != nil {
				t.Fatalf("Settle() error = %v", err)
			}
			if o.Status != tt.want {
				t.Errorf("status = %s, want %s", o.Status, tt.want)
			}
			if !o.IsTerminal() {
				t.Error("settled order should be closed")
			}
		})
	}
}

func TestOrder_AdoptExecutionsSkipsDuplicates(t *testing.T) {
	parent := newTestOrder("10")
	child := newTestOrder("10")
	e := exec(child, "2", "5")
	if err := parent.AdoptExecutions([]*Execution{e}); err != nil {
		t.Fatal(err)
	}
	if err := parent.AdoptExecutions([]*Execution{e}); err != nil {
		t.Fatal(err)
	}
	if len(parent.Executions) != 1 {
		t.Errorf("executions = %d, want 1", len(parent.Executions))
	}
}

func TestOrder_CloneIsIndependent(t *testing.T) {
	o := newTestOrder("10")
	o.SetFragments([]*Fragment{newFragment(o.ID, 0, d("10"))})
	c := o.Clone()
	c.Fragments[0].Status = FragmentFilled
	c.AddChild("child")
	if o.Fragments[0].Status != FragmentPending {
		t.Error("mutating clone fragment changed original")
	}
	if len(o.ChildIDs) != 0 {
		t.Error("mutating clone children changed original")
	}
	// 克隆出的订单仍可继续迁移状态
	if err := c.Start(); err != nil {
		t.Errorf("Start() on clone error = %v", err)
	}
}

func TestOrder_VenueOrderTracking(t *testing.T) {
	o := newTestOrder("1")
	o.TrackVenueOrder(VenueOrderRef{VenueID: "v1", VenueOrderID: "a"})
	o.TrackVenueOrder(VenueOrderRef{VenueID: "v1", VenueOrderID: "b"})
	o.ReleaseVenueOrder("a")
	if len(o.OpenVenueOrders) != 1 || o.OpenVenueOrders[0].VenueOrderID != "b" {
		t.Errorf("OpenVenueOrders = %+v, want only b", o.OpenVenueOrders)
	}
}

func TestLimitCrossed(t *testing.T) {
	tests := []struct {
		side   Side
		market string
		limit  string
		want   bool
	}{
		{SideBuy, "99", "100", true},
		{SideBuy, "100", "100", true},
		{SideBuy, "101", "100", false},
		{SideSell, "101", "100", true},
		{SideSell, "99", "100", false},
		{SideBuy, "0", "100", false},
	}
	for _, tt := range tests {
		if got := LimitCrossed(tt.side, d(tt.market), d(tt.limit)); got != tt.want {
			t.Errorf("LimitCrossed(%s, %s, %s) = %v, want %v", tt.side, tt.market, tt.limit, got, tt.want)
		}
	}
}

func TestStopTriggered(t *testing.T) {
	tests := []struct {
		side   Side
		market string
		stop   string
		want   bool
	}{
		{SideBuy, "101", "100", true},
		{SideBuy, "99", "100", false},
		{SideSell, "99", "100", true},
		{SideSell, "100", "100", true},
		{SideSell, "101", "100", false},
		{SideSell, "0", "100", false},
	}
	for _, tt := range tests {
		if got := StopTriggered(tt.side, d(tt.market), d(tt.stop)); got != tt.want {
			t.Errorf("StopTriggered(%s, %s, %s) = %v, want %v", tt.side, tt.market, tt.stop, got, tt.want)
		}
	}
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct{ in, base, quote string }{
		{"BTC-USDT", "BTC", "USDT"},
		{"ETH/USD", "ETH", "USD"},
		{"SOL_USDC", "SOL", "USDC"},
		{"BTCUSDT", "BTCUSDT", ""},
	}
	for _, tt := range tests {
		b, q := SplitSymbol(tt.in)
		if b != tt.base || q != tt.quote {
			t.Errorf("SplitSymbol(%q) = %q, %q; want %q, %q", tt.in, b, q, tt.base, tt.quote)
		}
	}
}
