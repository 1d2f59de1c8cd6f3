package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/infrastructure/history"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/infrastructure/messaging"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/infrastructure/registry"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// stepClock 每次等待都立即把虚拟时间推进相应时长
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(dur time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *stepClock) elapsed(since time.Time) time.Duration {
	return c.Now().Sub(since)
}

// scriptVenue 按脚本报价与成交的场所：买卖价为中间价上下 0.05，吃单费率 0.001。
type scriptVenue struct {
	id string

	mu sync.Mutex
	// mid 当前中间价；path 非空时每次取报价消耗一个价格，耗尽后保持最后一个
	mid  decimal.Decimal
	path []decimal.Decimal
	// moves 第 n 笔下单之后把中间价改为给定值
	moves map[int]decimal.Decimal
	// placeErrs 第 n 笔下单返回的错误
	placeErrs map[int]error
	// restLimit 限价单一律挂单，挂单时成交 restFill
	restLimit bool
	restFill  decimal.Decimal
	// statusErr 非空时查询委托状态一律返回该错误
	statusErr error
	// cancelDelay 撤单调用的耗时
	cancelDelay time.Duration
	placed      []domain.PlaceOrderRequest
	orders    map[string]*domain.VenueOrderStatus
	cancels   int
}

func newScriptVenue(id, mid string) *scriptVenue {
	return &scriptVenue{
		id:        id,
		mid:       d(mid),
		moves:     make(map[int]decimal.Decimal),
		placeErrs: make(map[int]error),
		orders:    make(map[string]*domain.VenueOrderStatus),
	}
}

func (v *scriptVenue) touch(symbol string) *domain.Quote {
	spread := d("0.05")
	return &domain.Quote{
		VenueID:   v.id,
		Symbol:    symbol,
		Bid:       v.mid.Sub(spread),
		Ask:       v.mid.Add(spread),
		Last:      v.mid,
		Liquidity: d("1000"),
		Timestamp: time.Now(),
	}
}

func (v *scriptVenue) ID() string { return v.id }

func (v *scriptVenue) TestConnection(context.Context) error { return nil }

func (v *scriptVenue) GetQuote(_ context.Context, symbol string) (*domain.Quote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.path) > 0 {
		v.mid = v.path[0]
		v.path = v.path[1:]
	}
	return v.touch(symbol), nil
}

func (v *scriptVenue) GetOrderBook(_ context.Context, symbol string, _ int) (*domain.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	q := v.touch(symbol)
	return &domain.OrderBook{
		VenueID: v.id,
		Symbol:  symbol,
		Bids:    []domain.PriceLevel{{Price: q.Bid, Quantity: q.Liquidity}},
		Asks:    []domain.PriceLevel{{Price: q.Ask, Quantity: q.Liquidity}},
	}, nil
}

func (v *scriptVenue) PlaceOrder(_ context.Context, req *domain.PlaceOrderRequest) (*domain.PlacedOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.placed) + 1
	v.placed = append(v.placed, *req)
	if err := v.placeErrs[n]; err != nil {
		return nil, err
	}

	st := &domain.VenueOrderStatus{VenueOrderID: fmt.Sprintf("%s-%d", v.id, n), State: domain.VenueOrderNew}
	price := v.touch(req.Symbol).TakerPrice(req.Side)
	switch {
	case req.Type == domain.OrderTypeMarket:
		st.State, st.ExecutedQuantity, st.AveragePrice = domain.VenueOrderFilled, req.Quantity, price
	case v.restLimit:
		if v.restFill.IsPositive() {
			st.State, st.ExecutedQuantity, st.AveragePrice = domain.VenueOrderPartiallyFilled, v.restFill, req.Price
		}
	case domain.LimitCrossed(req.Side, price, req.Price):
		st.State, st.ExecutedQuantity, st.AveragePrice = domain.VenueOrderFilled, req.Quantity, price
	}
	v.orders[st.VenueOrderID] = st
	if mv, ok := v.moves[n]; ok {
		v.mid = mv
	}
	return &domain.PlacedOrder{
		VenueOrderID:     st.VenueOrderID,
		State:            st.State,
		ExecutedQuantity: st.ExecutedQuantity,
		AveragePrice:     st.AveragePrice,
	}, nil
}

func (v *scriptVenue) GetOrderStatus(_ context.Context, _, venueOrderID string) (*domain.VenueOrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.statusErr != nil {
		return nil, v.statusErr
	}
	st, ok := v.orders[venueOrderID]
	if !ok {
		return nil, domain.NewPermanentError(v.id, "GetOrderStatus", fmt.Errorf("unknown order %s", venueOrderID))
	}
	cp := *st
	return &cp, nil
}

func (v *scriptVenue) CancelOrder(_ context.Context, _, venueOrderID string) error {
	time.Sleep(v.cancelDelay)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancels++
	if st, ok := v.orders[venueOrderID]; ok && !st.State.Terminal() {
		st.State = domain.VenueOrderCancelled
	}
	return nil
}

func (v *scriptVenue) GetBalance(context.Context) ([]domain.Balance, error) { return nil, nil }

func (v *scriptVenue) GetTradingFees(context.Context, string) (*domain.TradingFees, error) {
	return &domain.TradingFees{Maker: d("0.001"), Taker: d("0.001")}, nil
}

func (v *scriptVenue) placements() []domain.PlaceOrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.PlaceOrderRequest(nil), v.placed...)
}

func (v *scriptVenue) orderState(venueOrderID string) domain.VenueOrderState {
	v.mu.Lock()
	defer v.mu.Unlock()
	if st, ok := v.orders[venueOrderID]; ok {
		return st.State
	}
	return ""
}

// awaitPlacements 真实时钟下等待场所收到 n 笔下单
func (v *scriptVenue) awaitPlacements(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(v.placements()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("venue received %d placements, want %d", len(v.placements()), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (v *scriptVenue) cancelCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancels
}

type harness struct {
	m      *ExecutionManager
	venue  *scriptVenue
	events *messaging.Recorder
	clock  *stepClock
}

type option func(*Config, *Dependencies)

func withClock(c domain.Clock) option {
	return func(_ *Config, deps *Dependencies) { deps.Clock = c }
}

func newHarness(t *testing.T, venue *scriptVenue, opts ...option) *harness {
	t.Helper()
	clock := newStepClock()
	rec := &messaging.Recorder{}
	cfg := Config{
		PollInterval: time.Second,
		MaxSlippage:  d("0.01"),
		MaxRetries:   2,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
	}
	deps := Dependencies{
		Repo:       registry.NewMemoryRegistry(history.NewMemoryHistory(100)),
		Router:     domain.NewVenueRouter(domain.RouterConfig{}, venue),
		Validator:  domain.NewValidator(domain.ValidatorConfig{MinQuantity: d("0.0001"), MaxQuantity: d("10000")}),
		Fragmenter: domain.NewFragmenter(domain.FragmenterConfig{BaseDelay: time.Second}),
		Publisher:  rec,
		Clock:      clock,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	m := NewExecutionManager(cfg, deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &harness{m: m, venue: venue, events: rec, clock: clock}
}

// run 提交并等待执行结束
func (h *harness) run(t *testing.T, req *domain.OrderRequest) *domain.Order {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, err := h.m.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	final, err := h.m.Wait(ctx, o.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return final
}

func marketBuy(qty string) *domain.OrderRequest {
	return &domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Style: domain.StyleMarket, Quantity: d(qty)}
}
