package venue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
)

var (
	errUnknownSymbol = errors.New("unknown symbol")
	errUnknownOrder  = errors.New("unknown venue order")
	errOffline       = errors.New("venue offline")
	errInsufficient  = errors.New("insufficient balance")
	errOrderClosed   = errors.New("venue order already closed")
)

// SimulatedConfig 模拟场所参数
type SimulatedConfig struct {
	ID         string
	Symbols    []string
	StartPrice decimal.Decimal
	// Spread 买卖价差占价格的比例
	Spread decimal.Decimal
	// Volatility 每次报价随机游走的最大相对幅度
	Volatility float64
	// Liquidity 每档挂单量
	Liquidity decimal.Decimal
	MakerFee  decimal.Decimal
	TakerFee  decimal.Decimal
	Seed      uint64
	Balances  map[string]decimal.Decimal
}

type simOrder struct {
	req    domain.PlaceOrderRequest
	status domain.VenueOrderStatus
}

// SimulatedVenue 进程内撮合的模拟场所。
// 每次 GetQuote 推进一步价格：有脚本路径时按路径走，走完停在末值；否则随机游走。
type SimulatedVenue struct {
	cfg SimulatedConfig

	mu       sync.Mutex
	rng      *rand.Rand
	prices   map[string]decimal.Decimal
	paths    map[string][]decimal.Decimal
	orders   map[string]*simOrder
	balances map[string]domain.Balance
	seq      int
	offline  bool
}

// NewSimulatedVenue 创建模拟场所
func NewSimulatedVenue(cfg SimulatedConfig) *SimulatedVenue {
	if !cfg.Liquidity.IsPositive() {
		cfg.Liquidity = decimal.NewFromInt(1000)
	}
	v := &SimulatedVenue{
		cfg:      cfg,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		prices:   make(map[string]decimal.Decimal),
		paths:    make(map[string][]decimal.Decimal),
		orders:   make(map[string]*simOrder),
		balances: make(map[string]domain.Balance),
	}
	for _, s := range cfg.Symbols {
		v.prices[s] = cfg.StartPrice
	}
	for asset, free := range cfg.Balances {
		v.balances[asset] = domain.Balance{Asset: asset, Free: free}
	}
	return v
}

// SetPricePath 设定脚本价格路径
func (v *SimulatedVenue) SetPricePath(symbol string, path ...decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.paths[symbol] = slices.Clone(path)
	if _, ok := v.prices[symbol]; !ok && len(path) > 0 {
		v.prices[symbol] = path[0]
	}
}

// SetOffline 模拟断线
func (v *SimulatedVenue) SetOffline(offline bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.offline = offline
}

func (v *SimulatedVenue) ID() string { return v.cfg.ID }

func (v *SimulatedVenue) TestConnection(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.checkOnline(ctx, "test_connection")
}

func (v *SimulatedVenue) checkOnline(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.offline {
		return domain.NewTransientError(v.cfg.ID, op, errOffline)
	}
	return nil
}

// advance 推进一步价格，调用方持锁
func (v *SimulatedVenue) advance(symbol string) (decimal.Decimal, error) {
	if path := v.paths[symbol]; len(path) > 0 {
		v.prices[symbol] = path[0]
		if len(path) > 1 {
			v.paths[symbol] = path[1:]
		}
		return v.prices[symbol], nil
	}
	price, ok := v.prices[symbol]
	if !ok {
		return decimal.Zero, domain.NewPermanentError(v.cfg.ID, "get_quote", fmt.Errorf("%w %s", errUnknownSymbol, symbol))
	}
	if v.cfg.Volatility > 0 {
		step := (v.rng.Float64()*2 - 1) * v.cfg.Volatility
		price = price.Mul(decimal.NewFromFloat(1 + step)).Round(8)
		v.prices[symbol] = price
	}
	return price, nil
}

func (v *SimulatedVenue) touch(price decimal.Decimal) (bid, ask decimal.Decimal) {
	half := price.Mul(v.cfg.Spread).Div(decimal.NewFromInt(2))
	return price.Sub(half), price.Add(half)
}

func (v *SimulatedVenue) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOnline(ctx, "get_quote"); err != nil {
		return nil, err
	}
	price, err := v.advance(symbol)
	if err != nil {
		return nil, err
	}
	bid, ask := v.touch(price)
	return &domain.Quote{
		VenueID:   v.cfg.ID,
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Last:      price,
		Liquidity: v.cfg.Liquidity,
		Timestamp: time.Now(),
	}, nil
}

func (v *SimulatedVenue) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOnline(ctx, "get_order_book"); err != nil {
		return nil, err
	}
	price, ok := v.prices[symbol]
	if !ok {
		return nil, domain.NewPermanentError(v.cfg.ID, "get_order_book", fmt.Errorf("%w %s", errUnknownSymbol, symbol))
	}
	bid, ask := v.touch(price)
	tick := price.Mul(decimal.NewFromFloat(0.0005))
	book := &domain.OrderBook{VenueID: v.cfg.ID, Symbol: symbol, Timestamp: time.Now()}
	for i := 0; i < depth; i++ {
		off := tick.Mul(decimal.NewFromInt(int64(i)))
		book.Bids = append(book.Bids, domain.PriceLevel{Price: bid.Sub(off), Quantity: v.cfg.Liquidity})
		book.Asks = append(book.Asks, domain.PriceLevel{Price: ask.Add(off), Quantity: v.cfg.Liquidity})
	}
	return book, nil
}

func (v *SimulatedVenue) PlaceOrder(ctx context.Context, req *domain.PlaceOrderRequest) (*domain.PlacedOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOnline(ctx, "place_order"); err != nil {
		return nil, err
	}
	price, ok := v.prices[req.Symbol]
	if !ok {
		return nil, domain.NewPermanentError(v.cfg.ID, "place_order", fmt.Errorf("%w %s", errUnknownSymbol, req.Symbol))
	}
	v.seq++
	id := fmt.Sprintf("%s-%d", v.cfg.ID, v.seq)
	o := &simOrder{
		req:    *req,
		status: domain.VenueOrderStatus{VenueOrderID: id, State: domain.VenueOrderNew},
	}
	if err := v.tryMatch(o, price); err != nil {
		return nil, domain.NewPermanentError(v.cfg.ID, "place_order", err)
	}
	v.orders[id] = o
	return &domain.PlacedOrder{
		VenueOrderID:     id,
		State:            o.status.State,
		ExecutedQuantity: o.status.ExecutedQuantity,
		AveragePrice:     o.status.AveragePrice,
	}, nil
}

// tryMatch 市价单按对手价全部成交；限价单穿价时按限价成交，否则挂单
func (v *SimulatedVenue) tryMatch(o *simOrder, price decimal.Decimal) error {
	if o.status.State.Terminal() {
		return nil
	}
	bid, ask := v.touch(price)
	fill := decimal.Zero
	switch o.req.Type {
	case domain.OrderTypeMarket:
		fill = ask
		if o.req.Side == domain.SideSell {
			fill = bid
		}
	case domain.OrderTypeLimit:
		if o.req.Side == domain.SideBuy && !ask.GreaterThan(o.req.Price) ||
			o.req.Side == domain.SideSell && !bid.LessThan(o.req.Price) {
			fill = o.req.Price
		}
	}
	if !fill.IsPositive() {
		return nil
	}
	if err := v.settle(o.req, fill); err != nil {
		return err
	}
	o.status.State = domain.VenueOrderFilled
	o.status.ExecutedQuantity = o.req.Quantity
	o.status.AveragePrice = fill
	return nil
}

// settle 更新余额，未配置余额的资产不做检查
func (v *SimulatedVenue) settle(req domain.PlaceOrderRequest, price decimal.Decimal) error {
	base, quote := domain.SplitSymbol(req.Symbol)
	notional := req.Quantity.Mul(price)
	fee := notional.Mul(v.cfg.TakerFee)
	pay, payAmt, recv, recvAmt := quote, notional.Add(fee), base, req.Quantity
	if req.Side == domain.SideSell {
		pay, payAmt, recv, recvAmt = base, req.Quantity, quote, notional.Sub(fee)
	}
	if b, tracked := v.balances[pay]; tracked {
		if b.Free.LessThan(payAmt) {
			return fmt.Errorf("%w: %s free %s < %s", errInsufficient, pay, b.Free, payAmt)
		}
		b.Free = b.Free.Sub(payAmt)
		v.balances[pay] = b
	}
	if b, tracked := v.balances[recv]; tracked {
		b.Free = b.Free.Add(recvAmt)
		v.balances[recv] = b
	}
	return nil
}

func (v *SimulatedVenue) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*domain.VenueOrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOnline(ctx, "get_order_status"); err != nil {
		return nil, err
	}
	o, ok := v.orders[venueOrderID]
	if !ok {
		return nil, domain.NewPermanentError(v.cfg.ID, "get_order_status", fmt.Errorf("%w %s", errUnknownOrder, venueOrderID))
	}
	if err := v.tryMatch(o, v.prices[symbol]); err != nil {
		o.status.State = domain.VenueOrderRejected
	}
	st := o.status
	return &st, nil
}

func (v *SimulatedVenue) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOnline(ctx, "cancel_order"); err != nil {
		return err
	}
	o, ok := v.orders[venueOrderID]
	if !ok {
		return domain.NewPermanentError(v.cfg.ID, "cancel_order", fmt.Errorf("%w %s", errUnknownOrder, venueOrderID))
	}
	switch o.status.State {
	case domain.VenueOrderCancelled:
		return nil
	case domain.VenueOrderFilled, domain.VenueOrderRejected:
		return domain.NewPermanentError(v.cfg.ID, "cancel_order", errOrderClosed)
	}
	o.status.State = domain.VenueOrderCancelled
	return nil
}

func (v *SimulatedVenue) GetBalance(ctx context.Context) ([]domain.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOnline(ctx, "get_balance"); err != nil {
		return nil, err
	}
	out := make([]domain.Balance, 0, len(v.balances))
	for _, b := range v.balances {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b domain.Balance) int { return strings.Compare(a.Asset, b.Asset) })
	return out, nil
}

func (v *SimulatedVenue) GetTradingFees(ctx context.Context, symbol string) (*domain.TradingFees, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.TradingFees{Maker: v.cfg.MakerFee, Taker: v.cfg.TakerFee}, nil
}
