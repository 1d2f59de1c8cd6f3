package domain

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType 场所侧委托类型
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// VenueOrderState 场所侧委托状态
type VenueOrderState string

const (
	VenueOrderNew             VenueOrderState = "NEW"
	VenueOrderPartiallyFilled VenueOrderState = "PARTIALLY_FILLED"
	VenueOrderFilled          VenueOrderState = "FILLED"
	VenueOrderCancelled       VenueOrderState = "CANCELLED"
	VenueOrderRejected        VenueOrderState = "REJECTED"
)

// Terminal 场所委托是否已终结
func (s VenueOrderState) Terminal() bool {
	return s == VenueOrderFilled || s == VenueOrderCancelled || s == VenueOrderRejected
}

// Quote 场所报价快照
type Quote struct {
	VenueID   string          `json:"venue_id"`
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Timestamp time.Time       `json:"timestamp"`
}

// TakerPrice 主动成交方向的对手价：买看卖一，卖看买一
func (q *Quote) TakerPrice(side Side) decimal.Decimal {
	if side == SideBuy {
		return q.Ask
	}
	return q.Bid
}

// LastPrice 最新价，缺失时取中间价
func (q *Quote) LastPrice() decimal.Decimal {
	if q.Last.IsPositive() {
		return q.Last
	}
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return decimal.Max(q.Bid, q.Ask)
}

// PriceLevel 盘口档位
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook 场所盘口
type OrderBook struct {
	VenueID   string       `json:"venue_id"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Depth 主动成交方向可吃的总挂单量
func (b *OrderBook) Depth(side Side) decimal.Decimal {
	levels := b.Asks
	if side == SideSell {
		levels = b.Bids
	}
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Quantity)
	}
	return total
}

// PlaceOrderRequest 场所下单请求
type PlaceOrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
}

// PlacedOrder 场所下单回执，市价单通常直接带成交
type PlacedOrder struct {
	VenueOrderID     string          `json:"venue_order_id"`
	State            VenueOrderState `json:"state"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	AveragePrice     decimal.Decimal `json:"average_price"`
}

// VenueOrderStatus 场所委托查询结果
type VenueOrderStatus struct {
	VenueOrderID     string          `json:"venue_order_id"`
	State            VenueOrderState `json:"state"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	AveragePrice     decimal.Decimal `json:"average_price"`
}

// Balance 单一资产余额
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total 可用与冻结之和
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// TradingFees 场所费率
type TradingFees struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// VenueAdapter 交易场所适配器，由基础设施层实现
type VenueAdapter interface {
	ID() string
	TestConnection(ctx context.Context) error
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlacedOrder, error)
	GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*VenueOrderStatus, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	GetBalance(ctx context.Context) ([]Balance, error)
	GetTradingFees(ctx context.Context, symbol string) (*TradingFees, error)
}

// VolumeProfileProvider 提供标的的历史成交量分布，VWAP 未显式给出分布时使用
type VolumeProfileProvider interface {
	GetVolumeProfile(ctx context.Context, symbol string, buckets int) ([]decimal.Decimal, error)
}

// SplitSymbol 拆分交易对，支持 BTC-USDT、BTC/USDT、BTC_USDT
func SplitSymbol(symbol string) (base, quote string) {
	for _, sep := range []string{"-", "/", "_"} {
		if b, q, ok := strings.Cut(symbol, sep); ok {
			return b, q
		}
	}
	return symbol, ""
}
