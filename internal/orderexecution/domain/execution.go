package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"
)

// Execution 一笔场所成交回报，创建后不可修改
type Execution struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	FragmentID   string          `json:"fragment_id,omitempty"`
	VenueID      string          `json:"venue_id"`
	VenueOrderID string          `json:"venue_order_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Fee          decimal.Decimal `json:"fee"`
	Timestamp    time.Time       `json:"timestamp"`
}

// NewExecution 创建成交记录
func NewExecution(orderID, fragmentID, venueID, venueOrderID string, qty, price, fee decimal.Decimal, at time.Time) *Execution {
	return &Execution{
		ID:           fmt.Sprintf("EXE-%d", idgen.GenID()),
		OrderID:      orderID,
		FragmentID:   fragmentID,
		VenueID:      venueID,
		VenueOrderID: venueOrderID,
		Quantity:     qty,
		Price:        price,
		Fee:          fee,
		Timestamp:    at,
	}
}

// Notional 成交金额
func (e *Execution) Notional() decimal.Decimal {
	return e.Quantity.Mul(e.Price)
}

// FragmentStatus 分片状态
type FragmentStatus string

const (
	FragmentPending         FragmentStatus = "PENDING"
	FragmentSubmitted       FragmentStatus = "SUBMITTED"
	FragmentFilled          FragmentStatus = "FILLED"
	FragmentPartiallyFilled FragmentStatus = "PARTIALLY_FILLED"
	FragmentFailed          FragmentStatus = "FAILED"
	FragmentSkipped         FragmentStatus = "SKIPPED"
	FragmentCancelled       FragmentStatus = "CANCELLED"
)

// Fragment 父订单拆分出的一个子片
type Fragment struct {
	ID       string          `json:"id"`
	OrderID  string          `json:"order_id"`
	Index    int             `json:"index"`
	Quantity decimal.Decimal `json:"quantity"`
	// Delay 相对上一分片的等待时间
	Delay time.Duration `json:"delay"`
	// Offset 相对调度起点的目标时刻
	Offset   time.Duration `json:"offset"`
	Priority int           `json:"priority"`
	// CumulativeTarget VWAP 截至本片应达到的累计成交量
	CumulativeTarget decimal.Decimal `json:"cumulative_target"`
	// CatchUp 末片补足剩余数量
	CatchUp bool `json:"catch_up,omitempty"`

	Status           FragmentStatus  `json:"status"`
	VenueID          string          `json:"venue_id,omitempty"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	Error            string          `json:"error,omitempty"`
}

func newFragment(orderID string, index int, qty decimal.Decimal) *Fragment {
	return &Fragment{
		ID:       fmt.Sprintf("%s-F%d", orderID, index),
		OrderID:  orderID,
		Index:    index,
		Quantity: qty,
		Priority: index,
		Status:   FragmentPending,
	}
}
