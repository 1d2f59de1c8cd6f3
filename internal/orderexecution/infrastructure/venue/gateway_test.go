package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
)

// flakyVenue 按脚本返回错误的场所
type flakyVenue struct {
	*SimulatedVenue
	quoteErr error
	calls    int
}

func (f *flakyVenue) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	f.calls++
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return f.SimulatedVenue.GetQuote(ctx, symbol)
}

func TestGateway_ClassifiesUnknownErrorsAsTransient(t *testing.T) {
	inner := &flakyVenue{SimulatedVenue: newSim(nil), quoteErr: errors.New("connection reset")}
	g := NewGateway(inner, GatewayConfig{BreakerFailures: 10}, nil, nil)

	_, err := g.GetQuote(context.Background(), "BTC-USDT")
	if !domain.IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestGateway_BreakerOpensOnTransientFailures(t *testing.T) {
	inner := &flakyVenue{SimulatedVenue: newSim(nil), quoteErr: domain.NewTransientError("sim", "get_quote", errors.New("timeout"))}
	g := NewGateway(inner, GatewayConfig{BreakerFailures: 3, BreakerTimeout: time.Minute}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = g.GetQuote(ctx, "BTC-USDT")
	}
	if g.BreakerState() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", g.BreakerState())
	}
	_, err := g.GetQuote(ctx, "BTC-USDT")
	if !domain.IsTransient(err) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("error while open = %v, want transient open state", err)
	}
	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls)
	}
}

func TestGateway_PermanentErrorsDoNotTrip(t *testing.T) {
	inner := &flakyVenue{SimulatedVenue: newSim(nil), quoteErr: domain.NewPermanentError("sim", "get_quote", errors.New("unknown symbol"))}
	g := NewGateway(inner, GatewayConfig{BreakerFailures: 2}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.GetQuote(ctx, "BTC-USDT")
		if err == nil || domain.IsTransient(err) {
			t.Fatalf("call %d error = %v, want permanent", i, err)
		}
	}
	if g.BreakerState() != gobreaker.StateClosed {
		t.Errorf("breaker state = %s, want closed", g.BreakerState())
	}
}

func TestGateway_RateLimit(t *testing.T) {
	g := NewGateway(newSim(nil), GatewayConfig{RateLimit: 1, RateBurst: 2}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := g.GetQuote(ctx, "BTC-USDT"); err != nil {
			t.Fatalf("call %d within burst error = %v", i, err)
		}
	}
	_, err := g.GetQuote(ctx, "BTC-USDT")
	if !errors.Is(err, ErrRateLimited) || !domain.IsTransient(err) {
		t.Errorf("error = %v, want transient ErrRateLimited", err)
	}
}

func TestGateway_PassesResults(t *testing.T) {
	g := NewGateway(newSim(nil), GatewayConfig{}, nil, nil)
	ctx := context.Background()
	placed, err := g.PlaceOrder(ctx, &domain.PlaceOrderRequest{Symbol: "BTC-USDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: dec("1")})
	if err != nil {
		t.Fatal(err)
	}
	st, err := g.GetOrderStatus(ctx, "BTC-USDT", placed.VenueOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.VenueOrderFilled {
		t.Errorf("state = %s, want FILLED", st.State)
	}
	if g.ID() != "sim" || g.Unwrap() == nil {
		t.Error("gateway should expose the wrapped venue")
	}
}
