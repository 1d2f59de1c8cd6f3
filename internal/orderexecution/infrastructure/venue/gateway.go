// Package venue 场所适配器：调用保护网关、模拟场所、余额汇总与成交量分布
package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/pkg/logger"
	"github.com/wyfcoding/orderexecution/pkg/metrics"
	"github.com/wyfcoding/orderexecution/pkg/ratelimit"
)

// ErrRateLimited 场所调用配额耗尽
var ErrRateLimited = errors.New("venue call rate limited")

// GatewayConfig 网关参数
type GatewayConfig struct {
	// RateLimit 每秒调用次数，<=0 不限流
	RateLimit int
	RateBurst int
	// BreakerFailures 连续可重试失败达到该次数后熔断
	BreakerFailures  uint32
	BreakerTimeout   time.Duration
	BreakerInterval  time.Duration
	BreakerHalfOpens uint32
	// CallTimeout 单次调用超时
	CallTimeout time.Duration
}

// Gateway 包装场所适配器，依次施加限流、熔断与超时，并统一错误分类。
// 不做重试，重试由执行层按分片粒度完成。
type Gateway struct {
	inner   domain.VenueAdapter
	cfg     GatewayConfig
	limiter ratelimit.RateLimiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// NewGateway 创建网关，limiter 为 nil 时使用单机令牌桶
func NewGateway(inner domain.VenueAdapter, cfg GatewayConfig, limiter ratelimit.RateLimiter, m *metrics.Metrics) *Gateway {
	if limiter == nil {
		limiter = ratelimit.NewLocalRateLimiter()
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerHalfOpens == 0 {
		cfg.BreakerHalfOpens = 1
	}
	g := &Gateway{inner: inner, cfg: cfg, limiter: limiter, metrics: m}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "venue:" + inner.ID(),
		MaxRequests: cfg.BreakerHalfOpens,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "venue circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
			m.SetBreakerState(inner.ID(), int(to))
		},
	})
	return g
}

// Unwrap 返回被包装的适配器
func (g *Gateway) Unwrap() domain.VenueAdapter { return g.inner }

// BreakerState 当前熔断状态
func (g *Gateway) BreakerState() gobreaker.State { return g.breaker.State() }

// outcome 熔断器只统计可重试失败，不可重试错误作为成功结果带出
type outcome struct {
	value any
	err   error
}

func call[T any](ctx context.Context, g *Gateway, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	venueID := g.inner.ID()
	start := time.Now()

	if g.cfg.RateLimit > 0 {
		res, err := g.limiter.Allow(ctx, "venue:"+venueID, ratelimit.Limit{
			Rate:   g.cfg.RateLimit,
			Period: time.Second,
			Burst:  g.cfg.RateBurst,
		})
		if err != nil {
			logger.Warn(ctx, "venue rate limiter unavailable", "venue", venueID, "error", err)
		} else if !res.Allowed {
			g.metrics.RecordVenueCall(venueID, op, "rate_limited", time.Since(start).Seconds())
			return zero, domain.NewTransientError(venueID, op, fmt.Errorf("%w, retry after %s", ErrRateLimited, res.RetryAfter))
		}
	}

	raw, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx := ctx
		if g.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
			defer cancel()
		}
		v, err := fn(callCtx)
		err = classify(venueID, op, err)
		if err != nil && domain.IsTransient(err) {
			return nil, err
		}
		return outcome{value: v, err: err}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = domain.NewTransientError(venueID, op, err)
		}
		g.metrics.RecordVenueCall(venueID, op, "transient", time.Since(start).Seconds())
		return zero, err
	}

	out := raw.(outcome)
	if out.err != nil {
		g.metrics.RecordVenueCall(venueID, op, "permanent", time.Since(start).Seconds())
		return zero, out.err
	}
	g.metrics.RecordVenueCall(venueID, op, "ok", time.Since(start).Seconds())
	v, _ := out.value.(T)
	return v, nil
}

// classify 未分类错误：超时与取消视为可重试，其余保持适配器的判定，缺省按可重试处理
func classify(venueID, op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *domain.VenueError
	if errors.As(err, &ve) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewTransientError(venueID, op, err)
}

func (g *Gateway) ID() string { return g.inner.ID() }

func (g *Gateway) TestConnection(ctx context.Context) error {
	_, err := call(ctx, g, "test_connection", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.TestConnection(ctx)
	})
	return err
}

func (g *Gateway) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	return call(ctx, g, "get_quote", func(ctx context.Context) (*domain.Quote, error) {
		return g.inner.GetQuote(ctx, symbol)
	})
}

func (g *Gateway) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	return call(ctx, g, "get_order_book", func(ctx context.Context) (*domain.OrderBook, error) {
		return g.inner.GetOrderBook(ctx, symbol, depth)
	})
}

func (g *Gateway) PlaceOrder(ctx context.Context, req *domain.PlaceOrderRequest) (*domain.PlacedOrder, error) {
	return call(ctx, g, "place_order", func(ctx context.Context) (*domain.PlacedOrder, error) {
		return g.inner.PlaceOrder(ctx, req)
	})
}

func (g *Gateway) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*domain.VenueOrderStatus, error) {
	return call(ctx, g, "get_order_status", func(ctx context.Context) (*domain.VenueOrderStatus, error) {
		return g.inner.GetOrderStatus(ctx, symbol, venueOrderID)
	})
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	_, err := call(ctx, g, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CancelOrder(ctx, symbol, venueOrderID)
	})
	return err
}

func (g *Gateway) GetBalance(ctx context.Context) ([]domain.Balance, error) {
	return call(ctx, g, "get_balance", func(ctx context.Context) ([]domain.Balance, error) {
		return g.inner.GetBalance(ctx)
	})
}

func (g *Gateway) GetTradingFees(ctx context.Context, symbol string) (*domain.TradingFees, error) {
	return call(ctx, g, "get_trading_fees", func(ctx context.Context) (*domain.TradingFees, error) {
		return g.inner.GetTradingFees(ctx, symbol)
	})
}
