package venue

import (
	"context"
	"sync"
	"time"

	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// PortfolioTracker 汇总各场所余额，为事前风控提供组合快照
type PortfolioTracker struct {
	venues   []domain.VenueAdapter
	maxAge   time.Duration
	mu       sync.RWMutex
	snapshot *domain.PortfolioSnapshot
}

// NewPortfolioTracker maxAge 内的快照直接复用
func NewPortfolioTracker(maxAge time.Duration, venues ...domain.VenueAdapter) *PortfolioTracker {
	return &PortfolioTracker{venues: venues, maxAge: maxAge}
}

// Snapshot 返回缓存快照，过期时刷新
func (t *PortfolioTracker) Snapshot(ctx context.Context) (*domain.PortfolioSnapshot, error) {
	t.mu.RLock()
	s := t.snapshot
	t.mu.RUnlock()
	if s != nil && time.Since(s.AsOf) < t.maxAge {
		return s, nil
	}
	return t.Refresh(ctx)
}

// Refresh 并发拉取所有场所余额，单个场所失败只记录告警
func (t *PortfolioTracker) Refresh(ctx context.Context) (*domain.PortfolioSnapshot, error) {
	results := make([][]domain.Balance, len(t.venues))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range t.venues {
		g.Go(func() error {
			balances, err := v.GetBalance(gctx)
			if err != nil {
				logger.Warn(ctx, "balance refresh failed", "venue", v.ID(), "error", err)
				return nil
			}
			results[i] = balances
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := &domain.PortfolioSnapshot{
		Balances: make(map[string]domain.Balance),
		ByVenue:  make(map[string][]domain.Balance),
		AsOf:     time.Now(),
	}
	for i, balances := range results {
		if balances == nil {
			continue
		}
		s.ByVenue[t.venues[i].ID()] = balances
		for _, b := range balances {
			agg := s.Balances[b.Asset]
			agg.Asset = b.Asset
			agg.Free = agg.Free.Add(b.Free)
			agg.Locked = agg.Locked.Add(b.Locked)
			s.Balances[b.Asset] = agg
		}
	}

	t.mu.Lock()
	t.snapshot = s
	t.mu.Unlock()
	return s, nil
}

// Run 按固定间隔刷新，ctx 结束时退出
func (t *PortfolioTracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := t.Refresh(ctx); err != nil {
			logger.Warn(ctx, "portfolio refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
