package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/infrastructure/history"
)

func newOrder(qty int64) *domain.Order {
	return domain.NewOrder(&domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.SideBuy,
		Style:    domain.StyleMarket,
		Quantity: decimal.NewFromInt(qty),
	})
}

func TestMemoryRegistry_GetReturnsSnapshot(t *testing.T) {
	r := NewMemoryRegistry(nil)
	ctx := context.Background()
	o := newOrder(1)
	if err := r.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := r.Create(ctx, o); err == nil {
		t.Error("duplicate Create should fail")
	}

	snap, err := r.Get(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	snap.Symbol = "CHANGED"
	again, _ := r.Get(ctx, o.ID)
	if again.Symbol != "BTCUSDT" {
		t.Error("mutating a snapshot changed the registry")
	}

	if _, err := r.Get(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrOrderNotFound", err)
	}
	if _, err := r.Update(ctx, "missing", func(*domain.Order) error { return nil }); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrOrderNotFound", err)
	}
}

func TestMemoryRegistry_UpdateSerializesPerOrder(t *testing.T) {
	r := NewMemoryRegistry(nil)
	ctx := context.Background()
	o := newOrder(100)
	if err := r.Create(ctx, o); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Update(ctx, o.ID, func(o *domain.Order) error {
				return o.AppendExecution(domain.NewExecution(o.ID, "", "v", "vo", decimal.NewFromInt(1), decimal.NewFromInt(10), decimal.Zero, time.Now()))
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, _ := r.Get(ctx, o.ID)
	if !got.ExecutedQuantity().Equal(decimal.NewFromInt(100)) {
		t.Errorf("executed = %s, want 100", got.ExecutedQuantity())
	}
	if len(got.Executions) != 100 {
		t.Errorf("executions = %d, want 100", len(got.Executions))
	}
}

func TestMemoryRegistry_UpdateReturnsFnError(t *testing.T) {
	r := NewMemoryRegistry(nil)
	ctx := context.Background()
	o := newOrder(1)
	_ = r.Create(ctx, o)
	_, _ = r.Update(ctx, o.ID, func(o *domain.Order) error { return o.Cancel("test") })

	snap, err := r.Update(ctx, o.ID, (*domain.Order).Fill)
	if !errors.Is(err, domain.ErrOrderTerminal) {
		t.Errorf("error = %v, want ErrOrderTerminal", err)
	}
	if snap == nil || snap.Status != domain.StatusCancelled {
		t.Errorf("snapshot = %+v, want CANCELLED", snap)
	}
}

func TestMemoryRegistry_ChildrenAndActive(t *testing.T) {
	r := NewMemoryRegistry(nil)
	ctx := context.Background()
	parent := newOrder(2)
	child := newOrder(1)
	parent.AddChild(child.ID)
	_ = r.Create(ctx, parent)
	_ = r.Create(ctx, child)

	children, err := r.Children(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 || children[0].ID != child.ID {
		t.Errorf("children = %v", children)
	}

	_, _ = r.Update(ctx, child.ID, func(o *domain.Order) error { return o.Fail("x") })
	active, _ := r.ListActive(ctx)
	if len(active) != 1 || active[0].ID != parent.ID {
		t.Errorf("active = %d orders, want only the parent", len(active))
	}
}

func TestMemoryRegistry_ArchiveFallsBackToHistory(t *testing.T) {
	h := history.NewMemoryHistory(0)
	r := NewMemoryRegistry(h)
	ctx := context.Background()
	o := newOrder(1)
	_ = r.Create(ctx, o)

	if _, err := r.Archive(ctx, o.ID); err == nil {
		t.Error("archiving an open order should fail")
	}
	_, _ = r.Update(ctx, o.ID, func(o *domain.Order) error { return o.Expire("deadline") })
	if _, err := r.Archive(ctx, o.ID); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	got, err := r.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get() after archive error = %v", err)
	}
	if got.Status != domain.StatusExpired {
		t.Errorf("status = %s, want EXPIRED", got.Status)
	}
	active, _ := r.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("active = %d, want 0", len(active))
	}
}
