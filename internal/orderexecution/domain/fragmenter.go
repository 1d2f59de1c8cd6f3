package domain

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/pkg/algos"
)

// FragmenterConfig 拆单参数
type FragmenterConfig struct {
	// MaxFragmentSize 单片最大数量，超过即按数量拆分
	MaxFragmentSize decimal.Decimal
	// QuantityPrecision 分片数量保留的小数位，向下取整
	QuantityPrecision int32
	// BaseDelay 分片间基础等待，StyleDelays 可按执行方式覆盖
	BaseDelay   time.Duration
	StyleDelays map[Style]time.Duration
	// JitterRatio 在基础等待上叠加 [0, ratio*base) 的抖动
	JitterRatio float64
	// IcebergVisibleRatio 冰山单默认显示比例
	IcebergVisibleRatio decimal.Decimal
	// VWAPMinFragmentSize 小于该数量的 VWAP 分片被丢弃
	VWAPMinFragmentSize decimal.Decimal
}

// Fragmenter 拆单器，相同订单参数总是得到相同的分片计划
type Fragmenter struct {
	cfg FragmenterConfig
}

// NewFragmenter 创建拆单器
func NewFragmenter(cfg FragmenterConfig) *Fragmenter {
	if cfg.QuantityPrecision <= 0 {
		cfg.QuantityPrecision = 8
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.JitterRatio < 0 {
		cfg.JitterRatio = 0
	}
	if !cfg.IcebergVisibleRatio.IsPositive() {
		cfg.IcebergVisibleRatio = decimal.NewFromFloat(0.1)
	}
	return &Fragmenter{cfg: cfg}
}

// NeedsSlicing 数量是否超过单片上限
func (f *Fragmenter) NeedsSlicing(qty decimal.Decimal) bool {
	return f.cfg.MaxFragmentSize.IsPositive() && qty.GreaterThan(f.cfg.MaxFragmentSize)
}

// Fragment 生成完整分片计划，冰山单除外
func (f *Fragmenter) Fragment(o *Order) ([]*Fragment, error) {
	switch o.Style {
	case StyleTWAP:
		return f.twap(o)
	case StyleVWAP:
		return f.vwap(o)
	case StyleIceberg:
		return nil, ErrIcebergLazy
	default:
		return f.bySize(o, o.Quantity, "", 0), nil
	}
}

// ForAllocations 多场所计划的分片，每个场所的份额再按单片上限拆分
func (f *Fragmenter) ForAllocations(o *Order, allocs []VenueAllocation) []*Fragment {
	var out []*Fragment
	for _, a := range allocs {
		out = append(out, f.bySize(o, a.Quantity, a.VenueID, len(out))...)
	}
	return out
}

// bySize 按单片上限等分，末片吸收余量；首片立即执行，其余等待基础时间加抖动
func (f *Fragmenter) bySize(o *Order, qty decimal.Decimal, venueID string, startIndex int) []*Fragment {
	count := int64(1)
	size := qty
	if f.NeedsSlicing(qty) {
		size = f.cfg.MaxFragmentSize
		count = qty.Div(size).Ceil().IntPart()
	}

	frags := make([]*Fragment, 0, count)
	assigned := decimal.Zero
	var offset time.Duration
	for i := int64(0); i < count; i++ {
		idx := startIndex + int(i)
		q := size
		if i == count-1 {
			q = qty.Sub(assigned)
		}
		frag := newFragment(o.ID, idx, q)
		frag.VenueID = venueID
		if idx > 0 {
			frag.Delay = f.delay(o, idx)
		}
		offset += frag.Delay
		frag.Offset = offset
		assigned = assigned.Add(q)
		frags = append(frags, frag)
	}
	return frags
}

func (f *Fragmenter) delay(o *Order, index int) time.Duration {
	base := f.cfg.BaseDelay
	if d, ok := f.cfg.StyleDelays[o.Style]; ok && d > 0 {
		base = d
	}
	if f.cfg.JitterRatio == 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(o.ID))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(index)))
	return base + time.Duration(rng.Float64()*f.cfg.JitterRatio*float64(base))
}

// twap 片数 ceil(duration/interval)，每片 quantity/count，末片吸收取整余量，间隔固定
func (f *Fragmenter) twap(o *Order) ([]*Fragment, error) {
	d, iv := o.Params.Duration, o.Params.Interval
	if d <= 0 || iv <= 0 {
		return nil, fmt.Errorf("twap requires positive duration and interval, got %s/%s", d, iv)
	}
	count := int64((d + iv - 1) / iv)
	size := o.Quantity.Div(decimal.NewFromInt(count)).Truncate(f.cfg.QuantityPrecision)

	frags := make([]*Fragment, 0, count)
	for i := int64(0); i < count; i++ {
		q := size
		if i == count-1 {
			q = o.Quantity.Sub(size.Mul(decimal.NewFromInt(count - 1)))
		}
		frag := newFragment(o.ID, int(i), q)
		frag.Offset = time.Duration(i) * iv
		if i > 0 {
			frag.Delay = iv
		}
		frags = append(frags, frag)
	}
	return frags, nil
}

// vwap 每个时段的数量按成交量权重分配，过小的时段丢弃；
// 每片记录累计目标，执行时按“目标-已成交”补齐，末片为追赶片
func (f *Fragmenter) vwap(o *Order) ([]*Fragment, error) {
	profile := o.Params.VolumeProfile
	if len(profile) == 0 {
		return nil, errors.New("vwap requires a volume profile")
	}
	tree := algos.NewSegmentTree(profile)
	total := tree.Total()
	if !total.IsPositive() {
		return nil, errors.New("vwap volume profile total must be positive")
	}
	period := o.Params.Duration / time.Duration(len(profile))

	var frags []*Fragment
	var prevOffset time.Duration
	assigned := decimal.Zero
	for i, vol := range profile {
		q := o.Quantity.Mul(vol).Div(total).Truncate(f.cfg.QuantityPrecision)
		if !q.IsPositive() || q.LessThan(f.cfg.VWAPMinFragmentSize) {
			continue
		}
		prefix, err := tree.Prefix(i)
		if err != nil {
			return nil, err
		}
		frag := newFragment(o.ID, len(frags), q)
		frag.Offset = time.Duration(i) * period
		frag.Delay = frag.Offset - prevOffset
		frag.CumulativeTarget = o.Quantity.Mul(prefix).Div(total).Truncate(f.cfg.QuantityPrecision)
		prevOffset = frag.Offset
		assigned = assigned.Add(q)
		frags = append(frags, frag)
	}

	if len(frags) == 0 {
		frag := newFragment(o.ID, 0, o.Quantity)
		frag.Offset = time.Duration(len(profile)-1) * period
		frag.Delay = frag.Offset
		frags = append(frags, frag)
		assigned = o.Quantity
	}
	last := frags[len(frags)-1]
	last.Quantity = last.Quantity.Add(o.Quantity.Sub(assigned))
	last.CumulativeTarget = o.Quantity
	last.CatchUp = true
	return frags, nil
}

// NextIcebergSlice 按剩余数量生成下一片冰山显示量，剩余为零时返回 nil
func (f *Fragmenter) NextIcebergSlice(o *Order, index int) *Fragment {
	remaining := o.Remaining()
	if !remaining.IsPositive() {
		return nil
	}
	visible := o.Params.VisibleSize
	if !visible.IsPositive() {
		ratio := o.Params.VisibleRatio
		if !ratio.IsPositive() {
			ratio = f.cfg.IcebergVisibleRatio
		}
		visible = o.Quantity.Mul(ratio).Truncate(f.cfg.QuantityPrecision)
	}
	if !visible.IsPositive() || visible.GreaterThan(remaining) {
		visible = remaining
	}
	frag := newFragment(o.ID, index, visible)
	if index > 0 {
		frag.Delay = f.delay(o, index)
	}
	return frag
}
