package venue

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// intradayCurve 典型日内 U 型成交量曲线，开盘与收盘放量
var intradayCurve = []float64{0.15, 0.10, 0.05, 0.03, 0.02, 0.05, 0.20, 0.40}

// CurveVolumeProfile 以日内曲线插值出任意时段数的成交量分布
type CurveVolumeProfile struct {
	curve []decimal.Decimal
}

// NewCurveVolumeProfile 创建成交量分布提供者
func NewCurveVolumeProfile() *CurveVolumeProfile {
	curve := make([]decimal.Decimal, len(intradayCurve))
	for i, w := range intradayCurve {
		curve[i] = decimal.NewFromFloat(w)
	}
	return &CurveVolumeProfile{curve: curve}
}

// GetVolumeProfile 将曲线按 buckets 等分取样，各时段取所在曲线段的权重
func (p *CurveVolumeProfile) GetVolumeProfile(ctx context.Context, symbol string, buckets int) ([]decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if buckets <= 0 {
		return nil, fmt.Errorf("volume profile for %s: buckets must be positive, got %d", symbol, buckets)
	}
	out := make([]decimal.Decimal, buckets)
	n := len(p.curve)
	for i := range out {
		out[i] = p.curve[i*n/buckets]
	}
	return out, nil
}
