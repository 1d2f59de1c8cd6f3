// Package algos 线段树，用于成交量分布的区间和与前缀和查询
package algos

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SegmentTree 区间和线段树，自底向上存储，查询与单点更新均为 O(log n)
type SegmentTree struct {
	tree []decimal.Decimal
	n    int
}

// NewSegmentTree 创建线段树
func NewSegmentTree(values []decimal.Decimal) *SegmentTree {
	n := len(values)
	st := &SegmentTree{tree: make([]decimal.Decimal, 2*n), n: n}
	for i, v := range values {
		st.tree[n+i] = v
	}
	for i := n - 1; i > 0; i-- {
		st.tree[i] = st.tree[2*i].Add(st.tree[2*i+1])
	}
	return st
}

// Len 叶子数量
func (st *SegmentTree) Len() int { return st.n }

// Update 更新指定位置的值
func (st *SegmentTree) Update(index int, value decimal.Decimal) error {
	if index < 0 || index >= st.n {
		return fmt.Errorf("index %d out of range [0,%d)", index, st.n)
	}
	i := index + st.n
	st.tree[i] = value
	for i > 1 {
		i /= 2
		st.tree[i] = st.tree[2*i].Add(st.tree[2*i+1])
	}
	return nil
}

// Query 闭区间 [left, right] 求和
func (st *SegmentTree) Query(left, right int) (decimal.Decimal, error) {
	if left < 0 || right >= st.n || left > right {
		return decimal.Zero, fmt.Errorf("invalid range [%d,%d] for size %d", left, right, st.n)
	}
	sum := decimal.Zero
	l, r := left+st.n, right+st.n+1
	for l < r {
		if l&1 == 1 {
			sum = sum.Add(st.tree[l])
			l++
		}
		if r&1 == 1 {
			r--
			sum = sum.Add(st.tree[r])
		}
		l /= 2
		r /= 2
	}
	return sum, nil
}

// Prefix 前 index+1 个元素之和
func (st *SegmentTree) Prefix(index int) (decimal.Decimal, error) {
	return st.Query(0, index)
}

// Total 全部元素之和
func (st *SegmentTree) Total() decimal.Decimal {
	if st.n == 0 {
		return decimal.Zero
	}
	sum, _ := st.Query(0, st.n-1)
	return sum
}
