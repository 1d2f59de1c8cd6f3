package algos

import (
	"testing"

	"github.com/shopspring/decimal"
)

func values(ns ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ns))
	for i, n := range ns {
		out[i] = decimal.NewFromInt(n)
	}
	return out
}

func TestSegmentTree_Query(t *testing.T) {
	st := NewSegmentTree(values(1, 3, 5, 7, 9, 11))

	tests := []struct {
		left, right int
		want        int64
	}{
		{0, 0, 1},
		{0, 5, 36},
		{1, 3, 15},
		{2, 4, 21},
		{5, 5, 11},
	}
	for _, tt := range tests {
		got, err := st.Query(tt.left, tt.right)
		if err != nil {
			t.Fatalf("Query(%d, %d) error = %v", tt.left, tt.right, err)
		}
		if !got.Equal(decimal.NewFromInt(tt.want)) {
			t.Errorf("Query(%d, %d) = %s, want %d", tt.left, tt.right, got, tt.want)
		}
	}
}

func TestSegmentTree_Update(t *testing.T) {
	st := NewSegmentTree(values(2, 4, 6))
	if err := st.Update(1, decimal.NewFromInt(10)); err != nil {
		t.Fatal(err)
	}
	if p, _ := st.Prefix(1); !p.Equal(decimal.NewFromInt(12)) {
		t.Errorf("Prefix(1) = %s, want 12", p)
	}
	if !st.Total().Equal(decimal.NewFromInt(18)) {
		t.Errorf("Total() = %s, want 18", st.Total())
	}
	if err := st.Update(3, decimal.Zero); err == nil {
		t.Error("Update out of range should fail")
	}
}

func TestSegmentTree_InvalidRange(t *testing.T) {
	st := NewSegmentTree(values(1, 2))
	for _, r := range [][2]int{{-1, 0}, {0, 2}, {1, 0}} {
		if _, err := st.Query(r[0], r[1]); err == nil {
			t.Errorf("Query(%d, %d) should fail", r[0], r[1])
		}
	}
	if !NewSegmentTree(nil).Total().IsZero() {
		t.Error("empty tree total should be zero")
	}
}
