package score

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name        string
		verified    uint64
		commitments uint64
		want        uint16
	}{
		{"no commitments", 0, 0, 0},
		{"none revealed", 0, 1, 0},
		{"all revealed", 1, 1, 10000},
		{"half", 1, 2, 5000},
		{"third truncates", 1, 3, 3333},
		{"two thirds truncates", 2, 3, 6666},
		{"large counters", math.MaxUint64 - 1, math.MaxUint64, 9999},
		{"clamped", 5, 3, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compute(tt.verified, tt.commitments))
		})
	}
}

func TestComputeBounds(t *testing.T) {
	for c := uint64(0); c < 200; c++ {
		for v := uint64(0); v <= c; v++ {
			s := Compute(v, c)
			assert.LessOrEqual(t, s, uint16(Max))
			if c == 0 {
				assert.Zero(t, s)
			}
			if v == c && c > 0 {
				assert.Equal(t, uint16(Max), s)
			}
		}
	}
}

func TestLevel(t *testing.T) {
	assert.Equal(t, TrustUnrated, Level(0, 0))
	assert.Equal(t, TrustLow, Level(0, 10))
	assert.Equal(t, TrustLow, Level(3, 10))
	assert.Equal(t, TrustMedium, Level(4, 10))
	assert.Equal(t, TrustMedium, Level(7, 10))
	assert.Equal(t, TrustHigh, Level(8, 10))
	assert.Equal(t, TrustHigh, Level(10, 10))
}

func TestPercent(t *testing.T) {
	assert.InDelta(t, 66.66, Percent(6666), 0.0001)
}
