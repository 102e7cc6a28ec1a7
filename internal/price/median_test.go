package price

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestWeightedMedian(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		want   float64
		delta  float64
	}{
		{"empty", nil, 0, 0},
		{"single", []float64{3.5}, 3.5, 0},
		{"odd agreeing", []float64{1.0, 1.01, 0.99}, 1.0, 0.011},
		{"outlier ignored", []float64{1.0, 1.01, 0.99, 100.0}, 1.0, 0.02},
		{"two values", []float64{2.0, 2.1}, 2.0, 0.11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make([]decimal.Decimal, len(tt.prices))
			for i, p := range tt.prices {
				in[i] = dec(p)
			}
			got, _ := weightedMedian(in).Float64()
			assert.InDelta(t, tt.want, got, tt.delta)
		})
	}
}

func TestMaxPairwiseDeviationPct(t *testing.T) {
	// 1.00 vs 1.05 is a 5% spread relative to the smaller value.
	got := maxPairwiseDeviationPct([]decimal.Decimal{dec(1.00), dec(1.05)})
	f, _ := got.Float64()
	assert.InDelta(t, 5.0, f, 0.001)

	// Identical prices have zero deviation.
	got = maxPairwiseDeviationPct([]decimal.Decimal{dec(2), dec(2), dec(2)})
	assert.True(t, got.IsZero())
}
