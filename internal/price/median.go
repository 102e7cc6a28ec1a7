package price

import (
	"sort"

	"github.com/shopspring/decimal"
)

// weightedMedian resolves a single price from multiple observations.
// Sources far from the plain median get less weight, so one outlier
// source cannot drag the result the way a naive average would.
func weightedMedian(prices []decimal.Decimal) decimal.Decimal {
	switch len(prices) {
	case 0:
		return decimal.Zero
	case 1:
		return prices[0]
	}

	sorted := append([]decimal.Decimal(nil), prices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	mid := plainMedian(sorted)
	if mid.IsZero() {
		return mid
	}

	type weighted struct {
		price  decimal.Decimal
		weight float64
	}
	items := make([]weighted, len(sorted))
	var total float64
	for i, p := range sorted {
		dev, _ := p.Sub(mid).Abs().Div(mid).Float64()
		w := 1.0 / (1.0 + dev)
		items[i] = weighted{price: p, weight: w}
		total += w
	}

	// Walk cumulative weight to the halfway point.
	half := total / 2
	var cum float64
	for _, it := range items {
		cum += it.weight
		if cum >= half {
			return it.price
		}
	}
	return items[len(items)-1].price
}

func plainMedian(sorted []decimal.Decimal) decimal.Decimal {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
}

// maxPairwiseDeviationPct returns the largest relative deviation between
// any two observed prices, in percent of the smaller one.
func maxPairwiseDeviationPct(prices []decimal.Decimal) decimal.Decimal {
	max := decimal.Zero
	for i := 0; i < len(prices); i++ {
		for j := i + 1; j < len(prices); j++ {
			lo, hi := prices[i], prices[j]
			if hi.LessThan(lo) {
				lo, hi = hi, lo
			}
			if lo.IsZero() {
				continue
			}
			dev := hi.Sub(lo).Div(lo).Mul(decimal.NewFromInt(100))
			if dev.GreaterThan(max) {
				max = dev
			}
		}
	}
	return max
}
