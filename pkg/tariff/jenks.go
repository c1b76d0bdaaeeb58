package tariff

import (
	"math"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// jenksBreaks partitions ascending prices into at most classes groups with
// minimal within-group variance (Fisher-Jenks) and returns the upper bound of
// every group but the last. The class count is capped at the number of
// distinct prices.
func jenksBreaks(sorted []decimal.Decimal, classes int) []decimal.Decimal {
	distinct := len(lo.UniqBy(sorted, func(d decimal.Decimal) string {
		return d.String()
	}))
	k := min(classes, distinct)
	if k <= 1 {
		return nil
	}

	n := len(sorted)
	data := make([]float64, n)
	for i, d := range sorted {
		data[i] = d.InexactFloat64()
	}

	// lower[l][j] is the 1-based index of the first element of the last class
	// when the first l elements are split into j classes
	lower := make([][]int, n+1)
	variance := make([][]float64, n+1)
	for i := range lower {
		lower[i] = make([]int, k+1)
		variance[i] = make([]float64, k+1)
	}
	for j := 1; j <= k; j++ {
		lower[1][j] = 1
		for i := 2; i <= n; i++ {
			variance[i][j] = math.Inf(1)
		}
	}

	for l := 2; l <= n; l++ {
		var sum, sumSquares, w, v float64
		for m := 1; m <= l; m++ {
			i3 := l - m + 1
			val := data[i3-1]
			sumSquares += val * val
			sum += val
			w++
			v = sumSquares - (sum*sum)/w
			i4 := i3 - 1
			if i4 == 0 {
				continue
			}
			for j := 2; j <= k; j++ {
				if variance[l][j] >= v+variance[i4][j-1] {
					lower[l][j] = i3
					variance[l][j] = v + variance[i4][j-1]
				}
			}
		}
		lower[l][1] = 1
		variance[l][1] = v
	}

	breaks := make([]decimal.Decimal, k-1)
	end := n
	for j := k; j >= 2; j-- {
		start := lower[end][j]
		// the previous class ends just before this one starts
		breaks[j-2] = sorted[start-2]
		end = start - 1
	}
	return breaks
}
