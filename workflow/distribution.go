package workflow

import (
	"math"

	"github.com/shopspring/decimal"
)

type DistributionAlgorithm string

const (
	DistributionLinear      DistributionAlgorithm = "linear"
	DistributionFrontLoaded DistributionAlgorithm = "front_loaded"
	DistributionBackLoaded  DistributionAlgorithm = "back_loaded"
	DistributionCustom      DistributionAlgorithm = "custom"
)

func (a DistributionAlgorithm) IsValid() bool {
	switch a {
	case DistributionLinear, DistributionFrontLoaded, DistributionBackLoaded, DistributionCustom:
		return true
	}
	return false
}

const DefaultWeightIntensity = 0.5

// Front-loaded presets over four periods, in percent. Row 0 is the most
// skewed, row 8 is flat. Back-loaded rows are the same rows reversed.
var frontLoadedWeights = [9][4]float64{
	{100, 0, 0, 0},
	{75, 25, 0, 0},
	{50, 50, 0, 0},
	{50, 30, 20, 0},
	{40, 30, 20, 10},
	{37.5, 27.5, 22.5, 12.5},
	{32.5, 27.5, 22.5, 17.5},
	{30, 25, 25, 20},
	{25, 25, 25, 25},
}

// WeightTableIndex picks the preset row nearest to intensity.
func WeightTableIndex(intensity float64) int {
	idx := int(math.Round(intensity * 8))
	if idx < 0 {
		return 0
	}
	if idx > 8 {
		return 8
	}
	return idx
}

// DistributionWeights returns n weights summing to 1 for the skewed
// algorithms, or equal weights for linear.
func DistributionWeights(algorithm DistributionAlgorithm, n int, intensity float64) []float64 {
	if n <= 0 {
		return nil
	}
	weights := make([]float64, n)
	if algorithm != DistributionFrontLoaded && algorithm != DistributionBackLoaded {
		for i := range weights {
			weights[i] = 1 / float64(n)
		}
		return weights
	}

	var buckets [4]float64
	row := frontLoadedWeights[WeightTableIndex(intensity)]
	for b := 0; b < 4; b++ {
		if algorithm == DistributionBackLoaded {
			buckets[b] = row[3-b] / 100
		} else {
			buckets[b] = row[b] / 100
		}
	}

	switch {
	case n == 4:
		copy(weights, buckets[:])
	case n < 4:
		for b := 0; b < 4; b++ {
			weights[b*n/4] += buckets[b]
		}
	default:
		var counts [4]int
		for i := 0; i < n; i++ {
			counts[i*4/n]++
		}
		for i := 0; i < n; i++ {
			b := i * 4 / n
			weights[i] = buckets[b] / float64(counts[b])
		}
	}
	return weights
}

// DistributeShares splits total over n periods by weight. Each share is
// rounded to cents and the remainder lands on the last period, so the
// shares always sum to total.
func DistributeShares(total decimal.Decimal, weights []float64) []decimal.Decimal {
	n := len(weights)
	if n == 0 {
		return nil
	}
	shares := make([]decimal.Decimal, n)
	assigned := decimal.Zero
	for i := 0; i < n-1; i++ {
		shares[i] = total.Mul(decimal.NewFromFloat(weights[i])).Round(2)
		assigned = assigned.Add(shares[i])
	}
	shares[n-1] = total.Sub(assigned)
	return shares
}

// CustomShares orders a caller-provided id -> share map along futureIds.
// Ids absent from the map absorb nothing. Cent rounding drift goes to the
// last period.
func CustomShares(total decimal.Decimal, futureIds []int, custom map[int]decimal.Decimal) []decimal.Decimal {
	n := len(futureIds)
	if n == 0 {
		return nil
	}
	shares := make([]decimal.Decimal, n)
	assigned := decimal.Zero
	for i, id := range futureIds {
		if v, ok := custom[id]; ok {
			shares[i] = v.Round(2)
		}
		assigned = assigned.Add(shares[i])
	}
	shares[n-1] = shares[n-1].Add(total.Sub(assigned))
	return shares
}
