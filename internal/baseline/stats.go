package baseline

import "math"

// mean returns the arithmetic mean of values, 0 for empty input.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev returns the population standard deviation of values.
func stddev(values []float64, m float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var variance float64
	for _, v := range values {
		diff := v - m
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(len(values)))
}

// zscore returns the absolute z-score of value against (m, sd).
// A zero sd is the caller's responsibility; see featureZ.
func zscore(value, m, sd float64) float64 {
	if sd == 0 {
		return 0
	}
	return math.Abs((value - m) / sd)
}

// percentileRank maps x to its empirical percentile (0-100) within samples,
// counting ties as "count <= x". Monotonic: x < y implies rank(x) <= rank(y).
func percentileRank(x float64, samples []float64) int {
	if len(samples) == 0 {
		return 0
	}
	le := 0
	for _, s := range samples {
		if s <= x {
			le++
		}
	}
	return int(100.0 * float64(le) / float64(len(samples)))
}
