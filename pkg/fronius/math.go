package fronius

import "math"

// divideEpsilon is the threshold below which a denominator is treated as zero.
const divideEpsilon = 1e-12

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

// SafeDivide returns numerator/denominator, or 0 when the denominator is
// zero or near-zero.
func SafeDivide(numerator, denominator float64) float64 {
	if math.Abs(denominator) > divideEpsilon {
		return numerator / denominator
	}
	return 0
}
