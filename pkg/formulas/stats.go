package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mean returns the arithmetic mean of data, or 0 for an empty slice.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev returns the sample standard deviation of data, or 0 for an empty
// slice.
func StdDev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Returns converts a price series into simple percentage returns.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			out[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}
	return out
}

// Correlation returns the Pearson correlation coefficient between x and y.
// Returns 0 if the series differ in length or are empty.
func Correlation(x, y []float64) float64 {
	if len(x) == 0 || len(y) == 0 || len(x) != len(y) {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

// Slope performs a simple linear regression of y against an implicit
// 0..n-1 index and returns the slope, used as an ADX-free trend proxy by the
// regime detector.
func Slope(y []float64) float64 {
	n := len(y)
	if n < 2 {
		return 0
	}
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}
	_, slope := stat.LinearRegression(x, y, nil, false)
	return slope
}

// AnnualizedVolatility scales a daily-return standard deviation to an
// annualized figure (252 trading sessions).
func AnnualizedVolatility(dailyReturns []float64) float64 {
	return StdDev(dailyReturns) * math.Sqrt(252)
}
