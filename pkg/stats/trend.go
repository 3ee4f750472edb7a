package stats

import (
	"gonum.org/v1/gonum/stat"
)

// Trend summarises the standard deviations of successive repeatability
// runs, oldest first.
type Trend struct {
	Runs int `json:"runs"`
	// MeanSigma and SpreadSigma are the sample mean and standard deviation
	// of the per-run deviations.
	MeanSigma   float64 `json:"mean_sigma"`
	SpreadSigma float64 `json:"spread_sigma"`
	// Slope is the least-squares change in deviation per run. A positive
	// slope means repeatability is getting worse.
	Slope float64 `json:"slope"`
}

// ComputeTrend fits the per-run deviations. Fewer than two runs yield no slope.
func ComputeTrend(sigmas []float64) Trend {
	t := Trend{Runs: len(sigmas)}
	switch len(sigmas) {
	case 0:
		return t
	case 1:
		t.MeanSigma = sigmas[0]
		return t
	}
	t.MeanSigma, t.SpreadSigma = stat.MeanStdDev(sigmas, nil)
	xs := make([]float64, len(sigmas))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, t.Slope = stat.LinearRegression(xs, sigmas, nil, false)
	return t
}
