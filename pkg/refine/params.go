// Package refine drives per-slice peak refinement: an external engine
// performs single optimization steps, and the controller sequences
// those steps through a fixed state machine with physical-bounds
// correction and convergence checking.
package refine

import "math"

// PeakParams holds one peak's fit parameters for one azimuthal slice.
type PeakParams struct {
	// Position is the peak center in degrees two-theta
	Position float64 `json:"pos"`
	// Area is the integrated intensity
	Area float64 `json:"int"`
	// Sigma is the Gaussian width component
	Sigma float64 `json:"sig"`
	// Gamma is the Lorentzian width component
	Gamma float64 `json:"gam"`
}

// Freedom selects which parameters the engine may change in one step.
type Freedom struct {
	Area     bool
	Position bool
	Sigma    bool
	Gamma    bool
}

// Any reports whether at least one parameter is free.
func (f Freedom) Any() bool {
	return f.Area || f.Position || f.Sigma || f.Gamma
}

// Spectrum is one azimuthal slice's angle-intensity histogram.
type Spectrum struct {
	Azimuth     float64
	Angles      []float64
	Intensities []float64
}

// Window restricts the histogram to the closed two-theta interval
// [lo, hi], returning a view over the original slices.
func (s Spectrum) Window(lo, hi float64) Spectrum {
	start, end := 0, len(s.Angles)
	for start < end && s.Angles[start] < lo {
		start++
	}
	for end > start && s.Angles[end-1] > hi {
		end--
	}
	return Spectrum{Azimuth: s.Azimuth, Angles: s.Angles[start:end], Intensities: s.Intensities[start:end]}
}

// SliceResult is the finished refinement output for one azimuthal slice.
type SliceResult struct {
	Azimuth    float64
	Peaks      []PeakParams
	Background []PeakParams
	Iterations int
	Converged  bool
}

// maxRelativeChange computes the largest relative parameter change
// between two snapshots of the same peak list. Parameters at zero in
// the previous snapshot compare by absolute change instead.
func maxRelativeChange(prev, cur []PeakParams) float64 {
	var worst float64
	for i := range cur {
		if i >= len(prev) {
			return math.Inf(1)
		}
		pairs := [4][2]float64{
			{prev[i].Position, cur[i].Position},
			{prev[i].Area, cur[i].Area},
			{prev[i].Sigma, cur[i].Sigma},
			{prev[i].Gamma, cur[i].Gamma},
		}
		for _, p := range pairs {
			delta := math.Abs(p[1] - p[0])
			if p[0] != 0 {
				delta /= math.Abs(p[0])
			}
			if delta > worst {
				worst = delta
			}
		}
	}
	return worst
}
