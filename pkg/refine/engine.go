package refine

import (
	"context"
	"math"

	"github.com/materialsio/peakflow/pkg/errors"
)

// Engine performs one local optimization step over a spectrum. The
// engine is an opaque per-call black box: given the current peak and
// background parameters and the freedom masks for this step, it returns
// updated parameter lists of the same lengths, or an error on a failed
// fit. Implementations must not retain or mutate the input slices.
type Engine interface {
	Refine(ctx context.Context, spec Spectrum, peaks, background []PeakParams,
		peakFreedom, backgroundFreedom Freedom) ([]PeakParams, []PeakParams, error)
}

// MomentEngine estimates peak parameters from windowed intensity
// moments: area from the baseline-subtracted integral, position from
// the centroid, sigma from the second central moment. It is
// deterministic and cheap, suitable as the built-in local engine and
// for synthetic pipelines; production fits plug in an external engine.
type MomentEngine struct {
	// HalfWindow is the per-peak integration half-width in degrees.
	HalfWindow float64
}

// NewMomentEngine creates a moment engine with the given per-peak
// integration half-width, defaulting to 0.15 degrees.
func NewMomentEngine(halfWindow float64) *MomentEngine {
	if halfWindow <= 0 {
		halfWindow = 0.15
	}
	return &MomentEngine{HalfWindow: halfWindow}
}

// Refine implements Engine.
func (e *MomentEngine) Refine(ctx context.Context, spec Spectrum, peaks, background []PeakParams,
	peakFreedom, backgroundFreedom Freedom) ([]PeakParams, []PeakParams, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if len(spec.Angles) == 0 || len(spec.Angles) != len(spec.Intensities) {
		return nil, nil, errors.Newf(errors.ErrorTypeRefinement,
			"spectrum at azimuth %.1f has %d angles and %d intensities",
			spec.Azimuth, len(spec.Angles), len(spec.Intensities))
	}

	base := baseline(spec.Intensities)

	outPeaks := append([]PeakParams(nil), peaks...)
	for i := range outPeaks {
		e.fitOne(spec, base, &outPeaks[i], peakFreedom)
	}

	outBg := append([]PeakParams(nil), background...)
	for i := range outBg {
		e.fitOne(spec, base, &outBg[i], backgroundFreedom)
	}
	return outPeaks, outBg, nil
}

func (e *MomentEngine) fitOne(spec Spectrum, base float64, p *PeakParams, free Freedom) {
	if !free.Any() {
		return
	}
	win := spec.Window(p.Position-e.HalfWindow, p.Position+e.HalfWindow)
	if len(win.Angles) == 0 {
		return
	}

	var area, weighted float64
	for i, a := range win.Angles {
		v := win.Intensities[i] - base
		if v < 0 {
			v = 0
		}
		area += v
		weighted += v * a
	}
	if area <= 0 {
		return
	}

	centroid := weighted / area
	var variance float64
	for i, a := range win.Angles {
		v := win.Intensities[i] - base
		if v < 0 {
			v = 0
		}
		variance += v * (a - centroid) * (a - centroid)
	}
	variance /= area

	if free.Area {
		p.Area = area
	}
	if free.Position {
		p.Position = centroid
	}
	if free.Sigma {
		p.Sigma = math.Sqrt(variance)
	}
	if free.Gamma {
		// The moment estimator cannot separate the Lorentzian share;
		// keep a fixed fraction of the Gaussian width.
		p.Gamma = math.Sqrt(variance) * 0.1
	}
}

// baseline estimates the flat background level as the minimum
// intensity in the window.
func baseline(intensities []float64) float64 {
	if len(intensities) == 0 {
		return 0
	}
	lo := math.Inf(1)
	for _, v := range intensities {
		if v < lo {
			lo = v
		}
	}
	return lo
}
