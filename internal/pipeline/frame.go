package pipeline

import (
	"context"
	"math"

	"github.com/materialsio/peakflow/pkg/cache"
	"github.com/materialsio/peakflow/pkg/config"
	"github.com/materialsio/peakflow/pkg/dataset"
	"github.com/materialsio/peakflow/pkg/errors"
	"github.com/materialsio/peakflow/pkg/metrics"
	"github.com/materialsio/peakflow/pkg/refine"
)

// primitiveColumns are the measurements produced per slice per peak, in
// storage order.
var primitiveColumns = []string{"pos", "int", "sig", "gam", "d"}

// Seed defaults for slices with no reference context.
const (
	seedBackgroundArea  = 100
	seedBackgroundSigma = 2000
)

// processFrame refines every azimuthal slice of one frame, strictly in
// bin order. Slices share background state seeded earlier in the same
// histogram, so there is no parallelism inside a frame; any slice
// failure aborts the whole frame.
func processFrame(ctx context.Context, recipe *config.Recipe, engine refine.Engine,
	source SpectrumSource, collector *metrics.Collector, unit WorkUnit) (cache.Result, error) {

	azimuths := binAngles(recipe)
	spectra, err := source.Slices(ctx, unit.Frame, azimuths)
	if err != nil {
		return cache.Result{}, errors.Wrap(err, errors.ErrorTypeRefinement, "cannot load frame slices")
	}
	if len(spectra) != len(azimuths) {
		return cache.Result{}, errors.Newf(errors.ErrorTypeRefinement,
			"frame %d produced %d slices, expected %d", unit.Frame.GlobalIndex, len(spectra), len(azimuths))
	}

	lo, hi := recipe.Window()
	opts := refine.Options{
		ConvergenceThreshold: recipe.Refinement.ConvergenceThreshold,
		MinIterations:        recipe.Refinement.MinIterations,
		MaxIterations:        recipe.Refinement.MaxIterations,
	}

	nPeaks := len(recipe.ActivePeaks)
	rows := make([][]dataset.Row, nPeaks)
	for p := range rows {
		rows[p] = make([]dataset.Row, 0, len(azimuths))
	}

	// The previous slice's refined background carries forward as the
	// next slice's starting point.
	var carryBackground []refine.PeakParams

	for a, spec := range spectra {
		peaks := seedPeaks(recipe, unit.Reference, a)
		background := carryBackground
		if background == nil {
			background = seedBackground(recipe, unit.Reference, a)
		}

		session := refine.NewSession(spec, peaks, background, lo, hi)
		ctrl := refine.NewController(engine, opts)
		res, err := ctrl.Run(ctx, session, unit.Steps)
		if err != nil {
			return cache.Result{}, err
		}
		carryBackground = res.Background
		if collector != nil {
			collector.SliceRefined(res.Iterations)
		}

		for p, params := range res.Peaks {
			rows[p] = append(rows[p], dataset.Row{
				Azimuth:     spec.Azimuth,
				FrameNumber: int32(unit.Frame.GlobalIndex),
				Values: map[string]float64{
					"pos": params.Position,
					"int": params.Area,
					"sig": params.Sigma,
					"gam": params.Gamma,
					"d":   dSpacing(recipe.Detector.Wavelength, params.Position),
				},
			})
		}
	}

	return cache.Result{FrameNumber: int32(unit.Frame.GlobalIndex), Rows: rows}, nil
}

// dSpacing applies Bragg's law, d = lambda / (2 sin(theta)), with the
// position given in degrees two-theta.
func dSpacing(wavelength, position float64) float64 {
	s := math.Sin(position / 2 * math.Pi / 180)
	if s == 0 {
		return 0
	}
	return wavelength / (2 * s)
}

// binAngles returns the center angle of every azimuth bin.
func binAngles(recipe *config.Recipe) []float64 {
	bins := recipe.AzimuthBins()
	out := make([]float64, bins)
	for i := range out {
		out[i] = recipe.AzimuthStart + float64(i)*recipe.Spacing
	}
	return out
}

// seedPeaks builds the starting peak list for one slice: the reference
// seeds when available, else the recipe's nominal positions.
func seedPeaks(recipe *config.Recipe, ref *ReferenceContext, azIdx int) []refine.PeakParams {
	if ref != nil && azIdx < len(ref.Seeds) && len(ref.Seeds[azIdx]) == len(recipe.ActivePeaks) {
		return ref.Seeds[azIdx]
	}
	out := make([]refine.PeakParams, len(recipe.ActivePeaks))
	for i, p := range recipe.ActivePeaks {
		out[i] = refine.PeakParams{Position: p.Position, Area: defaultArea, Sigma: defaultSigma, Gamma: defaultGamma}
	}
	return out
}

// seedBackground builds the starting background list for one slice.
func seedBackground(recipe *config.Recipe, ref *ReferenceContext, azIdx int) []refine.PeakParams {
	if ref != nil && ref.Background != nil && azIdx < len(ref.Background) {
		return ref.Background[azIdx]
	}
	candidates := recipe.BackgroundCandidates()
	out := make([]refine.PeakParams, len(candidates))
	for i, pos := range candidates {
		out[i] = refine.PeakParams{Position: pos, Area: seedBackgroundArea, Sigma: seedBackgroundSigma}
	}
	return out
}
