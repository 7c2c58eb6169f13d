package pipeline

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/materialsio/peakflow/pkg/cache"
	"github.com/materialsio/peakflow/pkg/config"
	"github.com/materialsio/peakflow/pkg/frames"
	"github.com/materialsio/peakflow/pkg/refine"
)

// Averaging fallbacks for (peak, azimuth) slots where no reference
// frame produced a finite value.
const (
	defaultPosition = 4.5
	defaultArea     = 1000
	defaultSigma    = 0.1
	defaultGamma    = 0.1
)

// runReference executes the calibration pass: every reference frame is
// refined with the reference step sequence, then the results reduce
// into per-(peak, azimuth) mean tables. The sample pass is gated on
// this completing; its work units all carry the returned context.
func (p *Pipeline) runReference(ctx context.Context) (*ReferenceContext, error) {
	refSource := frames.NewDirectorySource(p.recipe.RefsPath, p.recipe.Detector.Size[0])
	infos, err := p.discoverRef(refSource)
	if err != nil {
		return nil, err
	}
	p.log.Info("reference pass starting",
		zap.Int("frames", len(infos)), zap.String("dir", p.recipe.RefsPath))

	steps := refine.Steps(true, false)
	results := make([]cache.Result, len(infos))
	backgrounds := make([][][]refine.PeakParams, len(infos))

	err = p.backend.Execute(ctx, len(infos), func(ctx context.Context, i int) error {
		unit := WorkUnit{Frame: infos[i], Index: i, IsReference: true, Steps: steps}
		res, bg, err := p.processWithBackground(ctx, unit)
		if err != nil {
			return err
		}
		results[i] = res
		backgrounds[i] = bg
		p.metrics.FrameProcessed("reference")
		return nil
	})
	if err != nil {
		return nil, err
	}

	refCtx := reduceReference(p.recipe, results)
	if len(p.recipe.BackgroundCandidates()) > 0 {
		refCtx.Background = averageBackgrounds(backgrounds, p.recipe.AzimuthBins())
	}
	return refCtx, nil
}

func (p *Pipeline) discoverRef(src frames.Source) ([]frames.FrameInfo, error) {
	return src.Discover(frames.All())
}

// processWithBackground runs one reference frame and additionally
// captures the refined per-slice background lists for templating.
func (p *Pipeline) processWithBackground(ctx context.Context, unit WorkUnit) (cache.Result, [][]refine.PeakParams, error) {
	capture := &backgroundCapture{inner: p.source}
	res, err := processFrame(ctx, p.recipe, &capturingEngine{inner: p.engine, capture: capture}, capture, p.metrics, unit)
	if err != nil {
		return cache.Result{}, nil, err
	}
	return res, capture.backgrounds, nil
}

// backgroundCapture wraps the spectrum source to know the slice count,
// and accumulates the final background list of each slice as the
// capturing engine reports them.
type backgroundCapture struct {
	inner       SpectrumSource
	backgrounds [][]refine.PeakParams
}

func (c *backgroundCapture) Slices(ctx context.Context, frame frames.FrameInfo, azimuths []float64) ([]refine.Spectrum, error) {
	return c.inner.Slices(ctx, frame, azimuths)
}

// capturingEngine records the background list of the most recent call
// per slice. Slices run sequentially within a frame, so the last write
// per azimuth wins correctly.
type capturingEngine struct {
	inner   refine.Engine
	capture *backgroundCapture

	lastAzimuth float64
	started     bool
}

func (e *capturingEngine) Refine(ctx context.Context, spec refine.Spectrum, peaks, background []refine.PeakParams,
	pf, bf refine.Freedom) ([]refine.PeakParams, []refine.PeakParams, error) {
	outPeaks, outBg, err := e.inner.Refine(ctx, spec, peaks, background, pf, bf)
	if err != nil {
		return nil, nil, err
	}

	if !e.started || spec.Azimuth != e.lastAzimuth {
		e.capture.backgrounds = append(e.capture.backgrounds, nil)
		e.started = true
		e.lastAzimuth = spec.Azimuth
	}
	e.capture.backgrounds[len(e.capture.backgrounds)-1] = append([]refine.PeakParams(nil), outBg...)
	return outPeaks, outBg, nil
}

// reduceReference computes per-(peak, azimuth) means of every primitive
// measurement, skipping non-finite samples, with fixed fallbacks where
// no frame contributed a usable value.
func reduceReference(recipe *config.Recipe, results []cache.Result) *ReferenceContext {
	nPeaks := len(recipe.ActivePeaks)
	bins := recipe.AzimuthBins()

	tables := make(map[string][]float32, len(primitiveColumns))
	sums := make(map[string][]float64, len(primitiveColumns))
	counts := make(map[string][]int, len(primitiveColumns))
	for _, col := range primitiveColumns {
		tables[col] = make([]float32, nPeaks*bins)
		sums[col] = make([]float64, nPeaks*bins)
		counts[col] = make([]int, nPeaks*bins)
	}

	grid := dataGrid(recipe)
	for _, res := range results {
		for p, rows := range res.Rows {
			for _, row := range rows {
				slot := p*bins + grid.Index(row.Azimuth)
				for col, v := range row.Values {
					if _, tracked := sums[col]; !tracked || !isFinite(v) {
						continue
					}
					sums[col][slot] += v
					counts[col][slot]++
				}
			}
		}
	}

	fallback := map[string]float32{
		"pos": defaultPosition, "int": defaultArea, "sig": defaultSigma, "gam": defaultGamma,
	}
	for col := range tables {
		for i := range tables[col] {
			if counts[col][i] > 0 {
				tables[col][i] = float32(sums[col][i] / float64(counts[col][i]))
			} else if fb, ok := fallback[col]; ok {
				tables[col][i] = fb
			}
		}
	}

	// Seed the d fallback from the mean positions so strain against an
	// empty slot stays zero rather than diverging.
	for i, v := range tables["d"] {
		if v == 0 && tables["pos"][i] != 0 {
			tables["d"][i] = float32(dSpacing(recipe.Detector.Wavelength, float64(tables["pos"][i])))
		}
	}

	seeds := make([][]refine.PeakParams, bins)
	for a := 0; a < bins; a++ {
		seeds[a] = make([]refine.PeakParams, nPeaks)
		for p := 0; p < nPeaks; p++ {
			slot := p*bins + a
			seeds[a][p] = refine.PeakParams{
				Position: float64(tables["pos"][slot]),
				Area:     float64(tables["int"][slot]),
				Sigma:    float64(tables["sig"][slot]),
				Gamma:    float64(tables["gam"][slot]),
			}
		}
	}

	return &ReferenceContext{DTable: tables["d"], Tables: tables, Seeds: seeds}
}

// averageBackgrounds reduces per-frame, per-slice background lists into
// one template per azimuth bin. Frames disagreeing on list length fall
// back to the first frame's list for that bin.
func averageBackgrounds(perFrame [][][]refine.PeakParams, bins int) [][]refine.PeakParams {
	out := make([][]refine.PeakParams, bins)
	for a := 0; a < bins; a++ {
		var acc []refine.PeakParams
		n := 0
		for _, frame := range perFrame {
			if a >= len(frame) || frame[a] == nil {
				continue
			}
			if acc == nil {
				acc = make([]refine.PeakParams, len(frame[a]))
			}
			if len(frame[a]) != len(acc) {
				continue
			}
			for i, p := range frame[a] {
				acc[i].Position += p.Position
				acc[i].Area += p.Area
				acc[i].Sigma += p.Sigma
				acc[i].Gamma += p.Gamma
			}
			n++
		}
		if n == 0 {
			continue
		}
		for i := range acc {
			acc[i].Position /= float64(n)
			acc[i].Area /= float64(n)
			acc[i].Sigma /= float64(n)
			acc[i].Gamma /= float64(n)
		}
		out[a] = acc
	}
	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
