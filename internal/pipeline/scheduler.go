package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/materialsio/peakflow/pkg/cache"
	"github.com/materialsio/peakflow/pkg/errors"
	"github.com/materialsio/peakflow/pkg/frames"
	"github.com/materialsio/peakflow/pkg/refine"
)

// runSamples dispatches every selected sample frame through the cache
// and the compute backend. The results slice is indexed by submission
// order, so the merge that follows is strictly in frame-index order no
// matter which worker finished first.
func (p *Pipeline) runSamples(ctx context.Context, refCtx *ReferenceContext,
	infos []frames.FrameInfo) ([]cache.Result, *Manifest, error) {

	steps := refine.Steps(false, p.recipe.Refinement.DynamicBackground)
	signature := p.recipe.ParameterSignature()
	bins := p.recipe.AzimuthBins()
	nPeaks := len(p.recipe.ActivePeaks)

	results := make([]cache.Result, len(infos))
	manifest := &Manifest{}

	err := p.backend.Execute(ctx, len(infos), func(ctx context.Context, i int) error {
		frame := infos[i]
		key := cache.NewKey(frame.Path, p.recipe.Sample, frame.GlobalIndex, signature)

		if hit, ok := p.cache.Get(key); ok {
			if hit.Valid(nPeaks, bins) {
				p.metrics.CacheHit()
				results[i] = hit
				return nil
			}
			// Corrupted entries are evicted and recomputed, never fatal.
			p.log.Warn("evicting corrupted cache entry",
				zap.Int("frame", frame.GlobalIndex), zap.String("path", frame.Path))
			p.cache.Delete(key)
		}
		p.metrics.CacheMiss()

		unit := WorkUnit{Frame: frame, Index: i, Reference: refCtx, Steps: steps}
		res, err := processFrame(ctx, p.recipe, p.engine, p.source, p.metrics, unit)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeRefinement) {
				// The frame stays as an all-zero slice; the batch
				// continues with partial results.
				p.metrics.FrameFailed()
				manifest.Add(FailureEntry{FrameIndex: frame.GlobalIndex, Path: frame.Path, Reason: err.Error()})
				p.log.Warn("frame refinement failed",
					zap.Int("frame", frame.GlobalIndex), zap.Error(err))
				return nil
			}
			return err
		}

		p.cache.PutIfAbsent(key, res)
		p.metrics.FrameProcessed("sample")
		results[i] = res
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return results, manifest, nil
}
