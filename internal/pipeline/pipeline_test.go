package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/materialsio/peakflow/pkg/cache"
	"github.com/materialsio/peakflow/pkg/compression"
	"github.com/materialsio/peakflow/pkg/compute"
	"github.com/materialsio/peakflow/pkg/config"
	"github.com/materialsio/peakflow/pkg/dataset"
	"github.com/materialsio/peakflow/pkg/errors"
	"github.com/materialsio/peakflow/pkg/frames"
	"github.com/materialsio/peakflow/pkg/refine"
	"github.com/materialsio/peakflow/pkg/storage"
)

func frameDir(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		name := filepath.Join(dir, "scan_"+string(rune('a'+i))+".tif")
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
	}
	return dir
}

func testRecipe(t *testing.T, imagesDir string) *config.Recipe {
	t.Helper()
	r := config.DefaultRecipe()
	r.Sample = "synthetic_steel"
	r.Stage = config.StageContinuous
	r.ImagesPath = imagesDir
	r.ActivePeaks = []config.Peak{
		{Name: "Austenite 111", MillerIndex: "111", Position: 4.5, Window: [2]float64{4.2, 4.8}},
	}
	r.AzimuthStart = 0
	r.AzimuthEnd = 360
	r.Spacing = 45
	r.Performance.Workers = 1
	require.NoError(t, r.Validate())
	return &r
}

// countingEngine tracks how often the refinement engine is invoked.
type countingEngine struct {
	inner refine.Engine
	calls int64
}

func (e *countingEngine) Refine(ctx context.Context, spec refine.Spectrum, peaks, bg []refine.PeakParams,
	pf, bf refine.Freedom) ([]refine.PeakParams, []refine.PeakParams, error) {
	atomic.AddInt64(&e.calls, 1)
	return e.inner.Refine(ctx, spec, peaks, bg, pf, bf)
}

func TestRunProducesDataset(t *testing.T) {
	recipe := testRecipe(t, frameDir(t, 4))

	p, err := New(Options{Recipe: recipe})
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Dataset)
	assert.Equal(t, 4, res.Frames)
	assert.Equal(t, 0, res.Manifest.Len())

	peaks, nFrames, azimuths, _ := res.Dataset.Shape()
	assert.Equal(t, 1, peaks)
	assert.Equal(t, 4, nFrames)
	assert.Equal(t, 8, azimuths)

	// The moment engine finds the synthetic peak near its nominal spot.
	pos, err := res.Dataset.Measurement("pos")
	require.NoError(t, err)
	for _, v := range pos {
		assert.InDelta(t, 4.5, float64(v), 0.05)
	}

	for _, col := range []string{"delta d", "delta int", "delta pos"} {
		assert.True(t, res.Dataset.HasColumn(col), col)
	}
}

func TestWorkerCountsProduceIdenticalContent(t *testing.T) {
	dir := frameDir(t, 6)

	var baseline map[string][]float32
	for _, workers := range []int{1, 2, 8} {
		recipe := testRecipe(t, dir)
		p, err := New(Options{Recipe: recipe, Backend: compute.NewLocalBackend(workers)})
		require.NoError(t, err)

		res, err := p.Run(context.Background())
		require.NoError(t, err)

		content := make(map[string][]float32)
		for _, col := range res.Dataset.Columns() {
			vals, err := res.Dataset.Measurement(col)
			require.NoError(t, err)
			content[col] = vals
		}

		if baseline == nil {
			baseline = content
			continue
		}
		require.Equal(t, len(baseline), len(content))
		for col, want := range baseline {
			assert.Equal(t, want, content[col], "workers=%d column=%s", workers, col)
		}
	}
}

func TestCacheHitSkipsEngine(t *testing.T) {
	recipe := testRecipe(t, t.TempDir())
	engine := &countingEngine{inner: refine.NewMomentEngine(0)}

	p, err := New(Options{Recipe: recipe, Engine: engine})
	require.NoError(t, err)

	infos := []frames.FrameInfo{
		{Path: "/data/a.tif", GlobalIndex: 0},
		{Path: "/data/b.tif", GlobalIndex: 1},
	}

	_, manifest, err := p.runSamples(context.Background(), nil, infos)
	require.NoError(t, err)
	require.Equal(t, 0, manifest.Len())
	require.Greater(t, atomic.LoadInt64(&engine.calls), int64(0))

	// Same frames again: every dispatch short-circuits on the cache.
	atomic.StoreInt64(&engine.calls, 0)
	results, _, err := p.runSamples(context.Background(), nil, infos)
	require.NoError(t, err)
	assert.Equal(t, int64(0), atomic.LoadInt64(&engine.calls))
	assert.Len(t, results, 2)
}

func TestParameterChangeMissesCache(t *testing.T) {
	recipe := testRecipe(t, t.TempDir())
	engine := &countingEngine{inner: refine.NewMomentEngine(0)}

	p, err := New(Options{Recipe: recipe, Engine: engine})
	require.NoError(t, err)

	infos := []frames.FrameInfo{{Path: "/data/a.tif", GlobalIndex: 0}}
	_, _, err = p.runSamples(context.Background(), nil, infos)
	require.NoError(t, err)

	// A different analysis window is a different fingerprint.
	p.recipe.ActivePeaks[0].Window = [2]float64{4.3, 4.7}
	atomic.StoreInt64(&engine.calls, 0)
	_, _, err = p.runSamples(context.Background(), nil, infos)
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt64(&engine.calls), int64(0))
}

// failingSource errors for one frame index.
type failingSource struct {
	inner SpectrumSource
	bad   int
}

func (s *failingSource) Slices(ctx context.Context, frame frames.FrameInfo, azimuths []float64) ([]refine.Spectrum, error) {
	if frame.GlobalIndex == s.bad {
		return nil, errors.New(errors.ErrorTypeRefinement, "detector readout hole")
	}
	return s.inner.Slices(ctx, frame, azimuths)
}

func TestFailedFrameYieldsZeroSliceAndManifestEntry(t *testing.T) {
	recipe := testRecipe(t, frameDir(t, 3))

	p, err := New(Options{Recipe: recipe})
	require.NoError(t, err)
	p.source = &failingSource{inner: p.source, bad: 1}

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Manifest.Len())
	assert.Equal(t, 1, res.Manifest.Failures[0].FrameIndex)

	// The declared shape is intact and the failed frame reads as zero.
	intCol, err := res.Dataset.PeakMeasurement(0, "int")
	require.NoError(t, err)
	for a := 0; a < 8; a++ {
		assert.Equal(t, float32(0), intCol[1*8+a])
		assert.NotEqual(t, float32(0), intCol[0*8+a])
	}
}

func TestReferencePassFeedsStrain(t *testing.T) {
	recipe := testRecipe(t, frameDir(t, 3))
	recipe.RefsPath = frameDir(t, 2)
	recipe.OutputPath = t.TempDir()

	store := storage.NewStore(compression.Config{Algorithm: compression.Zstd})
	p, err := New(Options{Recipe: recipe, Store: store})
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Dataset.HasColumn("strain"))
	assert.True(t, res.Dataset.HasColumn("abs strain"))
	assert.True(t, res.Dataset.HasColumn("pct int"))
	assert.NotNil(t, res.Dataset.ReferenceTable("d"))

	// Samples and references come from the same synthetic model, so
	// strain stays near zero.
	strain, err := res.Dataset.Measurement("strain")
	require.NoError(t, err)
	for _, v := range strain {
		assert.InDelta(t, 0, float64(v), 0.01)
	}

	require.NotEmpty(t, res.OutputDir)
	loaded, err := store.Load(res.OutputDir)
	require.NoError(t, err)
	assert.Equal(t, res.Dataset.Columns(), loaded.Columns())

	_, err = os.Stat(filepath.Join(res.OutputDir, "failures.json"))
	assert.NoError(t, err)
}

func TestReduceReferenceSkipsNonFinite(t *testing.T) {
	recipe := testRecipe(t, t.TempDir())

	rows := []dataset.Row{
		{Azimuth: 0, Values: map[string]float64{"pos": 4.5, "int": math.NaN(), "d": 2.2}},
		{Azimuth: 0, Values: map[string]float64{"pos": 4.7, "int": 500, "d": 2.2}},
	}
	results := []cache.Result{{Rows: [][]dataset.Row{rows}}}

	ref := reduceReference(recipe, results)

	// pos averages both samples; int skips the NaN entirely.
	assert.InDelta(t, 4.6, float64(ref.Tables["pos"][0]), 1e-6)
	assert.InDelta(t, 500, float64(ref.Tables["int"][0]), 1e-6)
	assert.InDelta(t, 2.2, float64(ref.DTable[0]), 1e-6)
}

func TestReduceReferenceFallbacks(t *testing.T) {
	recipe := testRecipe(t, t.TempDir())
	ref := reduceReference(recipe, nil)

	// Empty slots take the documented defaults.
	assert.Equal(t, float32(defaultPosition), ref.Tables["pos"][3])
	assert.Equal(t, float32(defaultArea), ref.Tables["int"][3])
	assert.Equal(t, float32(defaultSigma), ref.Tables["sig"][3])
	assert.Equal(t, float32(defaultGamma), ref.Tables["gam"][3])
	// d falls back via Bragg's law from the default position.
	assert.Greater(t, ref.DTable[3], float32(0))
}

func TestDSpacing(t *testing.T) {
	// lambda = 0.24 A at 4.5 degrees two-theta.
	d := dSpacing(0.24, 4.5)
	assert.InDelta(t, 3.056, d, 0.01)
	assert.Equal(t, 0.0, dSpacing(0.24, 0))
}
