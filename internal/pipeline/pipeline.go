package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/materialsio/peakflow/pkg/cache"
	"github.com/materialsio/peakflow/pkg/compute"
	"github.com/materialsio/peakflow/pkg/config"
	"github.com/materialsio/peakflow/pkg/dataset"
	"github.com/materialsio/peakflow/pkg/errors"
	"github.com/materialsio/peakflow/pkg/frames"
	"github.com/materialsio/peakflow/pkg/logger"
	"github.com/materialsio/peakflow/pkg/metrics"
	"github.com/materialsio/peakflow/pkg/refine"
	"github.com/materialsio/peakflow/pkg/storage"
)

// Options assembles a Pipeline. Zero-valued collaborators get working
// defaults; the cache is always fresh per pipeline, scoped to one batch.
type Options struct {
	Recipe  *config.Recipe
	Engine  refine.Engine
	Source  SpectrumSource
	Backend compute.Backend
	Store   *storage.Store
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Pipeline runs one batch: reference calibration, parallel sample
// processing, aggregation, and persistence.
type Pipeline struct {
	recipe  *config.Recipe
	engine  refine.Engine
	source  SpectrumSource
	backend compute.Backend
	cache   *cache.Cache
	store   *storage.Store
	metrics *metrics.Collector
	log     *zap.Logger
}

// Result is one finished batch.
type Result struct {
	Dataset   *dataset.Dataset
	Manifest  *Manifest
	OutputDir string
	Frames    int
	Elapsed   time.Duration
}

// New creates a pipeline from options.
func New(opts Options) (*Pipeline, error) {
	if opts.Recipe == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "pipeline requires a recipe")
	}
	if err := opts.Recipe.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid recipe")
	}
	if opts.Engine == nil {
		opts.Engine = refine.NewMomentEngine(0)
	}
	if opts.Source == nil {
		opts.Source = NewSyntheticSource(opts.Recipe)
	}
	if opts.Backend == nil {
		opts.Backend = compute.NewLocalBackend(opts.Recipe.WorkerCount())
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}

	return &Pipeline{
		recipe:  opts.Recipe,
		engine:  opts.Engine,
		source:  opts.Source,
		backend: opts.Backend,
		cache:   cache.New(),
		store:   opts.Store,
		metrics: opts.Metrics,
		log:     opts.Logger.With(zap.String("sample", opts.Recipe.Sample)),
	}, nil
}

// Run executes the batch. The reference pass, when configured, fully
// completes before any sample frame is dispatched.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	var refCtx *ReferenceContext
	if p.recipe.RefsPath != "" {
		rc, err := p.runReference(ctx)
		if err != nil {
			return nil, err
		}
		refCtx = rc
	}

	src := frames.NewDirectorySource(p.recipe.ImagesPath, p.recipe.Detector.Size[0])
	infos, err := src.Discover(frames.Range{
		Start: p.recipe.FrameStart,
		End:   p.recipe.FrameEnd,
		Step:  p.recipe.Step,
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("sample pass starting",
		zap.Int("frames", len(infos)), zap.Int("workers", p.backend.Workers()))

	results, manifest, err := p.runSamples(ctx, refCtx, infos)
	if err != nil {
		return nil, err
	}

	ds, err := aggregate(p.recipe, refCtx, results)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Dataset:  ds,
		Manifest: manifest,
		Frames:   len(infos),
		Elapsed:  time.Since(start),
	}

	if p.recipe.OutputPath != "" && p.store != nil {
		dir := filepath.Join(p.recipe.OutputPath, p.recipe.Sample+"_"+string(p.recipe.Stage))
		if err := p.store.Save(dir, ds, p.recipe.Notes); err != nil {
			return nil, err
		}
		if err := writeManifest(dir, manifest); err != nil {
			return nil, err
		}
		res.OutputDir = dir
	}

	p.log.Info("batch complete",
		zap.Int("frames", res.Frames),
		zap.Int("failed", manifest.Len()),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

func writeManifest(dir string, m *Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "cannot encode failure manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, "failures.json"), raw, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "cannot write failure manifest")
	}
	return nil
}
