// Command peakflow processes diffraction acquisition batches: it runs
// single recipes, sweeps a recipe directory, and emits example recipes
// to start from.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/materialsio/peakflow/internal/pipeline"
	"github.com/materialsio/peakflow/pkg/compression"
	"github.com/materialsio/peakflow/pkg/config"
	"github.com/materialsio/peakflow/pkg/dataset"
	"github.com/materialsio/peakflow/pkg/logger"
	"github.com/materialsio/peakflow/pkg/storage"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagLogLevel  string
	flagWorkers   int
	flagAlgorithm string
)

func main() {
	// Optional .env for local runs; absence is fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "peakflow",
		Short: "Diffraction frame-processing pipeline",
		Long: `peakflow reduces sequences of 2-D diffraction exposures into a
4-D dataset (peak, frame, azimuth, measurement) through a two-phase
reference/sample pipeline with per-frame parallel refinement.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{Level: flagLogLevel, Encoding: "console"})
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&flagWorkers, "workers", 0, "frame worker count (0 = auto)")
	root.PersistentFlags().StringVar(&flagAlgorithm, "compression", "zstd", "chunk compression (none, snappy, s2, lz4, zstd)")

	root.AddCommand(runCmd(), batchCmd(), subtractCmd(), examplesCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		logger.Get().Error("command failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <recipe>",
		Short: "Process one recipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipe, err := config.LoadRecipe(args[0])
			if err != nil {
				return err
			}
			return runRecipe(cmd, recipe)
		},
	}
}

func runRecipe(cmd *cobra.Command, recipe *config.Recipe) error {
	if flagWorkers > 0 {
		recipe.Performance.Workers = flagWorkers
	}

	store := storage.NewStore(compression.Config{Algorithm: compression.Algorithm(flagAlgorithm)})
	p, err := pipeline.New(pipeline.Options{Recipe: recipe, Store: store})
	if err != nil {
		return err
	}

	res, err := p.Run(cmd.Context())
	if err != nil {
		return err
	}

	peaks, nFrames, azimuths, measurements := res.Dataset.Shape()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d frames -> (%d, %d, %d, %d) in %s, %d failed\n",
		recipe.Sample, res.Frames, peaks, nFrames, azimuths, measurements,
		res.Elapsed.Round(10*time.Millisecond), res.Manifest.Len())
	if res.OutputDir != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "written to %s\n", res.OutputDir)
	}
	return nil
}

func batchCmd() *cobra.Command {
	var moveProcessed bool
	cmd := &cobra.Command{
		Use:   "batch <dir>",
		Short: "Process every recipe in a directory",
		Long: `Runs each *.json and *.yaml recipe in the directory in turn.
Successfully processed recipes move to a processed/ subdirectory so an
interrupted sweep can resume where it stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			entries, err := os.ReadDir(dir)
			if err != nil {
				return err
			}

			var succeeded, failed int
			for _, e := range entries {
				if e.IsDir() || !isRecipeFile(e.Name()) {
					continue
				}
				path := filepath.Join(dir, e.Name())

				recipe, err := config.LoadRecipe(path)
				if err == nil {
					err = runRecipe(cmd, recipe)
				}
				if err != nil {
					failed++
					logger.Get().Error("recipe failed", zap.String("recipe", path), zap.Error(err))
					continue
				}
				succeeded++
				if moveProcessed {
					if err := relocate(path, filepath.Join(dir, "processed")); err != nil {
						return err
					}
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "batch done: %d succeeded, %d failed\n", succeeded, failed)
			if failed > 0 {
				return fmt.Errorf("%d recipe(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&moveProcessed, "move-processed", true, "move finished recipes to processed/")
	return cmd
}

func isRecipeFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func relocate(path, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(destDir, filepath.Base(path)))
}

func subtractCmd() *cobra.Command {
	var measurements []string
	var shift int
	cmd := &cobra.Command{
		Use:   "subtract <before> <after> <out>",
		Short: "Build a difference dataset from a before/after pair",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := storage.NewStore(compression.Config{Algorithm: compression.Algorithm(flagAlgorithm)})

			before, err := store.Load(args[0])
			if err != nil {
				return err
			}
			after, err := store.Load(args[1])
			if err != nil {
				return err
			}

			diff, err := dataset.Subtract(before, after, measurements, shift)
			if err != nil {
				return err
			}
			if err := store.Save(args[2], diff, "DELT"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "written to %s\n", args[2])
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&measurements, "measurements",
		[]string{"d", "strain", "int", "sig", "gam", "pos"}, "columns to difference")
	cmd.Flags().IntVar(&shift, "shift", 0, "frame shift applied to the after series")
	return cmd
}

func examplesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "examples <dir>",
		Short: "Write example recipes to a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}

			for name, recipe := range exampleRecipes() {
				raw, err := json.MarshalIndent(recipe, "", "  ")
				if err != nil {
					return err
				}
				path := filepath.Join(dir, name+".json")
				if err := os.WriteFile(path, raw, 0o644); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}
}

func exampleRecipes() map[string]config.Recipe {
	base := config.DefaultRecipe()
	base.Sample = "sample_01"
	base.Setting = "tension"
	base.ImagesPath = "/data/sample_01/images"
	base.RefsPath = "/data/sample_01/refs"
	base.OutputPath = "/data/sample_01/out"
	base.AzimuthStart = 0
	base.AzimuthEnd = 360
	base.ActivePeaks = []config.Peak{
		{Name: "Austenite 111", MillerIndex: "111", Position: 4.46, Window: [2]float64{4.2, 4.7}},
		{Name: "Ferrite 110", MillerIndex: "110", Position: 5.41, Window: [2]float64{5.2, 5.7}},
	}
	base.AvailablePeaks = []config.Peak{
		{Name: "Austenite 200", MillerIndex: "200", Position: 5.16},
	}

	before := base
	before.Stage = config.StageBefore

	after := base
	after.Stage = config.StageAfter

	continuous := base
	continuous.Stage = config.StageContinuous
	continuous.Notes = "in-situ heating ramp"

	return map[string]config.Recipe{
		"example_bef":  before,
		"example_aft":  after,
		"example_cont": continuous,
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "peakflow %s (%s)\n", version, commit)
		},
	}
}
