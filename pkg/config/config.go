// Package config provides the unified configuration system for peakflow.
// It defines the Recipe structure that describes one batch run: the sample
// under analysis, the peaks to track, the azimuthal binning, the frame range,
// and the detector geometry.
//
// Recipes are loaded from JSON or YAML files (the recipe builder emits JSON)
// and validated before a batch starts. A Recipe is immutable for the duration
// of a run; its ParameterSignature feeds the cache fingerprint so that two
// runs with different analysis parameters never share cached results.
package config

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Stage identifies the experimental stage a recipe belongs to.
type Stage string

const (
	// StageBefore is the pre-treatment measurement series
	StageBefore Stage = "BEF"
	// StageAfter is the post-treatment measurement series
	StageAfter Stage = "AFT"
	// StageContinuous is an in-situ continuous series
	StageContinuous Stage = "CONT"
	// StageDelta is a derived before/after difference dataset
	StageDelta Stage = "DELT"
)

// ParseStage converts a recipe stage string (any case) to a Stage.
func ParseStage(s string) (Stage, error) {
	switch Stage(strings.ToUpper(s)) {
	case StageBefore, StageAfter, StageContinuous, StageDelta:
		return Stage(strings.ToUpper(s)), nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Peak describes a single tracked diffraction reflection.
type Peak struct {
	// Name is the display name, e.g. "Martensite 211"
	Name string `yaml:"name" json:"name"`
	// MillerIndex is the reflection's Miller index, e.g. "211"
	MillerIndex string `yaml:"miller_index" json:"miller_index"`
	// Position is the expected 2-theta position in degrees
	Position float64 `yaml:"position" json:"position"`
	// Window is the [min, max] 2-theta fitting window for this peak
	Window [2]float64 `yaml:"limits" json:"limits"`
}

// Detector describes the detector and beam geometry. The wavelength is
// required for d-spacing derivation.
type Detector struct {
	// PixelSize is the detector pixel size in microns
	PixelSize [2]float64 `yaml:"pixel_size" json:"pixel_size"`
	// Wavelength is the X-ray wavelength in Angstroms
	Wavelength float64 `yaml:"wavelength" json:"wavelength"`
	// Size is the detector dimensions in pixels
	Size [2]int `yaml:"detector_size" json:"detector_size"`
}

// Refinement contains the convergence controls for the per-frame
// refinement state machine.
type Refinement struct {
	// ConvergenceThreshold is the maximum relative parameter change
	// below which a pass is considered converged
	ConvergenceThreshold float64 `yaml:"convergence_threshold" json:"convergence_threshold"`
	// MinIterations is the minimum pass count before convergence may fire
	MinIterations int `yaml:"min_iterations" json:"min_iterations"`
	// MaxIterations is the pass budget per refinement stage
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
	// DynamicBackground enables the background re-refinement stage on
	// sample frames
	DynamicBackground bool `yaml:"dynamic_background" json:"dynamic_background"`
}

// Performance contains throughput and resource settings.
type Performance struct {
	// Workers is the parallel frame worker count (0 = auto)
	Workers int `yaml:"workers" json:"workers"`
	// ChunkTargetBytes is the storage chunk byte budget (0 = 100MB default)
	ChunkTargetBytes int64 `yaml:"chunk_target_bytes" json:"chunk_target_bytes"`
}

// Recipe is the complete configuration for one batch run.
type Recipe struct {
	// Sample identification
	Sample   string `yaml:"sample" json:"sample"`
	Setting  string `yaml:"setting" json:"setting"`
	Stage    Stage  `yaml:"stage" json:"stage"`
	Exposure string `yaml:"exposure" json:"exposure"`
	Notes    string `yaml:"notes" json:"notes"`

	// Input locations
	ImagesPath string `yaml:"images_path" json:"images_path"`
	// RefsPath points at the reference (unstrained) frame directory.
	// Empty means no reference pass.
	RefsPath string `yaml:"refs_path" json:"refs_path"`
	// OutputPath is the root directory for the persisted dataset
	OutputPath string `yaml:"output_path" json:"output_path"`

	// Peak configuration. ActivePeaks are fit and reported; AvailablePeaks
	// inside the analysis window but not active become background peaks.
	ActivePeaks    []Peak `yaml:"active_peaks" json:"active_peaks"`
	AvailablePeaks []Peak `yaml:"available_peaks" json:"available_peaks"`

	// Azimuthal binning
	AzimuthStart float64 `yaml:"az_start" json:"az_start"`
	AzimuthEnd   float64 `yaml:"az_end" json:"az_end"`
	Spacing      float64 `yaml:"spacing" json:"spacing"`

	// Frame selection. FrameEnd -1 means all frames.
	FrameStart int `yaml:"frame_start" json:"frame_start"`
	FrameEnd   int `yaml:"frame_end" json:"frame_end"`
	Step       int `yaml:"step" json:"step"`

	Detector    Detector    `yaml:"detector_params" json:"detector_params"`
	Refinement  Refinement  `yaml:"refinement" json:"refinement"`
	Performance Performance `yaml:"performance" json:"performance"`
}

// DefaultRecipe returns a Recipe with sensible defaults applied.
func DefaultRecipe() Recipe {
	return Recipe{
		Stage:    StageContinuous,
		Exposure: "019",
		Spacing:  5,
		FrameEnd: -1,
		Step:     1,
		Detector: Detector{
			PixelSize:  [2]float64{172.0, 172.0},
			Wavelength: 0.240,
			Size:       [2]int{1475, 1679},
		},
		Refinement: Refinement{
			ConvergenceThreshold: 1e-4,
			MinIterations:        0,
			MaxIterations:        3,
			DynamicBackground:    true,
		},
		Performance: Performance{
			Workers:          0,
			ChunkTargetBytes: 100 * 1024 * 1024,
		},
	}
}

// ApplyDefaults fills zero-valued fields from DefaultRecipe.
func (r *Recipe) ApplyDefaults() {
	d := DefaultRecipe()
	if r.Stage == "" {
		r.Stage = d.Stage
	}
	if r.Exposure == "" {
		r.Exposure = d.Exposure
	}
	if r.Spacing == 0 {
		r.Spacing = d.Spacing
	}
	if r.FrameEnd == 0 {
		r.FrameEnd = d.FrameEnd
	}
	if r.Step == 0 {
		r.Step = d.Step
	}
	if r.Detector.Wavelength == 0 {
		r.Detector = d.Detector
	}
	if r.Refinement.ConvergenceThreshold == 0 {
		r.Refinement.ConvergenceThreshold = d.Refinement.ConvergenceThreshold
	}
	if r.Refinement.MaxIterations == 0 {
		r.Refinement.MaxIterations = d.Refinement.MaxIterations
	}
	if r.Performance.ChunkTargetBytes == 0 {
		r.Performance.ChunkTargetBytes = d.Performance.ChunkTargetBytes
	}
}

// Validate checks the recipe for use in a batch run.
func (r *Recipe) Validate() error {
	if r.Sample == "" {
		return fmt.Errorf("sample is required")
	}
	if r.ImagesPath == "" {
		return fmt.Errorf("images_path is required")
	}
	if len(r.ActivePeaks) == 0 {
		return fmt.Errorf("at least one active peak is required")
	}
	for i, p := range r.ActivePeaks {
		if p.Window[0] >= p.Window[1] {
			return fmt.Errorf("active peak %d (%s): window [%g, %g] is empty", i, p.Name, p.Window[0], p.Window[1])
		}
		if p.Position < p.Window[0] || p.Position > p.Window[1] {
			return fmt.Errorf("active peak %d (%s): position %g outside window [%g, %g]", i, p.Name, p.Position, p.Window[0], p.Window[1])
		}
	}
	if r.Spacing <= 0 {
		return fmt.Errorf("spacing must be positive, got %g", r.Spacing)
	}
	if r.AzimuthEnd <= r.AzimuthStart {
		return fmt.Errorf("azimuth range [%g, %g] is empty", r.AzimuthStart, r.AzimuthEnd)
	}
	if r.Step <= 0 {
		return fmt.Errorf("step must be positive, got %d", r.Step)
	}
	if r.FrameEnd != -1 && r.FrameEnd <= r.FrameStart {
		return fmt.Errorf("frame range [%d, %d) is empty", r.FrameStart, r.FrameEnd)
	}
	if r.Detector.Wavelength <= 0 {
		return fmt.Errorf("detector wavelength must be positive, got %g", r.Detector.Wavelength)
	}
	return nil
}

// Window returns the combined 2-theta analysis window covering all
// active peaks.
func (r *Recipe) Window() (float64, float64) {
	if len(r.ActivePeaks) == 0 {
		return 4.5, 9.0
	}
	lo := math.Inf(1)
	hi := math.Inf(-1)
	for _, p := range r.ActivePeaks {
		lo = math.Min(lo, p.Window[0])
		hi = math.Max(hi, p.Window[1])
	}
	return lo, hi
}

// TotalAngle returns the full azimuthal coverage in degrees.
func (r *Recipe) TotalAngle() float64 {
	return r.AzimuthEnd - r.AzimuthStart
}

// AzimuthBins returns the number of azimuthal bins.
func (r *Recipe) AzimuthBins() int {
	return int(r.TotalAngle() / r.Spacing)
}

// BackgroundCandidates returns the positions of available peaks that are
// not active and fall inside the analysis window. These are fit as
// background peaks so they do not contaminate the active fits.
func (r *Recipe) BackgroundCandidates() []float64 {
	lo, hi := r.Window()
	active := make(map[float64]struct{}, len(r.ActivePeaks))
	for _, p := range r.ActivePeaks {
		active[p.Position] = struct{}{}
	}

	var candidates []float64
	for _, p := range r.AvailablePeaks {
		if _, ok := active[p.Position]; ok {
			continue
		}
		if p.Position >= lo && p.Position <= hi {
			candidates = append(candidates, p.Position)
		}
	}
	sort.Float64s(candidates)
	return candidates
}

// WorkerCount returns the configured worker count. Zero means automatic:
// the compute backend sizes the pool from the machine it runs on.
func (r *Recipe) WorkerCount() int {
	return r.Performance.Workers
}

// ParameterSignature returns a stable string describing every processing
// parameter that affects per-frame results. It is part of the cache
// fingerprint: runs differing in any analysis parameter must never share
// cached frame results.
func (r *Recipe) ParameterSignature() string {
	lo, hi := r.Window()
	var b strings.Builder
	fmt.Fprintf(&b, "w=%g..%g;az=%g..%g/%g;", lo, hi, r.AzimuthStart, r.AzimuthEnd, r.Spacing)
	fmt.Fprintf(&b, "wl=%g;", r.Detector.Wavelength)
	for _, p := range r.ActivePeaks {
		fmt.Fprintf(&b, "p=%s@%g[%g,%g];", p.MillerIndex, p.Position, p.Window[0], p.Window[1])
	}
	for _, pos := range r.BackgroundCandidates() {
		fmt.Fprintf(&b, "b=%g;", pos)
	}
	fmt.Fprintf(&b, "dyn=%t;conv=%g;it=%d..%d",
		r.Refinement.DynamicBackground, r.Refinement.ConvergenceThreshold,
		r.Refinement.MinIterations, r.Refinement.MaxIterations)
	return b.String()
}

// MillerIndices returns the numeric Miller indices of the active peaks.
// Unparseable indices become 0.
func (r *Recipe) MillerIndices() []int32 {
	out := make([]int32, len(r.ActivePeaks))
	for i, p := range r.ActivePeaks {
		var v int32
		fmt.Sscanf(p.MillerIndex, "%d", &v)
		out[i] = v
	}
	return out
}
