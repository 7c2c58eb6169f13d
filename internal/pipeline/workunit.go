// Package pipeline orchestrates a batch run: the reference calibration
// pass, the parallel sample scheduler, and the aggregation of per-frame
// results into the 4-D dataset.
package pipeline

import (
	"context"
	"sync"

	"github.com/materialsio/peakflow/pkg/frames"
	"github.com/materialsio/peakflow/pkg/refine"
)

// SpectrumSource turns one frame into its azimuthal slice histograms,
// one spectrum per bin angle. Image decoding and integration live
// behind this interface.
type SpectrumSource interface {
	Slices(ctx context.Context, frame frames.FrameInfo, azimuths []float64) ([]refine.Spectrum, error)
}

// ReferenceContext carries the calibration pass output consumed by
// every sample WorkUnit.
type ReferenceContext struct {
	// DTable is the baseline (peak, azimuth) d-spacing used for strain
	DTable []float32
	// Tables holds the per-(peak, azimuth) mean of each primitive
	// measurement, keyed by column name
	Tables map[string][]float32
	// Seeds holds per-azimuth starting peak parameters, [azimuth][peak]
	Seeds [][]refine.PeakParams
	// Background holds the averaged per-azimuth background template,
	// nil when no background candidate fell inside the analysis window
	Background [][]refine.PeakParams
}

// WorkUnit is one frame's dispatch descriptor. It exists from dispatch
// until its result is merged.
type WorkUnit struct {
	Frame       frames.FrameInfo
	Index       int
	IsReference bool
	Reference   *ReferenceContext
	Steps       []refine.Step
}

// FailureEntry records one frame aborted by a refinement failure.
type FailureEntry struct {
	FrameIndex int    `json:"frame_index"`
	Path       string `json:"path"`
	Reason     string `json:"reason"`
}

// Manifest collects per-frame failures across a batch. Failed frames
// stay in the dataset as all-zero slices; the manifest is the record of
// which ones those are.
type Manifest struct {
	mu       sync.Mutex
	Failures []FailureEntry `json:"failures"`
}

// Add records a failure. Safe for concurrent use.
func (m *Manifest) Add(e FailureEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures = append(m.Failures, e)
}

// Len returns the failure count.
func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Failures)
}
