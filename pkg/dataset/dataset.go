// Package dataset provides the unified 4-D container for refined peak
// measurements, shaped (peak, frame, azimuth, measurement).
//
// A Dataset has a two-state lifecycle. It is created open, backed by a
// single dense float32 array, and mutated cell-by-cell while frames are
// merged. Finalize converts it once, irreversibly, to a chunked layout
// sized by the chunk planner; after that only whole-column appends
// (AddMeasurement and the derived calculations built on it) are legal.
// The conversion is one-way: there is no flag to flip back, so no client
// can observe a half-mutated chunked dataset.
package dataset

import (
	"math"
	"sort"

	"github.com/materialsio/peakflow/pkg/errors"
)

// AzimuthGrid maps azimuth angles onto bin indices. The grid is
// frame-invariant: every frame reports the same set of azimuth angles.
type AzimuthGrid struct {
	Start   float64 `json:"start"`
	Spacing float64 `json:"spacing"`
	Bins    int     `json:"bins"`
}

// Index converts an azimuth angle to its bin index, clamped to the grid.
func (g AzimuthGrid) Index(angle float64) int {
	if g.Spacing == 0 || g.Bins <= 0 {
		return 0
	}
	idx := int(math.Round((angle - g.Start) / g.Spacing))
	if idx < 0 {
		return 0
	}
	if idx >= g.Bins {
		return g.Bins - 1
	}
	return idx
}

// Row carries one azimuthal slice's named measurement values for a frame.
type Row struct {
	// Azimuth is the slice's azimuth angle in degrees
	Azimuth float64
	// FrameNumber is the source frame number from acquisition
	FrameNumber int32
	// Values maps measurement name to value; NaN values are skipped
	Values map[string]float64
}

// Dataset is the 4-D (peak, frame, azimuth, measurement) container.
type Dataset struct {
	peaks    int
	frames   int
	azimuths int

	cols   []string
	colIdx map[string]int

	grid        AzimuthGrid
	chunkTarget int64

	// Exactly one of dense (open) or chunked (closed) is non-nil.
	dense   []float32
	chunked *chunkedStore
	plan    ChunkDims

	frameNumbers  []int32   // (peak, frame)
	azimuthAngles []float32 // (peak, azimuth)
	miller        []int32   // per peak

	// reference tables, (peak, azimuth) per primitive measurement
	refTables map[string][]float32
}

// New creates an open Dataset with a dense backing store.
func New(peaks, frames, azimuths int, cols []string, grid AzimuthGrid) (*Dataset, error) {
	if peaks < 1 || frames < 1 || azimuths < 1 {
		return nil, errors.Newf(errors.ErrorTypeConstruction,
			"dataset dimensions must be positive, got (%d, %d, %d)", peaks, frames, azimuths)
	}
	if len(cols) == 0 {
		return nil, errors.New(errors.ErrorTypeConstruction, "at least one measurement column is required")
	}

	colIdx := make(map[string]int, len(cols))
	for i, c := range cols {
		if c == "" {
			return nil, errors.Newf(errors.ErrorTypeConstruction, "measurement column %d has empty name", i)
		}
		if _, dup := colIdx[c]; dup {
			return nil, errors.Newf(errors.ErrorTypeConstruction, "duplicate measurement column %q", c)
		}
		colIdx[c] = i
	}

	return &Dataset{
		peaks:         peaks,
		frames:        frames,
		azimuths:      azimuths,
		cols:          append([]string(nil), cols...),
		colIdx:        colIdx,
		grid:          grid,
		chunkTarget:   DefaultChunkTarget,
		dense:         make([]float32, peaks*frames*azimuths*len(cols)),
		frameNumbers:  make([]int32, peaks*frames),
		azimuthAngles: make([]float32, peaks*azimuths),
		miller:        make([]int32, peaks),
	}, nil
}

// Shape returns the (peaks, frames, azimuths, measurements) extents.
func (d *Dataset) Shape() (int, int, int, int) {
	return d.peaks, d.frames, d.azimuths, len(d.cols)
}

// Columns returns the measurement column names in storage order.
func (d *Dataset) Columns() []string {
	return append([]string(nil), d.cols...)
}

// HasColumn reports whether a measurement column exists.
func (d *Dataset) HasColumn(name string) bool {
	_, ok := d.colIdx[name]
	return ok
}

// Grid returns the azimuth grid.
func (d *Dataset) Grid() AzimuthGrid { return d.grid }

// Finalized reports whether the dataset has been converted to its
// chunked layout.
func (d *Dataset) Finalized() bool { return d.chunked != nil }

// SetChunkTarget overrides the chunk byte budget used by Finalize.
// It has no effect once the dataset is finalized.
func (d *Dataset) SetChunkTarget(bytes int64) {
	if bytes > 0 {
		d.chunkTarget = bytes
	}
}

// SetMillerIndices records the per-peak Miller index metadata.
func (d *Dataset) SetMillerIndices(indices []int32) {
	copy(d.miller, indices)
}

// MillerIndices returns the per-peak Miller index metadata.
func (d *Dataset) MillerIndices() []int32 {
	return append([]int32(nil), d.miller...)
}

// SetFrameData writes one frame's rows for one peak. Rows are sorted by
// azimuth before writing so ordering is deterministic regardless of the
// producer. The first non-zero write per (peak, azimuth bin) establishes
// that slot's stored angle; the azimuth grid is frame-invariant so later
// frames are idempotent on it.
func (d *Dataset) SetFrameData(peakIdx, frameIdx int, rows []Row) error {
	if d.chunked != nil {
		return errors.New(errors.ErrorTypeMutationAfterFinalize,
			"cannot write frame data after finalize")
	}
	if peakIdx < 0 || peakIdx >= d.peaks {
		return errors.Newf(errors.ErrorTypeConstruction, "peak index %d out of range [0, %d)", peakIdx, d.peaks)
	}
	if frameIdx < 0 || frameIdx >= d.frames {
		return errors.Newf(errors.ErrorTypeConstruction, "frame index %d out of range [0, %d)", frameIdx, d.frames)
	}
	if len(rows) == 0 {
		return nil
	}

	sorted := append([]Row(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Azimuth < sorted[j].Azimuth })

	d.frameNumbers[peakIdx*d.frames+frameIdx] = sorted[0].FrameNumber

	nm := len(d.cols)
	for _, row := range sorted {
		azIdx := d.grid.Index(row.Azimuth)

		if d.azimuthAngles[peakIdx*d.azimuths+azIdx] == 0 {
			d.azimuthAngles[peakIdx*d.azimuths+azIdx] = float32(row.Azimuth)
		}

		base := ((peakIdx*d.frames+frameIdx)*d.azimuths + azIdx) * nm
		for name, v := range row.Values {
			col, ok := d.colIdx[name]
			if !ok || math.IsNaN(v) {
				continue
			}
			d.dense[base+col] = float32(v)
		}
	}
	return nil
}

// Finalize converts the dense backing store to the planned chunked
// layout. It is idempotent and required before any read or export.
func (d *Dataset) Finalize() {
	if d.chunked != nil {
		return
	}

	d.plan = PlanChunks(d.peaks, d.frames, d.azimuths, len(d.cols), d.chunkTarget)
	d.chunked = newChunkedStore([4]int{d.peaks, d.frames, d.azimuths, len(d.cols)}, d.plan)
	d.chunked.fillDense(d.dense)
	d.dense = nil
}

// Plan returns the chunk dimensions chosen at finalize time.
// The zero value is returned while the dataset is still open.
func (d *Dataset) Plan() ChunkDims { return d.plan }

// Value reads one cell of a finalized dataset.
func (d *Dataset) Value(peakIdx, frameIdx, azIdx, colIdx int) float32 {
	if d.chunked == nil {
		return 0
	}
	return d.chunked.value(peakIdx, frameIdx, azIdx, colIdx)
}

// FrameNumber returns the acquisition frame number index at (peak, frame).
func (d *Dataset) FrameNumber(peakIdx, frameIdx int) int32 {
	return d.frameNumbers[peakIdx*d.frames+frameIdx]
}

// AzimuthAngle returns the stored angle at (peak, azimuth bin).
func (d *Dataset) AzimuthAngle(peakIdx, azIdx int) float32 {
	return d.azimuthAngles[peakIdx*d.azimuths+azIdx]
}

// Measurement returns one column as a dense (peak, frame, azimuth) slice.
// The dataset is finalized if still open.
func (d *Dataset) Measurement(name string) ([]float32, error) {
	col, ok := d.colIdx[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeShapeMismatch, "measurement %q not found", name)
	}
	d.Finalize()

	out := make([]float32, d.peaks*d.frames*d.azimuths)
	i := 0
	for p := 0; p < d.peaks; p++ {
		for f := 0; f < d.frames; f++ {
			for a := 0; a < d.azimuths; a++ {
				out[i] = d.chunked.value(p, f, a, col)
				i++
			}
		}
	}
	return out, nil
}

// Peak returns every measurement for one peak as a dense
// (frame, azimuth, measurement) slice.
func (d *Dataset) Peak(peakIdx int) ([]float32, error) {
	if peakIdx < 0 || peakIdx >= d.peaks {
		return nil, errors.Newf(errors.ErrorTypeConstruction, "peak index %d out of range [0, %d)", peakIdx, d.peaks)
	}
	d.Finalize()

	nm := len(d.cols)
	out := make([]float32, d.frames*d.azimuths*nm)
	i := 0
	for f := 0; f < d.frames; f++ {
		for a := 0; a < d.azimuths; a++ {
			for m := 0; m < nm; m++ {
				out[i] = d.chunked.value(peakIdx, f, a, m)
				i++
			}
		}
	}
	return out, nil
}

// Frame returns every measurement for one frame as a dense
// (peak, azimuth, measurement) slice.
func (d *Dataset) Frame(frameIdx int) ([]float32, error) {
	if frameIdx < 0 || frameIdx >= d.frames {
		return nil, errors.Newf(errors.ErrorTypeConstruction, "frame index %d out of range [0, %d)", frameIdx, d.frames)
	}
	d.Finalize()

	nm := len(d.cols)
	out := make([]float32, d.peaks*d.azimuths*nm)
	i := 0
	for p := 0; p < d.peaks; p++ {
		for a := 0; a < d.azimuths; a++ {
			for m := 0; m < nm; m++ {
				out[i] = d.chunked.value(p, frameIdx, a, m)
				i++
			}
		}
	}
	return out, nil
}

// PeakMeasurement returns one column for one peak as a dense
// (frame, azimuth) slice.
func (d *Dataset) PeakMeasurement(peakIdx int, name string) ([]float32, error) {
	if peakIdx < 0 || peakIdx >= d.peaks {
		return nil, errors.Newf(errors.ErrorTypeConstruction, "peak index %d out of range [0, %d)", peakIdx, d.peaks)
	}
	col, ok := d.colIdx[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeShapeMismatch, "measurement %q not found", name)
	}
	d.Finalize()

	out := make([]float32, d.frames*d.azimuths)
	i := 0
	for f := 0; f < d.frames; f++ {
		for a := 0; a < d.azimuths; a++ {
			out[i] = d.chunked.value(peakIdx, f, a, col)
			i++
		}
	}
	return out, nil
}

// AzimuthSeries returns the time series of one column at one
// (peak, azimuth bin).
func (d *Dataset) AzimuthSeries(peakIdx, azIdx int, name string) ([]float32, error) {
	col, ok := d.colIdx[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeShapeMismatch, "measurement %q not found", name)
	}
	d.Finalize()

	out := make([]float32, d.frames)
	for f := 0; f < d.frames; f++ {
		out[f] = d.chunked.value(peakIdx, f, azIdx, col)
	}
	return out, nil
}

// AddMeasurement appends a new column. The values slice must be a dense
// (peak, frame, azimuth) array. The dataset is implicitly finalized if
// still open; existing columns are never removed or reordered.
func (d *Dataset) AddMeasurement(name string, values []float32) error {
	if name == "" {
		return errors.New(errors.ErrorTypeConstruction, "measurement name must not be empty")
	}
	if _, exists := d.colIdx[name]; exists {
		return errors.Newf(errors.ErrorTypeDuplicateMeasurement, "measurement %q already exists", name)
	}
	if len(values) != d.peaks*d.frames*d.azimuths {
		return errors.Newf(errors.ErrorTypeShapeMismatch,
			"measurement %q has %d values, dataset shape needs %d",
			name, len(values), d.peaks*d.frames*d.azimuths)
	}

	d.Finalize()
	d.chunked.appendColumn(values)
	d.colIdx[name] = len(d.cols)
	d.cols = append(d.cols, name)
	d.plan.Measurements = len(d.cols)
	return nil
}

// SetReferenceTable stores a per-(peak, azimuth) reference table for a
// primitive measurement, used by percent-change and strain calculations
// and persisted with the dataset.
func (d *Dataset) SetReferenceTable(name string, table []float32) error {
	if len(table) != d.peaks*d.azimuths {
		return errors.Newf(errors.ErrorTypeShapeMismatch,
			"reference table %q has %d values, need %d", name, len(table), d.peaks*d.azimuths)
	}
	if d.refTables == nil {
		d.refTables = make(map[string][]float32)
	}
	d.refTables[name] = append([]float32(nil), table...)
	return nil
}

// ReferenceTable returns a stored reference table, or nil.
func (d *Dataset) ReferenceTable(name string) []float32 {
	t, ok := d.refTables[name]
	if !ok {
		return nil
	}
	return append([]float32(nil), t...)
}

// ReferenceTableNames lists the stored reference tables.
func (d *Dataset) ReferenceTableNames() []string {
	names := make([]string, 0, len(d.refTables))
	for n := range d.refTables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
