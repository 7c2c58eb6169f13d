package dataset

import "github.com/materialsio/peakflow/pkg/errors"

// Metadata is the persistable description of a finalized dataset. The
// storage layer serializes it alongside the compressed chunk payloads;
// together they reconstruct the dataset exactly.
type Metadata struct {
	Peaks    int `json:"peaks"`
	Frames   int `json:"frames"`
	Azimuths int `json:"azimuths"`

	Columns []string    `json:"columns"`
	Grid    AzimuthGrid `json:"grid"`
	Plan    ChunkDims   `json:"chunks"`

	FrameNumbers  []int32   `json:"frame_numbers"`
	AzimuthAngles []float32 `json:"azimuth_angles"`
	MillerIndices []int32   `json:"miller_indices"`

	ReferenceTables map[string][]float32 `json:"reference_tables,omitempty"`
}

// Export finalizes the dataset if needed and returns its metadata.
func (d *Dataset) Export() Metadata {
	d.Finalize()

	meta := Metadata{
		Peaks:         d.peaks,
		Frames:        d.frames,
		Azimuths:      d.azimuths,
		Columns:       d.Columns(),
		Grid:          d.grid,
		Plan:          d.plan,
		FrameNumbers:  append([]int32(nil), d.frameNumbers...),
		AzimuthAngles: append([]float32(nil), d.azimuthAngles...),
		MillerIndices: d.MillerIndices(),
	}
	if len(d.refTables) > 0 {
		meta.ReferenceTables = make(map[string][]float32, len(d.refTables))
		for name, t := range d.refTables {
			meta.ReferenceTables[name] = append([]float32(nil), t...)
		}
	}
	return meta
}

// NumChunks returns the chunk count of a finalized dataset, zero while open.
func (d *Dataset) NumChunks() int {
	if d.chunked == nil {
		return 0
	}
	return d.chunked.numChunks()
}

// Chunk returns one chunk's raw payload of a finalized dataset.
func (d *Dataset) Chunk(i int) []float32 {
	return d.chunked.chunkData(i)
}

// NewFinalized reconstructs a finalized dataset from stored metadata.
// Chunk payloads are installed afterwards via SetChunk.
func NewFinalized(meta Metadata) (*Dataset, error) {
	d, err := New(meta.Peaks, meta.Frames, meta.Azimuths, meta.Columns, meta.Grid)
	if err != nil {
		return nil, err
	}

	plan := meta.Plan
	if plan.Elements() == 0 {
		return nil, errors.Newf(errors.ErrorTypeConstruction,
			"stored chunk plan (%d, %d, %d, %d) is invalid",
			plan.Peaks, plan.Frames, plan.Azimuths, plan.Measurements)
	}

	copy(d.frameNumbers, meta.FrameNumbers)
	copy(d.azimuthAngles, meta.AzimuthAngles)
	copy(d.miller, meta.MillerIndices)
	for name, t := range meta.ReferenceTables {
		if err := d.SetReferenceTable(name, t); err != nil {
			return nil, err
		}
	}

	d.plan = plan
	d.chunked = newChunkedStore([4]int{d.peaks, d.frames, d.azimuths, len(d.cols)}, plan)
	d.dense = nil
	return d, nil
}

// SetChunk installs one chunk's payload on a dataset built by NewFinalized.
func (d *Dataset) SetChunk(i int, data []float32) error {
	if d.chunked == nil {
		return errors.New(errors.ErrorTypeConstruction, "dataset is not finalized")
	}
	if i < 0 || i >= d.chunked.numChunks() {
		return errors.Newf(errors.ErrorTypeConstruction, "chunk index %d out of range [0, %d)", i, d.chunked.numChunks())
	}
	if len(data) != d.plan.Elements() {
		return errors.Newf(errors.ErrorTypeShapeMismatch,
			"chunk %d has %d values, plan needs %d", i, len(data), d.plan.Elements())
	}
	d.chunked.setChunkData(i, data)
	return nil
}
