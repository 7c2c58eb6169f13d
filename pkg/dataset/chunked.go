package dataset

// chunkedStore is the closed-state backing store: the 4-D array split
// into fixed-size chunks along (peak, frame, azimuth), with all
// measurement columns interleaved inside each chunk. Edge chunks are
// allocated full-size and zero-padded; the padding compresses away in
// the persistent store.
type chunkedStore struct {
	dims  [4]int // full extents (peaks, frames, azimuths, measurements)
	chunk [4]int // chunk sizes per axis
	grid  [3]int // chunk counts along (peak, frame, azimuth)

	chunks [][]float32
}

func newChunkedStore(dims [4]int, plan ChunkDims) *chunkedStore {
	chunk := [4]int{plan.Peaks, plan.Frames, plan.Azimuths, plan.Measurements}
	grid := [3]int{
		ceilDiv(dims[0], chunk[0]),
		ceilDiv(dims[1], chunk[1]),
		ceilDiv(dims[2], chunk[2]),
	}

	chunks := make([][]float32, grid[0]*grid[1]*grid[2])
	size := chunk[0] * chunk[1] * chunk[2] * chunk[3]
	for i := range chunks {
		chunks[i] = make([]float32, size)
	}

	return &chunkedStore{dims: dims, chunk: chunk, grid: grid, chunks: chunks}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 1
	}
	return (a + b - 1) / b
}

// locate maps array coordinates to (chunk index, offset within chunk).
func (s *chunkedStore) locate(p, f, a, m int) (int, int) {
	cp, pp := p/s.chunk[0], p%s.chunk[0]
	cf, ff := f/s.chunk[1], f%s.chunk[1]
	ca, aa := a/s.chunk[2], a%s.chunk[2]

	ci := (cp*s.grid[1]+cf)*s.grid[2] + ca
	off := ((pp*s.chunk[1]+ff)*s.chunk[2]+aa)*s.chunk[3] + m
	return ci, off
}

func (s *chunkedStore) value(p, f, a, m int) float32 {
	ci, off := s.locate(p, f, a, m)
	return s.chunks[ci][off]
}

func (s *chunkedStore) setValue(p, f, a, m int, v float32) {
	ci, off := s.locate(p, f, a, m)
	s.chunks[ci][off] = v
}

// fillDense copies a dense (peak, frame, azimuth, measurement) array
// into the chunked layout.
func (s *chunkedStore) fillDense(dense []float32) {
	nm := s.dims[3]
	i := 0
	for p := 0; p < s.dims[0]; p++ {
		for f := 0; f < s.dims[1]; f++ {
			for a := 0; a < s.dims[2]; a++ {
				for m := 0; m < nm; m++ {
					if dense[i] != 0 {
						s.setValue(p, f, a, m, dense[i])
					}
					i++
				}
			}
		}
	}
}

// appendColumn grows the measurement axis by one column, rebuilding
// every chunk with the wider interleave. The measurement chunk always
// spans all columns, so the chunk grid itself is unchanged.
func (s *chunkedStore) appendColumn(values []float32) {
	oldM := s.chunk[3]
	newM := oldM + 1

	newSize := s.chunk[0] * s.chunk[1] * s.chunk[2] * newM
	rebuilt := make([][]float32, len(s.chunks))
	for ci, old := range s.chunks {
		next := make([]float32, newSize)
		elems := s.chunk[0] * s.chunk[1] * s.chunk[2]
		for e := 0; e < elems; e++ {
			copy(next[e*newM:e*newM+oldM], old[e*oldM:(e+1)*oldM])
		}
		rebuilt[ci] = next
	}
	s.chunks = rebuilt
	s.chunk[3] = newM
	s.dims[3] = newM

	i := 0
	for p := 0; p < s.dims[0]; p++ {
		for f := 0; f < s.dims[1]; f++ {
			for a := 0; a < s.dims[2]; a++ {
				if values[i] != 0 {
					s.setValue(p, f, a, newM-1, values[i])
				}
				i++
			}
		}
	}
}

// numChunks returns the chunk count.
func (s *chunkedStore) numChunks() int { return len(s.chunks) }

// chunkData returns the raw payload of one chunk.
func (s *chunkedStore) chunkData(i int) []float32 { return s.chunks[i] }

// setChunkData installs one chunk's payload, used when loading from the
// persistent store.
func (s *chunkedStore) setChunkData(i int, data []float32) {
	s.chunks[i] = data
}
