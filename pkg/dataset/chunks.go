package dataset

import "math"

// elementSize is the byte size of one stored value (float32).
const elementSize = 4

// DefaultChunkTarget is the chunk byte budget used when none is configured.
const DefaultChunkTarget = 100 * 1024 * 1024

// ChunkDims holds the per-axis chunk sizes of a finalized dataset.
type ChunkDims struct {
	Peaks        int `json:"peaks"`
	Frames       int `json:"frames"`
	Azimuths     int `json:"azimuths"`
	Measurements int `json:"measurements"`
}

// Elements returns the number of values in one chunk.
func (c ChunkDims) Elements() int {
	return c.Peaks * c.Frames * c.Azimuths * c.Measurements
}

// Bytes returns the uncompressed byte size of one chunk.
func (c ChunkDims) Bytes() int64 {
	return int64(c.Elements()) * elementSize
}

// PlanChunks computes storage chunk dimensions for a
// (peaks, frames, azimuths, measurements) dataset under a target byte
// budget.
//
// The peak chunk is always 1: peaks are processed and read independently.
// The measurement chunk always spans all columns so that primary and
// derived values of one peak stay co-located. The remaining element budget
// is split between the frame and azimuth axes: when the full extent fits
// it is used whole; otherwise the split follows the frame/azimuth aspect
// ratio, favoring the frame axis when frames >= azimuths for better
// sequential access over time series.
func PlanChunks(peaks, frames, azimuths, measurements int, targetBytes int64) ChunkDims {
	if targetBytes <= 0 {
		targetBytes = DefaultChunkTarget
	}

	targetElements := int(targetBytes / elementSize)
	if targetElements < 1 {
		targetElements = 1
	}

	peakChunk := clamp(1, 1, peaks)
	measChunk := clamp(measurements, 1, measurements)

	remaining := targetElements / max(1, peakChunk*measChunk)
	if remaining < 1 {
		remaining = 1
	}

	var frameChunk, azChunk int
	if remaining >= frames*azimuths {
		frameChunk = frames
		azChunk = azimuths
	} else {
		aspect := 1.0
		if azimuths > 0 {
			aspect = float64(frames) / float64(azimuths)
		}

		// The favored axis is capped at the element budget as well as
		// its extent, so a lopsided aspect ratio cannot push the chunk
		// past the byte target on its own.
		if aspect >= 1 {
			frameChunk = clamp(int(math.Sqrt(float64(remaining)*0.7)*aspect), 1, min(frames, remaining))
			azChunk = clamp(remaining/frameChunk, 1, azimuths)
		} else {
			azChunk = clamp(int(math.Sqrt(float64(remaining)*0.7)/aspect), 1, min(azimuths, remaining))
			frameChunk = clamp(remaining/azChunk, 1, frames)
		}
	}

	return ChunkDims{
		Peaks:        peakChunk,
		Frames:       clamp(frameChunk, 1, frames),
		Azimuths:     clamp(azChunk, 1, azimuths),
		Measurements: measChunk,
	}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
