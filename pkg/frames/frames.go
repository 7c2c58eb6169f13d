// Package frames discovers diffraction frames on disk and assigns each
// a strictly increasing global index across single- and multi-exposure
// files.
package frames

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/materialsio/peakflow/pkg/errors"
)

// FrameInfo identifies one exposure inside the acquisition sequence.
type FrameInfo struct {
	// Path is the container file holding the exposure
	Path string `json:"path"`
	// GlobalIndex is the frame's position in the full ordered sequence
	GlobalIndex int `json:"global_index"`
	// LocalIndex is the exposure's position within its container file
	LocalIndex int `json:"local_index"`
	// IsMultiFrame reports whether the container holds multiple exposures
	IsMultiFrame bool `json:"is_multi_frame"`
	// Metadata carries acquisition key-values read alongside discovery
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Range selects a slice of the discovered sequence. End = -1 selects
// through the final frame; Step < 1 is treated as 1.
type Range struct {
	Start int
	End   int
	Step  int
}

// All selects every discovered frame.
func All() Range { return Range{Start: 0, End: -1, Step: 1} }

// Source yields an ordered frame sequence. Implementations must
// guarantee GlobalIndex is strictly increasing across the result.
type Source interface {
	Discover(r Range) ([]FrameInfo, error)
}

// geHeaderBytes is the fixed acquisition header of GE detector files.
const geHeaderBytes = 8192

// geFramePattern matches multi-exposure GE container extensions
// (.ge1 through .ge5, optionally behind .edf).
var geFramePattern = regexp.MustCompile(`\.ge[1-5]$`)

// DirectorySource discovers frames from an acquisition directory.
// Single-exposure .tif files contribute one frame each; GE container
// files contribute (size - header) / frameBytes exposures.
type DirectorySource struct {
	// Dir is the acquisition directory
	Dir string
	// FrameBytes is the uncompressed per-exposure byte size of
	// multi-frame containers, detector rows * columns * 2.
	FrameBytes int64
}

// NewDirectorySource creates a source over dir for a square detector
// of the given pixel count per side.
func NewDirectorySource(dir string, detectorSize int) *DirectorySource {
	if detectorSize <= 0 {
		detectorSize = 2048
	}
	return &DirectorySource{Dir: dir, FrameBytes: int64(detectorSize) * int64(detectorSize) * 2}
}

// Discover implements Source.
func (s *DirectorySource) Discover(r Range) ([]FrameInfo, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFrameDiscovery, "cannot read acquisition directory")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if isSingleFrame(name) || isMultiFrame(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var all []FrameInfo
	for _, name := range names {
		path := filepath.Join(s.Dir, name)
		if isSingleFrame(name) {
			all = append(all, FrameInfo{Path: path, GlobalIndex: len(all)})
			continue
		}

		count, err := s.containerFrames(path)
		if err != nil {
			return nil, err
		}
		for i := 0; i < count; i++ {
			all = append(all, FrameInfo{
				Path:         path,
				GlobalIndex:  len(all),
				LocalIndex:   i,
				IsMultiFrame: true,
			})
		}
	}

	if len(all) == 0 {
		return nil, errors.Newf(errors.ErrorTypeFrameDiscovery, "no frames found in %s", s.Dir)
	}
	return Select(all, r)
}

func (s *DirectorySource) containerFrames(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFrameDiscovery, "cannot stat container")
	}
	payload := info.Size() - geHeaderBytes
	if payload < s.FrameBytes {
		return 0, errors.Newf(errors.ErrorTypeFrameDiscovery,
			"container %s holds no complete frames (%d bytes)", path, info.Size())
	}
	return int(payload / s.FrameBytes), nil
}

func isSingleFrame(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".tif" || ext == ".tiff"
}

func isMultiFrame(name string) bool {
	lower := strings.ToLower(name)
	return geFramePattern.MatchString(lower) || strings.HasSuffix(lower, ".edf")
}

// Select applies a range over an ordered frame sequence and validates
// the strictly-increasing global index contract.
func Select(all []FrameInfo, r Range) ([]FrameInfo, error) {
	for i := 1; i < len(all); i++ {
		if all[i].GlobalIndex <= all[i-1].GlobalIndex {
			return nil, errors.Newf(errors.ErrorTypeFrameDiscovery,
				"frame ordering violated at index %d", i)
		}
	}

	if r.Step < 1 {
		r.Step = 1
	}
	end := r.End
	if end < 0 || end > len(all) {
		end = len(all)
	}
	start := r.Start
	if start < 0 {
		start = 0
	}
	if start >= end {
		return nil, errors.Newf(errors.ErrorTypeFrameDiscovery,
			"frame range [%d, %d) selects nothing from %d frames", r.Start, r.End, len(all))
	}

	out := make([]FrameInfo, 0, (end-start+r.Step-1)/r.Step)
	for i := start; i < end; i += r.Step {
		out = append(out, all[i])
	}
	return out, nil
}
