// Package storage persists finalized datasets as a directory of
// compressed chunk blobs plus a JSON metadata sidecar. Load
// reconstructs identical content, a round-trip contract the pipeline
// relies on when batches are post-processed elsewhere.
package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/materialsio/peakflow/pkg/compression"
	"github.com/materialsio/peakflow/pkg/dataset"
	"github.com/materialsio/peakflow/pkg/errors"
)

const (
	metadataFile = "meta.json"
	chunkDir     = "chunks"
)

// manifest is the on-disk sidecar: the dataset's own metadata plus the
// codec needed to read the chunk blobs back.
type manifest struct {
	Version     int                   `json:"version"`
	Algorithm   compression.Algorithm `json:"algorithm"`
	Level       compression.Level     `json:"level"`
	ChunkCount  int                   `json:"chunk_count"`
	Dataset     dataset.Metadata      `json:"dataset"`
	RecipeNotes string                `json:"recipe_notes,omitempty"`
}

// Store reads and writes datasets under a root directory, one
// subdirectory per dataset.
type Store struct {
	cfg  compression.Config
	pool *compression.Pool
}

// NewStore creates a store using the given chunk codec. The zero
// config selects zstd at the default level, matching the acquisition
// archive settings.
func NewStore(cfg compression.Config) *Store {
	if cfg.Algorithm == "" {
		cfg.Algorithm = compression.Zstd
	}
	if cfg.Level == 0 {
		cfg.Level = compression.Default
	}
	return &Store{cfg: cfg, pool: compression.NewPool(cfg)}
}

// Save writes the finalized dataset to dir, creating it. Notes are
// carried verbatim into the sidecar for provenance.
func (s *Store) Save(dir string, ds *dataset.Dataset, notes string) error {
	meta := ds.Export()

	if err := os.MkdirAll(filepath.Join(dir, chunkDir), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "cannot create dataset directory")
	}

	for i := 0; i < ds.NumChunks(); i++ {
		compressed, err := s.pool.Compress(floatsToBytes(ds.Chunk(i)))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "chunk compression failed")
		}
		if err := os.WriteFile(chunkPath(dir, i), compressed, 0o644); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "cannot write chunk")
		}
	}

	m := manifest{
		Version:     1,
		Algorithm:   s.cfg.Algorithm,
		Level:       s.cfg.Level,
		ChunkCount:  ds.NumChunks(),
		Dataset:     meta,
		RecipeNotes: notes,
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "cannot encode metadata")
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), raw, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "cannot write metadata")
	}
	return nil
}

// Load reads a dataset directory written by Save.
func (s *Store) Load(dir string) (*dataset.Dataset, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "cannot read metadata")
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "cannot decode metadata")
	}

	ds, err := dataset.NewFinalized(m.Dataset)
	if err != nil {
		return nil, err
	}
	if m.ChunkCount != ds.NumChunks() {
		return nil, errors.Newf(errors.ErrorTypeStorage,
			"metadata declares %d chunks, layout needs %d", m.ChunkCount, ds.NumChunks())
	}

	pool := compression.NewPool(compression.Config{Algorithm: m.Algorithm, Level: m.Level})
	for i := 0; i < m.ChunkCount; i++ {
		compressed, err := os.ReadFile(chunkPath(dir, i))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "cannot read chunk")
		}
		decoded, err := pool.Decompress(compressed)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "chunk decompression failed")
		}
		values, err := bytesToFloats(decoded)
		if err != nil {
			return nil, err
		}
		if err := ds.SetChunk(i, values); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func chunkPath(dir string, i int) string {
	return filepath.Join(dir, chunkDir, fmt.Sprintf("%06d.bin", i))
}

func floatsToBytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func bytesToFloats(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, errors.Newf(errors.ErrorTypeStorage, "chunk payload of %d bytes is not float32-aligned", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
