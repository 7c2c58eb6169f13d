package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/materialsio/peakflow/pkg/compression"
	"github.com/materialsio/peakflow/pkg/dataset"
	"github.com/materialsio/peakflow/pkg/errors"
)

func sampleDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	grid := dataset.AzimuthGrid{Start: 0, Spacing: 45, Bins: 8}
	ds, err := dataset.New(2, 5, 8, []string{"pos", "int", "d"}, grid)
	require.NoError(t, err)

	for p := 0; p < 2; p++ {
		for f := 0; f < 5; f++ {
			rows := make([]dataset.Row, 8)
			for a := 0; a < 8; a++ {
				rows[a] = dataset.Row{
					Azimuth:     float64(a) * 45,
					FrameNumber: int32(f + 1),
					Values: map[string]float64{
						"pos": 4.5 + 0.01*float64(p),
						"int": float64(1000 + f*10 + a),
						"d":   2.2,
					},
				}
			}
			require.NoError(t, ds.SetFrameData(p, f, rows))
		}
	}
	ds.SetMillerIndices([]int32{110, 200})

	ref := make([]float32, 2*8)
	for i := range ref {
		ref[i] = 2.2
	}
	require.NoError(t, ds.SetReferenceTable("d", ref))
	return ds
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, algo := range []compression.Algorithm{compression.Zstd, compression.LZ4, compression.Snappy, compression.None} {
		t.Run(string(algo), func(t *testing.T) {
			ds := sampleDataset(t)
			ds.Finalize()

			dir := filepath.Join(t.TempDir(), "out")
			store := NewStore(compression.Config{Algorithm: algo})
			require.NoError(t, store.Save(dir, ds, "bef 30s"))

			loaded, err := store.Load(dir)
			require.NoError(t, err)

			assert.Equal(t, ds.Columns(), loaded.Columns())
			assert.Equal(t, ds.MillerIndices(), loaded.MillerIndices())
			assert.Equal(t, ds.ReferenceTable("d"), loaded.ReferenceTable("d"))
			assert.Equal(t, ds.Plan(), loaded.Plan())

			for p := 0; p < 2; p++ {
				for f := 0; f < 5; f++ {
					assert.Equal(t, ds.FrameNumber(p, f), loaded.FrameNumber(p, f))
					for a := 0; a < 8; a++ {
						for m := 0; m < 3; m++ {
							require.Equal(t, ds.Value(p, f, a, m), loaded.Value(p, f, a, m))
						}
					}
				}
			}
		})
	}
}

func TestRoundTripSurvivesDerivedColumns(t *testing.T) {
	ds := sampleDataset(t)
	require.NoError(t, ds.CalculateDelta("int"))

	dir := filepath.Join(t.TempDir(), "out")
	store := NewStore(compression.Config{})
	require.NoError(t, store.Save(dir, ds, ""))

	loaded, err := store.Load(dir)
	require.NoError(t, err)
	assert.True(t, loaded.HasColumn("delta int"))

	want, err := ds.Measurement("delta int")
	require.NoError(t, err)
	got, err := loaded.Measurement("delta int")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadMissingDirectory(t *testing.T) {
	store := NewStore(compression.Config{})
	_, err := store.Load(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
}

func TestLoadCorruptMetadata(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.json"), []byte("{not json"), 0o644))

	store := NewStore(compression.Config{})
	_, err := store.Load(dir)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
}
