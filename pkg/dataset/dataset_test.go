package dataset

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/materialsio/peakflow/pkg/errors"
)

var testGrid = AzimuthGrid{Start: 0, Spacing: 5, Bins: 72}

func buildDataset(t *testing.T, peaks, frames int, fill func(p, f, a int) map[string]float64) *Dataset {
	t.Helper()
	d, err := New(peaks, frames, testGrid.Bins, []string{"d", "int", "sig", "gam", "pos"}, testGrid)
	require.NoError(t, err)

	for p := 0; p < peaks; p++ {
		for f := 0; f < frames; f++ {
			rows := make([]Row, testGrid.Bins)
			for a := 0; a < testGrid.Bins; a++ {
				rows[a] = Row{
					Azimuth:     float64(a) * testGrid.Spacing,
					FrameNumber: int32(f + 1),
					Values:      fill(p, f, a),
				}
			}
			require.NoError(t, d.SetFrameData(p, f, rows))
		}
	}
	return d
}

func TestNewValidation(t *testing.T) {
	_, err := New(0, 10, 72, []string{"d"}, testGrid)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConstruction))

	_, err = New(1, 10, 72, nil, testGrid)
	require.Error(t, err)

	_, err = New(1, 10, 72, []string{"d", "d"}, testGrid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestWriteFinalizeReadRoundTrip(t *testing.T) {
	d := buildDataset(t, 2, 10, func(p, f, a int) map[string]float64 {
		return map[string]float64{
			"d":   4.5 + float64(p),
			"int": float64(100*f + a),
			"pos": 4.5,
		}
	})

	d.Finalize()
	require.True(t, d.Finalized())

	intCol, err := d.Measurement("int")
	require.NoError(t, err)
	for p := 0; p < 2; p++ {
		for f := 0; f < 10; f++ {
			for a := 0; a < 72; a++ {
				want := float32(100*f + a)
				assert.Equal(t, want, intCol[(p*10+f)*72+a])
			}
		}
	}

	assert.Equal(t, int32(3), d.FrameNumber(0, 2))
	assert.InDelta(t, 25.0, float64(d.AzimuthAngle(1, 5)), 1e-6)
}

func TestSetFrameDataAfterFinalize(t *testing.T) {
	d := buildDataset(t, 1, 2, func(p, f, a int) map[string]float64 {
		return map[string]float64{"d": 1}
	})
	d.Finalize()

	err := d.SetFrameData(0, 0, []Row{{Azimuth: 0, Values: map[string]float64{"d": 2}}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMutationAfterFinalize))
}

func TestSetFrameDataSkipsNaN(t *testing.T) {
	d, err := New(1, 1, 72, []string{"d"}, testGrid)
	require.NoError(t, err)
	require.NoError(t, d.SetFrameData(0, 0, []Row{
		{Azimuth: 0, Values: map[string]float64{"d": math.NaN()}},
		{Azimuth: 5, Values: map[string]float64{"d": 2.5}},
	}))
	d.Finalize()

	assert.Equal(t, float32(0), d.Value(0, 0, 0, 0))
	assert.Equal(t, float32(2.5), d.Value(0, 0, 1, 0))
}

func TestFinalizeIdempotent(t *testing.T) {
	d := buildDataset(t, 1, 3, func(p, f, a int) map[string]float64 {
		return map[string]float64{"d": 1.5}
	})
	d.Finalize()
	plan := d.Plan()
	d.Finalize()
	assert.Equal(t, plan, d.Plan())
}

func TestAddMeasurement(t *testing.T) {
	d := buildDataset(t, 1, 4, func(p, f, a int) map[string]float64 {
		return map[string]float64{"d": 1}
	})

	vals := make([]float32, 4*72)
	for i := range vals {
		vals[i] = float32(i)
	}
	require.NoError(t, d.AddMeasurement("strain", vals))
	assert.True(t, d.HasColumn("strain"))

	got, err := d.Measurement("strain")
	require.NoError(t, err)
	assert.Equal(t, vals, got)

	// Existing columns survive the append.
	dCol, err := d.Measurement("d")
	require.NoError(t, err)
	assert.Equal(t, float32(1), dCol[0])

	err = d.AddMeasurement("strain", vals)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDuplicateMeasurement))

	err = d.AddMeasurement("short", vals[:10])
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeShapeMismatch))
}

func TestPeakAndFrameSlices(t *testing.T) {
	d := buildDataset(t, 2, 3, func(p, f, a int) map[string]float64 {
		return map[string]float64{"int": float64(1000*p + 100*f + a)}
	})

	intCol := 1 // column order is d, int, sig, gam, pos
	nm := 5

	peak, err := d.Peak(1)
	require.NoError(t, err)
	require.Len(t, peak, 3*72*nm)
	for f := 0; f < 3; f++ {
		for a := 0; a < 72; a++ {
			want := float32(1000 + 100*f + a)
			assert.Equal(t, want, peak[(f*72+a)*nm+intCol])
		}
	}

	frame, err := d.Frame(2)
	require.NoError(t, err)
	require.Len(t, frame, 2*72*nm)
	for p := 0; p < 2; p++ {
		for a := 0; a < 72; a++ {
			want := float32(1000*p + 200 + a)
			assert.Equal(t, want, frame[(p*72+a)*nm+intCol])
		}
	}

	_, err = d.Peak(2)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConstruction))

	_, err = d.Frame(-1)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConstruction))
}

func TestCalculateDeltaConstantIsZero(t *testing.T) {
	d := buildDataset(t, 1, 20, func(p, f, a int) map[string]float64 {
		return map[string]float64{"int": 100}
	})

	require.NoError(t, d.CalculateDelta("int"))
	delta, err := d.Measurement("delta int")
	require.NoError(t, err)
	for i, v := range delta {
		require.Equal(t, float32(0), v, "delta at %d", i)
	}
}

func TestCalculateDeltaConstantSmallGrid(t *testing.T) {
	grid := AzimuthGrid{Start: 0, Spacing: 90, Bins: 4}
	d, err := New(2, 3, 4, []string{"pos", "int", "sig", "gam", "d"}, grid)
	require.NoError(t, err)

	for p := 0; p < 2; p++ {
		for f := 0; f < 3; f++ {
			rows := make([]Row, 4)
			for a := 0; a < 4; a++ {
				rows[a] = Row{
					Azimuth:     float64(a) * 90,
					FrameNumber: int32(f),
					Values:      map[string]float64{"int": 100},
				}
			}
			require.NoError(t, d.SetFrameData(p, f, rows))
		}
	}
	d.Finalize()

	require.NoError(t, d.CalculateDelta("int"))
	delta, err := d.Measurement("delta int")
	require.NoError(t, err)
	for i, v := range delta {
		require.Equal(t, float32(0), v, "delta at %d", i)
	}
}

func TestCalculateDelta(t *testing.T) {
	d := buildDataset(t, 1, 5, func(p, f, a int) map[string]float64 {
		return map[string]float64{"int": float64(10 * f)}
	})

	require.NoError(t, d.CalculateDelta("int"))
	delta, err := d.Measurement("delta int")
	require.NoError(t, err)

	// Frame 0 is zero, subsequent frames carry the difference.
	assert.Equal(t, float32(0), delta[0])
	for f := 1; f < 5; f++ {
		assert.Equal(t, float32(10), delta[f*72])
	}
}

func TestCalculateStrain(t *testing.T) {
	d := buildDataset(t, 1, 3, func(p, f, a int) map[string]float64 {
		return map[string]float64{"d": 4.5 + 0.045*float64(f)}
	})

	ref := make([]float32, 72)
	for i := range ref {
		ref[i] = 4.5
	}
	require.NoError(t, d.CalculateStrain(ref))

	strain, err := d.Measurement("strain")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, float64(strain[0]), 1e-6)
	assert.InDelta(t, 0.01, float64(strain[72]), 1e-6)
	assert.InDelta(t, 0.02, float64(strain[144]), 1e-6)

	abs, err := d.Measurement("abs strain")
	require.NoError(t, err)
	assert.InDelta(t, 0.01, float64(abs[72]), 1e-6)
}

func TestCalculateStrainTwiceFails(t *testing.T) {
	d := buildDataset(t, 1, 2, func(p, f, a int) map[string]float64 {
		return map[string]float64{"d": 4.5}
	})

	ref := make([]float32, 72)
	for i := range ref {
		ref[i] = 4.5
	}
	require.NoError(t, d.CalculateStrain(ref))

	err := d.CalculateStrain(ref)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDuplicateMeasurement))
}

func TestCalculateStrainZeroReference(t *testing.T) {
	d := buildDataset(t, 1, 1, func(p, f, a int) map[string]float64 {
		return map[string]float64{"d": 4.5}
	})

	// Zero entries in the reference table never produce NaN or Inf.
	ref := make([]float32, 72)
	ref[10] = 4.5
	require.NoError(t, d.CalculateStrain(ref))

	strain, err := d.Measurement("strain")
	require.NoError(t, err)
	for _, v := range strain {
		assert.False(t, math.IsNaN(float64(v)))
		assert.False(t, math.IsInf(float64(v), 0))
	}
}

func TestCalculatePercentChange(t *testing.T) {
	d := buildDataset(t, 1, 2, func(p, f, a int) map[string]float64 {
		return map[string]float64{"int": 150}
	})

	err := d.CalculatePercentChange("int")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeReferenceUnavailable))

	ref := make([]float32, 72)
	for i := range ref {
		ref[i] = 100
	}
	require.NoError(t, d.SetReferenceTable("int", ref))
	require.NoError(t, d.CalculatePercentChange("int"))

	pct, err := d.Measurement("pct int")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, float64(pct[0]), 1e-4)
}

func TestSubtract(t *testing.T) {
	before := buildDataset(t, 1, 4, func(p, f, a int) map[string]float64 {
		return map[string]float64{"int": 100}
	})
	after := buildDataset(t, 1, 4, func(p, f, a int) map[string]float64 {
		return map[string]float64{"int": float64(100 + 10*f)}
	})

	diff, err := Subtract(before, after, []string{"int"}, 0)
	require.NoError(t, err)
	require.True(t, diff.HasColumn("diff int"))

	vals, err := diff.Measurement("diff int")
	require.NoError(t, err)
	for f := 0; f < 4; f++ {
		assert.Equal(t, float32(10*f), vals[f*72])
	}
}

func TestExportRoundTrip(t *testing.T) {
	d := buildDataset(t, 2, 6, func(p, f, a int) map[string]float64 {
		return map[string]float64{"d": float64(p+1) * 2.1, "int": float64(f * a)}
	})
	d.SetMillerIndices([]int32{110, 200})
	ref := make([]float32, 2*72)
	for i := range ref {
		ref[i] = 4.2
	}
	require.NoError(t, d.SetReferenceTable("d", ref))
	d.Finalize()

	meta := d.Export()
	loaded, err := NewFinalized(meta)
	require.NoError(t, err)
	for i := 0; i < d.NumChunks(); i++ {
		require.NoError(t, loaded.SetChunk(i, d.Chunk(i)))
	}

	assert.Equal(t, d.Columns(), loaded.Columns())
	assert.Equal(t, d.MillerIndices(), loaded.MillerIndices())
	assert.Equal(t, d.ReferenceTable("d"), loaded.ReferenceTable("d"))

	for p := 0; p < 2; p++ {
		for f := 0; f < 6; f++ {
			for a := 0; a < 72; a++ {
				assert.Equal(t, d.Value(p, f, a, 1), loaded.Value(p, f, a, 1))
			}
		}
	}
}

func TestAzimuthGridIndex(t *testing.T) {
	g := AzimuthGrid{Start: 0, Spacing: 5, Bins: 72}
	assert.Equal(t, 0, g.Index(0))
	assert.Equal(t, 1, g.Index(5))
	assert.Equal(t, 1, g.Index(6.2))
	assert.Equal(t, 71, g.Index(355))
	assert.Equal(t, 71, g.Index(720))
	assert.Equal(t, 0, g.Index(-90))
}
