package dataset

import (
	"math"

	"github.com/materialsio/peakflow/pkg/errors"
)

// CalculateDelta appends "delta {measurement}", the frame-axis
// difference of the named column.
//
// Frame-0 convention: the delta series is prepended with zero, so
// delta[0] is always 0 and delta[f] = value[f] - value[f-1] for f >= 1.
// This is the single convention used for every derived delta column.
func (d *Dataset) CalculateDelta(measurement string) error {
	vals, err := d.Measurement(measurement)
	if err != nil {
		return err
	}

	delta := make([]float32, len(vals))
	for p := 0; p < d.peaks; p++ {
		for f := 1; f < d.frames; f++ {
			for a := 0; a < d.azimuths; a++ {
				cur := vals[(p*d.frames+f)*d.azimuths+a]
				prev := vals[(p*d.frames+f-1)*d.azimuths+a]
				delta[(p*d.frames+f)*d.azimuths+a] = cur - prev
			}
		}
	}

	return d.AddMeasurement("delta "+measurement, delta)
}

// CalculateStrain appends "strain" and "abs strain" from the "d"
// column against a per-(peak, azimuth) reference d-spacing table.
// Strain is defined only where both sample and reference d-spacing are
// non-zero and finite; everywhere else it is 0, never NaN, so every
// cell stays renderable downstream.
func (d *Dataset) CalculateStrain(referenceD []float32) error {
	if len(referenceD) != d.peaks*d.azimuths {
		return errors.Newf(errors.ErrorTypeShapeMismatch,
			"reference d table has %d values, need %d", len(referenceD), d.peaks*d.azimuths)
	}

	dVals, err := d.Measurement("d")
	if err != nil {
		return err
	}

	strain := make([]float32, len(dVals))
	absStrain := make([]float32, len(dVals))
	for p := 0; p < d.peaks; p++ {
		for a := 0; a < d.azimuths; a++ {
			ref := referenceD[p*d.azimuths+a]
			if ref == 0 || math.IsNaN(float64(ref)) || math.IsInf(float64(ref), 0) {
				continue
			}
			for f := 0; f < d.frames; f++ {
				i := (p*d.frames+f)*d.azimuths + a
				v := dVals[i]
				if v == 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					continue
				}
				s := (v - ref) / ref
				strain[i] = s
				absStrain[i] = float32(math.Abs(float64(s)))
			}
		}
	}

	if err := d.AddMeasurement("strain", strain); err != nil {
		return err
	}
	return d.AddMeasurement("abs strain", absStrain)
}

// CalculatePercentChange appends "pct {measurement}", the true percent
// change of the column against its captured reference table. It fails
// with a reference_unavailable error when no reference context for the
// measurement was captured during processing.
func (d *Dataset) CalculatePercentChange(measurement string) error {
	ref, ok := d.refTables[measurement]
	if !ok {
		return errors.Newf(errors.ErrorTypeReferenceUnavailable,
			"no reference values captured for measurement %q", measurement)
	}

	vals, err := d.Measurement(measurement)
	if err != nil {
		return err
	}

	pct := make([]float32, len(vals))
	for p := 0; p < d.peaks; p++ {
		for a := 0; a < d.azimuths; a++ {
			r := ref[p*d.azimuths+a]
			if r == 0 || math.IsNaN(float64(r)) || math.IsInf(float64(r), 0) {
				continue
			}
			for f := 0; f < d.frames; f++ {
				i := (p*d.frames+f)*d.azimuths + a
				v := vals[i]
				if v == 0 {
					continue
				}
				pct[i] = (v - r) / r * 100
			}
		}
	}

	return d.AddMeasurement("pct "+measurement, pct)
}

// Subtract creates a difference dataset from a before/after pair:
// a copy of after with one "diff {measurement}" column appended per
// requested measurement present in both datasets. A positive shift
// rolls the after series forward along the frame axis before
// subtraction; rolled-in frames are left at 0.
func Subtract(before, after *Dataset, measurements []string, shift int) (*Dataset, error) {
	bp, bf, ba, _ := before.Shape()
	ap, af, aa, _ := after.Shape()
	if bp != ap || bf != af || ba != aa {
		return nil, errors.Newf(errors.ErrorTypeShapeMismatch,
			"dataset shapes (%d, %d, %d) and (%d, %d, %d) differ", bp, bf, ba, ap, af, aa)
	}

	before.Finalize()
	after.Finalize()

	diff, err := New(ap, af, aa, after.cols, after.grid)
	if err != nil {
		return nil, err
	}
	diff.SetChunkTarget(after.chunkTarget)
	diff.SetMillerIndices(after.miller)
	copy(diff.frameNumbers, after.frameNumbers)
	copy(diff.azimuthAngles, after.azimuthAngles)

	nm := len(after.cols)
	for p := 0; p < ap; p++ {
		for f := 0; f < af; f++ {
			for a := 0; a < aa; a++ {
				base := ((p*af+f)*aa + a) * nm
				for m := 0; m < nm; m++ {
					diff.dense[base+m] = after.chunked.value(p, f, a, m)
				}
			}
		}
	}
	diff.Finalize()

	for _, name := range measurements {
		if !before.HasColumn(name) || !after.HasColumn(name) {
			continue
		}
		bVals, err := before.Measurement(name)
		if err != nil {
			return nil, err
		}
		aVals, err := after.Measurement(name)
		if err != nil {
			return nil, err
		}

		vals := make([]float32, len(aVals))
		for p := 0; p < ap; p++ {
			for f := 0; f < af; f++ {
				src := f - shift
				if src < 0 || src >= af {
					continue
				}
				for a := 0; a < aa; a++ {
					vals[(p*af+f)*aa+a] = aVals[(p*af+src)*aa+a] - bVals[(p*af+f)*aa+a]
				}
			}
		}
		if err := diff.AddMeasurement("diff "+name, vals); err != nil {
			return nil, err
		}
	}

	return diff, nil
}
