package pipeline

import (
	"context"
	"math"

	"github.com/materialsio/peakflow/pkg/config"
	"github.com/materialsio/peakflow/pkg/frames"
	"github.com/materialsio/peakflow/pkg/refine"
)

// SyntheticSource generates deterministic slice histograms without
// touching image files: Gaussian peaks at the recipe's nominal
// positions whose amplitude breathes with frame number and azimuth.
// It backs demonstration runs and the pipeline tests, where its
// determinism lets different worker counts be compared byte-for-byte.
type SyntheticSource struct {
	recipe *config.Recipe
	points int
}

// NewSyntheticSource creates a source for the recipe's analysis window.
func NewSyntheticSource(recipe *config.Recipe) *SyntheticSource {
	return &SyntheticSource{recipe: recipe, points: 400}
}

// Slices implements SpectrumSource.
func (s *SyntheticSource) Slices(_ context.Context, frame frames.FrameInfo, azimuths []float64) ([]refine.Spectrum, error) {
	lo, hi := s.recipe.Window()
	pad := (hi - lo) * 0.1
	lo -= pad
	hi += pad
	step := (hi - lo) / float64(s.points-1)

	out := make([]refine.Spectrum, len(azimuths))
	for a, azimuth := range azimuths {
		angles := make([]float64, s.points)
		intensities := make([]float64, s.points)
		for i := range angles {
			angles[i] = lo + float64(i)*step
			intensities[i] = 20
		}

		for _, peak := range s.recipe.ActivePeaks {
			amp := 1000 * (1 + 0.2*math.Sin(azimuth*math.Pi/180)) *
				(1 + 0.05*math.Sin(float64(frame.GlobalIndex)*0.1))
			width := 0.02 + 0.002*math.Cos(azimuth*math.Pi/90)
			for i, x := range angles {
				t := (x - peak.Position) / width
				intensities[i] += amp * math.Exp(-0.5*t*t)
			}
		}
		for _, pos := range s.recipe.BackgroundCandidates() {
			for i, x := range angles {
				t := (x - pos) / 0.05
				intensities[i] += 80 * math.Exp(-0.5*t*t)
			}
		}

		out[a] = refine.Spectrum{Azimuth: azimuth, Angles: angles, Intensities: intensities}
	}
	return out, nil
}
