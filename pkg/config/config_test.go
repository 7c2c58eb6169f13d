package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecipe() Recipe {
	r := DefaultRecipe()
	r.Sample = "steel_a"
	r.ImagesPath = "/data/steel_a/images"
	r.AzimuthStart = 0
	r.AzimuthEnd = 360
	r.ActivePeaks = []Peak{
		{Name: "Austenite 111", MillerIndex: "111", Position: 4.46, Window: [2]float64{4.2, 4.7}},
		{Name: "Ferrite 110", MillerIndex: "110", Position: 5.41, Window: [2]float64{5.2, 5.7}},
	}
	return r
}

func TestValidate(t *testing.T) {
	r := validRecipe()
	require.NoError(t, r.Validate())

	bad := validRecipe()
	bad.Sample = ""
	assert.Error(t, bad.Validate())

	bad = validRecipe()
	bad.ActivePeaks = nil
	assert.Error(t, bad.Validate())

	bad = validRecipe()
	bad.ActivePeaks[0].Position = 9.9
	assert.Error(t, bad.Validate())

	bad = validRecipe()
	bad.AzimuthEnd = bad.AzimuthStart
	assert.Error(t, bad.Validate())

	bad = validRecipe()
	bad.FrameStart, bad.FrameEnd = 10, 5
	assert.Error(t, bad.Validate())
}

func TestWindowAndBins(t *testing.T) {
	r := validRecipe()
	lo, hi := r.Window()
	assert.Equal(t, 4.2, lo)
	assert.Equal(t, 5.7, hi)
	assert.Equal(t, 72, r.AzimuthBins())
	assert.Equal(t, 360.0, r.TotalAngle())
}

func TestBackgroundCandidates(t *testing.T) {
	r := validRecipe()
	r.AvailablePeaks = []Peak{
		{Name: "Austenite 200", Position: 5.16}, // inside window, not active
		{Name: "Ferrite 110", Position: 5.41},   // active, excluded
		{Name: "Ferrite 200", Position: 7.65},   // outside window
	}

	got := r.BackgroundCandidates()
	assert.Equal(t, []float64{5.16}, got)
}

func TestParameterSignature(t *testing.T) {
	a := validRecipe()
	b := validRecipe()
	assert.Equal(t, a.ParameterSignature(), b.ParameterSignature())

	b.ActivePeaks[0].Window = [2]float64{4.25, 4.7}
	assert.NotEqual(t, a.ParameterSignature(), b.ParameterSignature())

	c := validRecipe()
	c.Refinement.DynamicBackground = !c.Refinement.DynamicBackground
	assert.NotEqual(t, a.ParameterSignature(), c.ParameterSignature())
}

func TestWorkerCount(t *testing.T) {
	r := validRecipe()
	// Unset means automatic: the compute backend does the sizing.
	assert.Equal(t, 0, r.WorkerCount())

	r.Performance.Workers = 6
	assert.Equal(t, 6, r.WorkerCount())
}

func TestMillerIndices(t *testing.T) {
	r := validRecipe()
	assert.Equal(t, []int32{111, 110}, r.MillerIndices())
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("bef")
	require.NoError(t, err)
	assert.Equal(t, StageBefore, s)

	_, err = ParseStage("sideways")
	assert.Error(t, err)
}

func TestLoadRecipeJSON(t *testing.T) {
	raw := `{
  "sample": "steel_a",
  "stage": "bef",
  "images_path": "/data/steel_a/images",
  "az_start": 0,
  "az_end": 360,
  "spacing": 5,
  "active_peaks": [
    {"name": "Austenite 111", "miller_index": "111", "position": 4.46, "limits": [4.2, 4.7]}
  ]
}`
	path := filepath.Join(t.TempDir(), "recipe.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	r, err := LoadRecipe(path)
	require.NoError(t, err)
	assert.Equal(t, "steel_a", r.Sample)
	assert.Equal(t, StageBefore, r.Stage)
	assert.Equal(t, [2]float64{4.2, 4.7}, r.ActivePeaks[0].Window)

	// Defaults fill what the file omits.
	assert.Equal(t, -1, r.FrameEnd)
	assert.Equal(t, 1e-4, r.Refinement.ConvergenceThreshold)
	assert.Greater(t, r.Detector.Wavelength, 0.0)
}

func TestLoadRecipeYAML(t *testing.T) {
	raw := `
sample: steel_b
images_path: /data/steel_b/images
az_start: 0
az_end: 180
spacing: 5
active_peaks:
  - name: Ferrite 110
    miller_index: "110"
    position: 5.41
    limits: [5.2, 5.7]
`
	path := filepath.Join(t.TempDir(), "recipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	r, err := LoadRecipe(path)
	require.NoError(t, err)
	assert.Equal(t, "steel_b", r.Sample)
	assert.Equal(t, 36, r.AzimuthBins())
}

func TestLoadRecipeRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipe.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sample": "x"}`), 0o644))

	_, err := LoadRecipe(path)
	assert.Error(t, err)

	_, err = LoadRecipe("recipe.toml")
	assert.Error(t, err)
}
