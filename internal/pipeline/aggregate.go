package pipeline

import (
	"github.com/materialsio/peakflow/pkg/cache"
	"github.com/materialsio/peakflow/pkg/config"
	"github.com/materialsio/peakflow/pkg/dataset"
	"github.com/materialsio/peakflow/pkg/errors"
)

// deltaColumns is the fixed post-finalize delta order. Columns absent
// from the dataset (strain without a reference pass) are skipped.
var deltaColumns = []string{"d", "strain", "int", "sig", "gam", "pos"}

func dataGrid(recipe *config.Recipe) dataset.AzimuthGrid {
	return dataset.AzimuthGrid{
		Start:   recipe.AzimuthStart,
		Spacing: recipe.Spacing,
		Bins:    recipe.AzimuthBins(),
	}
}

// aggregate merges ordered per-frame results into a fresh dataset and
// computes the derived measurements. Results arrive already in
// frame-index order; frames with no rows (failures) stay all-zero.
func aggregate(recipe *config.Recipe, refCtx *ReferenceContext, results []cache.Result) (*dataset.Dataset, error) {
	nPeaks := len(recipe.ActivePeaks)
	ds, err := dataset.New(nPeaks, len(results), recipe.AzimuthBins(), primitiveColumns, dataGrid(recipe))
	if err != nil {
		return nil, err
	}
	ds.SetChunkTarget(recipe.Performance.ChunkTargetBytes)
	ds.SetMillerIndices(recipe.MillerIndices())

	for f, res := range results {
		for p := 0; p < nPeaks && p < len(res.Rows); p++ {
			if err := ds.SetFrameData(p, f, res.Rows[p]); err != nil {
				return nil, err
			}
		}
	}

	if refCtx != nil {
		for name, table := range refCtx.Tables {
			if err := ds.SetReferenceTable(name, table); err != nil {
				return nil, err
			}
		}
		if err := ds.CalculateStrain(refCtx.DTable); err != nil {
			return nil, err
		}
	}

	ds.Finalize()

	for _, col := range deltaColumns {
		if !ds.HasColumn(col) {
			continue
		}
		if err := ds.CalculateDelta(col); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "delta calculation failed")
		}
	}

	if refCtx != nil {
		if err := ds.CalculatePercentChange("int"); err != nil {
			return nil, err
		}
	}
	return ds, nil
}
