package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndIsType(t *testing.T) {
	err := Newf(ErrorTypeShapeMismatch, "got %d values", 7)
	assert.True(t, IsType(err, ErrorTypeShapeMismatch))
	assert.False(t, IsType(err, ErrorTypeStorage))
	assert.Contains(t, err.Error(), "shape_mismatch")
	assert.Contains(t, err.Error(), "7 values")
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesTypeMatching(t *testing.T) {
	inner := New(ErrorTypeRefinement, "singular matrix")
	outer := Wrap(inner, ErrorTypeRefinement, "step position failed")

	assert.True(t, IsType(outer, ErrorTypeRefinement))
	assert.ErrorIs(t, outer, inner)
	assert.Nil(t, Wrap(nil, ErrorTypeStorage, "ignored"))
}

func TestWrapForeignError(t *testing.T) {
	err := Wrap(fmt.Errorf("disk full"), ErrorTypeStorage, "cannot write chunk")
	require.True(t, IsType(err, ErrorTypeStorage))
	assert.Contains(t, err.Error(), "disk full")
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(ErrorTypeConstruction, "")))
	assert.True(t, IsFatal(New(ErrorTypeFrameDiscovery, "")))
	assert.True(t, IsFatal(New(ErrorTypeConfig, "")))

	assert.False(t, IsFatal(New(ErrorTypeRefinement, "")))
	assert.False(t, IsFatal(New(ErrorTypeCacheCorruption, "")))
	assert.False(t, IsFatal(fmt.Errorf("plain")))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeRefinement, "diverged").
		WithDetail("frame", 12).
		WithDetail("azimuth", 90.0)
	assert.Equal(t, 12, err.Details["frame"])
	assert.Equal(t, 90.0, err.Details["azimuth"])
}
