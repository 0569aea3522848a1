package loss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotavision/rotadet/internal/anglecodec"
	"github.com/rotavision/rotadet/internal/assign"
	"github.com/rotavision/rotadet/internal/geometry"
)

func newTestAggregator(t *testing.T, method anglecodec.Method, angleMax int) (*Aggregator, *anglecodec.Codec) {
	t.Helper()
	codec, err := anglecodec.New(method, angleMax)
	require.NoError(t, err)
	agg, err := New(codec, 3, 0, false, HBBAngle, PlainIoU, DefaultWeights())
	require.NoError(t, err)
	return agg, codec
}

// perfectPredictions builds head output that exactly reproduces the
// assignment targets for positive sites and is silent elsewhere.
func perfectPredictions(grid *assign.Grid, asn *assign.Result, numClasses, encSize int) []Prediction {
	preds := make([]Prediction, len(grid.Sites))
	for i := range preds {
		preds[i] = Prediction{
			ClassScores: make([]float64, numClasses),
			BoxDist:     make([]float64, 4),
			Angle:       make([]float64, encSize),
		}
		sa := &asn.Sites[i]
		if sa.Label != assign.LabelPositive {
			continue
		}
		site := grid.Sites[i]
		stride := float64(site.Stride)
		tb := sa.TargetBox
		preds[i].BoxDist[0] = (site.CX - (tb.CX - tb.W/2)) / stride
		preds[i].BoxDist[1] = (site.CY - (tb.CY - tb.H/2)) / stride
		preds[i].BoxDist[2] = ((tb.CX + tb.W/2) - site.CX) / stride
		preds[i].BoxDist[3] = ((tb.CY + tb.H/2) - site.CY) / stride
		copy(preds[i].Angle, sa.AngleTarget)
		preds[i].ClassScores[sa.Class] = sa.Quality
	}
	return preds
}

func TestCompute_EmptyBatchIsFiniteNegativeOnly(t *testing.T) {
	agg, _ := newTestAggregator(t, anglecodec.MGAR, 5)
	grid := assign.BuildGrid(64, 64, []int{8, 16, 32})

	asn := assign.NewATSS(9, mustCodec(t)).Assign(grid, nil)
	require.Equal(t, 0, asn.NumPositive)

	preds := make([]Prediction, len(grid.Sites))
	for i := range preds {
		preds[i] = Prediction{
			// Confident wrong scores so the negative term is nonzero.
			ClassScores: []float64{0.8, 0.1, 0.1},
			BoxDist:     make([]float64, 4),
			Angle:       make([]float64, 6),
		}
	}

	terms, err := agg.Compute(preds, grid, asn)
	require.NoError(t, err)
	assert.True(t, terms.Finite(), "total must be finite with zero positives")
	assert.Greater(t, terms.Class, 0.0)
	assert.Zero(t, terms.IoU)
	assert.Zero(t, terms.DFL)
	assert.Zero(t, terms.Angle)
	assert.Zero(t, terms.MGARCls)
	assert.Zero(t, terms.MGARReg)
}

func TestCompute_PerfectPredictionZeroesBoxAndAngle(t *testing.T) {
	// One 640x640 image, one instance: class 0, centre (320,320),
	// 100x40 at 30 degrees, strides {8,16,32}.
	codec, err := anglecodec.New(anglecodec.MGAR, 5)
	require.NoError(t, err)
	agg, err := New(codec, 3, 0, false, HBBAngle, PlainIoU, DefaultWeights())
	require.NoError(t, err)

	grid := assign.BuildGrid(640, 640, []int{8, 16, 32})
	gts := []assign.GroundTruth{{
		Class: 0,
		Box:   geometry.Box{CX: 320, CY: 320, W: 100, H: 40, Angle: 30},
	}}
	asn := assign.NewATSS(9, codec).Assign(grid, gts)
	require.Greater(t, asn.NumPositive, 0, "instance must claim at least one site")

	// The positives should sit at the stride whose prior size best
	// matches the instance scale (sqrt(4000) ~ 63 -> stride 16).
	foundMid := false
	for i := range asn.Sites {
		if asn.Sites[i].Label == assign.LabelPositive && grid.Sites[i].Stride == 16 {
			foundMid = true
			break
		}
	}
	assert.True(t, foundMid, "expected a positive at stride 16")

	preds := perfectPredictions(grid, asn, 3, codec.Size())
	terms, err := agg.Compute(preds, grid, asn)
	require.NoError(t, err)

	assert.InDelta(t, 0, terms.IoU, 1e-6, "perfect boxes give ~0 box loss")
	assert.InDelta(t, 0, terms.MGARReg, 1e-9, "perfect fine offset gives 0")
	// Coarse CE of a probability-1 sector is -log(1-eps) ~ 0.
	assert.InDelta(t, 0, terms.MGARCls, 1e-6)
	assert.True(t, terms.Finite())
}

func TestCompute_AngleTermPerVariant(t *testing.T) {
	grid := assign.BuildGrid(640, 640, []int{8, 16, 32})
	gts := []assign.GroundTruth{{
		Class: 1,
		Box:   geometry.Box{CX: 320, CY: 320, W: 100, H: 40, Angle: 30},
	}}

	for _, tc := range []struct {
		method   anglecodec.Method
		angleMax int
	}{
		{anglecodec.Regression, 1},
		{anglecodec.CSL, 180},
		{anglecodec.MGAR, 5},
	} {
		codec, err := anglecodec.New(tc.method, tc.angleMax)
		require.NoError(t, err)
		agg, err := New(codec, 3, 0, false, HBBAngle, PlainIoU, DefaultWeights())
		require.NoError(t, err)

		asn := assign.NewATSS(9, codec).Assign(grid, gts)
		require.Greater(t, asn.NumPositive, 0)

		preds := perfectPredictions(grid, asn, 3, codec.Size())
		// Perturb the angle prediction of every positive site.
		for i := range preds {
			if asn.Sites[i].Label != assign.LabelPositive {
				continue
			}
			for j := range preds[i].Angle {
				preds[i].Angle[j] = 1.0 / float64(len(preds[i].Angle))
			}
		}

		terms, err := agg.Compute(preds, grid, asn)
		require.NoError(t, err)
		require.True(t, terms.Finite(), "%v", tc.method)

		switch tc.method {
		case anglecodec.MGAR:
			assert.Greater(t, terms.MGARCls, 0.0, "%v", tc.method)
		default:
			assert.Greater(t, terms.Angle, 0.0, "%v", tc.method)
		}
	}
}

func TestCompute_NonFiniteInputIsAbsorbed(t *testing.T) {
	codec, err := anglecodec.New(anglecodec.Regression, 1)
	require.NoError(t, err)
	agg, err := New(codec, 3, 0, false, HBBAngle, PlainIoU, DefaultWeights())
	require.NoError(t, err)

	grid := assign.BuildGrid(64, 64, []int{8, 16, 32})
	gts := []assign.GroundTruth{{
		Class: 0,
		Box:   geometry.Box{CX: 32, CY: 32, W: 30, H: 20, Angle: 10},
	}}
	asn := assign.NewATSS(9, codec).Assign(grid, gts)
	require.Greater(t, asn.NumPositive, 0)

	preds := perfectPredictions(grid, asn, 3, codec.Size())
	for i := range preds {
		preds[i].ClassScores[0] = math.NaN()
		preds[i].BoxDist[2] = math.Inf(1)
	}

	terms, err := agg.Compute(preds, grid, asn)
	require.NoError(t, err)
	assert.True(t, terms.Finite(), "NaN/Inf inputs must never reach the total")
}

func TestNew_ConfigMismatch(t *testing.T) {
	codec, err := anglecodec.New(anglecodec.Regression, 1)
	require.NoError(t, err)

	_, err = New(codec, 3, 0, true, HBBAngle, PlainIoU, DefaultWeights())
	assert.Error(t, err, "use_dfl with reg_max=0 must be rejected")

	_, err = New(codec, 3, 16, false, HBBAngle, PlainIoU, DefaultWeights())
	assert.Error(t, err, "reg_max without use_dfl must be rejected")

	_, err = New(codec, 0, 0, false, HBBAngle, PlainIoU, DefaultWeights())
	assert.Error(t, err)
}

func TestDFL(t *testing.T) {
	codec, err := anglecodec.New(anglecodec.Regression, 1)
	require.NoError(t, err)
	agg, err := New(codec, 1, 16, true, HBBAngle, PlainIoU, DefaultWeights())
	require.NoError(t, err)

	grid := assign.BuildGrid(640, 640, []int{8, 16, 32})
	gts := []assign.GroundTruth{{
		Class: 0,
		Box:   geometry.Box{CX: 320, CY: 320, W: 100, H: 40, Angle: 0},
	}}
	asn := assign.NewATSS(9, codec).Assign(grid, gts)
	require.Greater(t, asn.NumPositive, 0)

	bins := 17
	preds := make([]Prediction, len(grid.Sites))
	for i := range preds {
		preds[i] = Prediction{
			ClassScores: make([]float64, 1),
			BoxDist:     make([]float64, 4*bins),
			Angle:       make([]float64, 1),
		}
		sa := &asn.Sites[i]
		if sa.Label != assign.LabelPositive {
			continue
		}
		site := grid.Sites[i]
		stride := float64(site.Stride)
		tb := sa.TargetBox
		dists := [4]float64{
			(site.CX - (tb.CX - tb.W/2)) / stride,
			(site.CY - (tb.CY - tb.H/2)) / stride,
			((tb.CX + tb.W/2) - site.CX) / stride,
			((tb.CY + tb.H/2) - site.CY) / stride,
		}
		// Put the exact two-bin interpolation into the distribution.
		for side, d := range dists {
			if d < 0 {
				d = 0
			}
			if d > 15.999 {
				d = 15.999
			}
			lo := int(d)
			preds[i].BoxDist[side*bins+lo] = 1 - (d - float64(lo))
			preds[i].BoxDist[side*bins+lo+1] = d - float64(lo)
		}
	}

	terms, err := agg.Compute(preds, grid, asn)
	require.NoError(t, err)
	require.True(t, terms.Finite())
	// The exact interpolated distribution minimises DFL; the residual
	// is the entropy of the two-bin target, which is bounded.
	assert.Less(t, terms.DFL, 1.0)
	assert.InDelta(t, 0, terms.IoU, 1e-6, "expectation decoding must reproduce the box")
}

func mustCodec(t *testing.T) *anglecodec.Codec {
	t.Helper()
	c, err := anglecodec.New(anglecodec.MGAR, 5)
	require.NoError(t, err)
	return c
}
