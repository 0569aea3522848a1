package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotavision/rotadet/internal/geometry"
)

func box(cx, cy, w, h, angle float64) geometry.Box {
	return geometry.Box{CX: cx, CY: cy, W: w, H: h, Angle: angle}
}

func TestParseMethod(t *testing.T) {
	for s, want := range map[string]Method{"VOC07": VOC07, "VOC12": VOC12, "COCO": COCO} {
		got, err := ParseMethod(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMethod("voc")
	assert.Error(t, err)
}

func TestNewRejectsBadParams(t *testing.T) {
	_, err := New(0, 0.5, VOC12)
	assert.Error(t, err)
	_, err = New(3, 0, VOC12)
	assert.Error(t, err)
	_, err = New(3, 1, VOC12)
	assert.Error(t, err)
}

func TestPerfectDetectionsWithTrailingFalsePositive(t *testing.T) {
	gts := []Instance{
		{Box: box(10, 10, 8, 8, 0), Class: 0},
		{Box: box(40, 40, 8, 8, 30), Class: 0},
	}
	dets := []Detection{
		{Box: box(10, 10, 8, 8, 0), Class: 0, Score: 0.9},
		{Box: box(40, 40, 8, 8, 30), Class: 0, Score: 0.8},
		{Box: box(70, 70, 8, 8, 0), Class: 0, Score: 0.7},
	}

	for _, m := range []Method{VOC07, VOC12, COCO} {
		e, err := New(1, 0.5, m)
		require.NoError(t, err)
		e.AddImage(dets, gts)
		// Full recall is reached at precision 1; the trailing false
		// positive adds no recall and therefore no area.
		assert.InDelta(t, 1.0, e.ClassAP(0), 1e-12, "method %v", m)
	}
}

func TestMissedInstanceCapsRecall(t *testing.T) {
	gts := []Instance{
		{Box: box(10, 10, 8, 8, 0), Class: 0},
		{Box: box(40, 40, 8, 8, 0), Class: 0},
	}
	dets := []Detection{
		{Box: box(10, 10, 8, 8, 0), Class: 0, Score: 0.9},
	}

	e, _ := New(1, 0.5, VOC12)
	e.AddImage(dets, gts)
	assert.InDelta(t, 0.5, e.ClassAP(0), 1e-12)

	e07, _ := New(1, 0.5, VOC07)
	e07.AddImage(dets, gts)
	assert.InDelta(t, 6.0/11.0, e07.ClassAP(0), 1e-12)

	eCoco, _ := New(1, 0.5, COCO)
	eCoco.AddImage(dets, gts)
	assert.InDelta(t, 51.0/101.0, eCoco.ClassAP(0), 1e-12)
}

func TestDuplicateDetectionIsFalsePositive(t *testing.T) {
	gts := []Instance{{Box: box(10, 10, 8, 8, 0), Class: 0}}
	dets := []Detection{
		{Box: box(10, 10, 8, 8, 0), Class: 0, Score: 0.9},
		{Box: box(10.5, 10, 8, 8, 0), Class: 0, Score: 0.8},
	}

	e, _ := New(1, 0.5, VOC12)
	e.AddImage(dets, gts)
	// Second detection overlaps an already-claimed instance.
	assert.InDelta(t, 1.0, e.ClassAP(0), 1e-12)

	recs := e.records[0]
	require.Len(t, recs, 2)
	assert.True(t, recs[0].tp)
	assert.True(t, recs[1].fp)
}

func TestDifficultInstancesAreNeutral(t *testing.T) {
	gts := []Instance{
		{Box: box(10, 10, 8, 8, 0), Class: 0, Difficult: true},
		{Box: box(40, 40, 8, 8, 0), Class: 0},
	}
	dets := []Detection{
		{Box: box(10, 10, 8, 8, 0), Class: 0, Score: 0.9},
		{Box: box(40, 40, 8, 8, 0), Class: 0, Score: 0.8},
	}

	e, _ := New(1, 0.5, VOC12)
	e.AddImage(dets, gts)
	// The difficult match is dropped, not penalised.
	assert.InDelta(t, 1.0, e.ClassAP(0), 1e-12)
	assert.Equal(t, 1, e.numGT[0])
}

func TestRotationMismatchBreaksMatch(t *testing.T) {
	// Thin sticks crossing at 45 degrees overlap far below threshold.
	gts := []Instance{{Box: box(20, 20, 20, 4, 45), Class: 0}}
	dets := []Detection{{Box: box(20, 20, 20, 4, 0), Class: 0, Score: 0.9}}

	e, _ := New(1, 0.5, VOC12)
	e.AddImage(dets, gts)
	assert.InDelta(t, 0.0, e.ClassAP(0), 1e-12)
}

func TestClassesAreIndependent(t *testing.T) {
	gts := []Instance{{Box: box(10, 10, 8, 8, 0), Class: 1}}
	dets := []Detection{{Box: box(10, 10, 8, 8, 0), Class: 0, Score: 0.9}}

	e, _ := New(2, 0.5, VOC12)
	e.AddImage(dets, gts)
	assert.InDelta(t, 0.0, e.ClassAP(1), 1e-12)
	// A class with no ground truth contributes nothing.
	assert.InDelta(t, 0.0, e.MeanAP(), 1e-12)
}

func TestMeanAPSkipsEmptyClasses(t *testing.T) {
	gts := []Instance{
		{Box: box(10, 10, 8, 8, 0), Class: 0},
		{Box: box(40, 40, 8, 8, 0), Class: 2},
	}
	dets := []Detection{
		{Box: box(10, 10, 8, 8, 0), Class: 0, Score: 0.9},
	}

	e, _ := New(3, 0.5, VOC12)
	e.AddImage(dets, gts)
	// Class 0 scores 1.0, class 2 scores 0, class 1 has no instances.
	assert.InDelta(t, 0.5, e.MeanAP(), 1e-12)
}

func TestAccumulatesAcrossImages(t *testing.T) {
	e, _ := New(1, 0.5, VOC12)

	e.AddImage(
		[]Detection{{Box: box(10, 10, 8, 8, 0), Class: 0, Score: 0.9}},
		[]Instance{{Box: box(10, 10, 8, 8, 0), Class: 0}},
	)
	e.AddImage(
		nil,
		[]Instance{{Box: box(40, 40, 8, 8, 0), Class: 0}},
	)

	// One of two instances found overall.
	assert.InDelta(t, 0.5, e.ClassAP(0), 1e-12)
}
