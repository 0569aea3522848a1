// Package eval measures detection quality on rotated boxes: per-class
// precision/recall accumulation and average precision under the usual
// interpolation conventions.
package eval

import (
	"fmt"
	"sort"

	"github.com/rotavision/rotadet/internal/geometry"
)

// Method selects the AP interpolation convention.
type Method int

const (
	// VOC07 is the 11-point interpolation.
	VOC07 Method = iota
	// VOC12 is the area under the monotone precision envelope.
	VOC12
	// COCO is the 101-point interpolation.
	COCO
)

// ParseMethod maps the eval_params.ap_method string to its Method.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "VOC07":
		return VOC07, nil
	case "VOC12":
		return VOC12, nil
	case "COCO":
		return COCO, nil
	default:
		return 0, fmt.Errorf("eval: unknown ap_method %q", s)
	}
}

// Instance is one ground-truth rotated box.
type Instance struct {
	Box   geometry.Box
	Class int
	// Difficult instances never count as false negatives, and a
	// detection matched to one is discarded rather than penalised.
	Difficult bool
}

// Detection is one scored predicted rotated box.
type Detection struct {
	Box   geometry.Box
	Class int
	Score float64
}

type record struct {
	score float64
	tp    bool
	fp    bool
}

// Evaluator accumulates matches image by image. Not safe for
// concurrent use.
type Evaluator struct {
	numClasses int
	iouThres   float64
	method     Method

	records [][]record // per class
	numGT   []int      // non-difficult ground truth per class
}

// New builds an evaluator for the given class count and match
// threshold.
func New(numClasses int, iouThres float64, method Method) (*Evaluator, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("eval: num classes must be positive, got %d", numClasses)
	}
	if iouThres <= 0 || iouThres >= 1 {
		return nil, fmt.Errorf("eval: iou threshold must be in (0, 1), got %v", iouThres)
	}
	return &Evaluator{
		numClasses: numClasses,
		iouThres:   iouThres,
		method:     method,
		records:    make([][]record, numClasses),
		numGT:      make([]int, numClasses),
	}, nil
}

// AddImage matches one image's detections against its ground truth and
// folds the outcome into the running statistics. Detections are matched
// greedily in score order; each instance can satisfy at most one
// detection.
func (e *Evaluator) AddImage(dets []Detection, gts []Instance) {
	for _, gt := range gts {
		if gt.Class >= 0 && gt.Class < e.numClasses && !gt.Difficult {
			e.numGT[gt.Class]++
		}
	}

	ordered := make([]int, len(dets))
	for i := range ordered {
		ordered[i] = i
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return dets[ordered[a]].Score > dets[ordered[b]].Score
	})

	claimed := make([]bool, len(gts))
	for _, di := range ordered {
		d := dets[di]
		if d.Class < 0 || d.Class >= e.numClasses {
			continue
		}

		best := -1
		bestIoU := 0.0
		for gi, gt := range gts {
			if gt.Class != d.Class || claimed[gi] {
				continue
			}
			iou := geometry.RotatedIoU(d.Box, gt.Box)
			if iou > bestIoU {
				bestIoU = iou
				best = gi
			}
		}

		rec := record{score: d.Score}
		switch {
		case best >= 0 && bestIoU >= e.iouThres && gts[best].Difficult:
			// Matched a difficult instance: drop the detection.
			claimed[best] = true
			continue
		case best >= 0 && bestIoU >= e.iouThres:
			claimed[best] = true
			rec.tp = true
		default:
			rec.fp = true
		}
		e.records[d.Class] = append(e.records[d.Class], rec)
	}
}

// ClassAP computes the average precision of one class over everything
// accumulated so far. A class with no ground truth has AP 0.
func (e *Evaluator) ClassAP(class int) float64 {
	if class < 0 || class >= e.numClasses || e.numGT[class] == 0 {
		return 0
	}

	recs := append([]record(nil), e.records[class]...)
	sort.SliceStable(recs, func(a, b int) bool { return recs[a].score > recs[b].score })

	recalls := make([]float64, len(recs))
	precisions := make([]float64, len(recs))
	tp, fp := 0, 0
	for i, r := range recs {
		if r.tp {
			tp++
		}
		if r.fp {
			fp++
		}
		recalls[i] = float64(tp) / float64(e.numGT[class])
		precisions[i] = float64(tp) / float64(tp+fp)
	}

	switch e.method {
	case VOC07:
		return interpolatedAP(recalls, precisions, 11)
	case COCO:
		return interpolatedAP(recalls, precisions, 101)
	default:
		return envelopeAP(recalls, precisions)
	}
}

// MeanAP averages ClassAP over the classes that have ground truth.
func (e *Evaluator) MeanAP() float64 {
	sum := 0.0
	n := 0
	for c := 0; c < e.numClasses; c++ {
		if e.numGT[c] == 0 {
			continue
		}
		sum += e.ClassAP(c)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// interpolatedAP samples the precision envelope at evenly spaced recall
// points and averages.
func interpolatedAP(recalls, precisions []float64, points int) float64 {
	sum := 0.0
	for i := 0; i < points; i++ {
		r := float64(i) / float64(points-1)
		pmax := 0.0
		for j := range recalls {
			if recalls[j] >= r && precisions[j] > pmax {
				pmax = precisions[j]
			}
		}
		sum += pmax
	}
	return sum / float64(points)
}

// envelopeAP integrates the area under the monotone precision envelope.
func envelopeAP(recalls, precisions []float64) float64 {
	if len(recalls) == 0 {
		return 0
	}

	// Make precision non-increasing from right to left.
	env := append([]float64(nil), precisions...)
	for i := len(env) - 2; i >= 0; i-- {
		if env[i+1] > env[i] {
			env[i] = env[i+1]
		}
	}

	ap := 0.0
	prevR := 0.0
	for i := range recalls {
		ap += (recalls[i] - prevR) * env[i]
		prevR = recalls[i]
	}
	return ap
}
