package loss

import (
	"fmt"
	"math"

	"github.com/rotavision/rotadet/internal/anglecodec"
	"github.com/rotavision/rotadet/internal/assign"
	"github.com/rotavision/rotadet/internal/geometry"
)

// Mode selects how the box term treats rotation.
type Mode int

const (
	// HBBAngle regresses the unrotated rectangle and fits the angle
	// with a separate term.
	HBBAngle Mode = iota
	// OBB computes the box IoU on the fully decoded rotated boxes.
	OBB
)

// IoUType selects the box-overlap variant for the regression term.
type IoUType int

const (
	// PlainIoU uses 1 - IoU.
	PlainIoU IoUType = iota
	// GIoU adds the enclosing-hull penalty, giving gradient signal to
	// non-overlapping pairs.
	GIoU
)

// ParseIoUType maps the configuration string onto a variant.
func ParseIoUType(s string) (IoUType, error) {
	switch s {
	case "iou", "":
		return PlainIoU, nil
	case "giou":
		return GIoU, nil
	default:
		return 0, fmt.Errorf("loss: unsupported iou_type %q", s)
	}
}

// Prediction is the per-site head output, already activated:
// ClassScores are sigmoid probabilities, Angle follows the codec layout
// (probabilities for classification slots, raw value for regression
// slots), BoxDist is either 4 side distances in stride units or
// 4*(regMax+1) softmax bin probabilities when DFL is enabled.
type Prediction struct {
	ClassScores []float64
	BoxDist     []float64
	Angle       []float64
}

// Aggregator computes the weighted multi-task loss. Immutable after
// New; safe for concurrent use by per-worker goroutines.
type Aggregator struct {
	codec      *anglecodec.Codec
	weights    Weights
	numClasses int
	regMax     int
	useDFL     bool
	mode       Mode
	iouType    IoUType
}

// New validates the head layout and builds an aggregator. A zero regMax
// with useDFL set is a configuration mismatch surfaced at startup.
func New(codec *anglecodec.Codec, numClasses, regMax int, useDFL bool, mode Mode, iouType IoUType, w Weights) (*Aggregator, error) {
	if codec == nil {
		return nil, fmt.Errorf("loss: nil angle codec")
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("loss: num classes must be positive, got %d", numClasses)
	}
	if useDFL && regMax <= 0 {
		return nil, fmt.Errorf("loss: use_dfl requires reg_max > 0, got %d", regMax)
	}
	if !useDFL && regMax != 0 {
		return nil, fmt.Errorf("loss: reg_max must be 0 when use_dfl is false, got %d", regMax)
	}
	return &Aggregator{
		codec:      codec,
		weights:    w,
		numClasses: numClasses,
		regMax:     regMax,
		useDFL:     useDFL,
		mode:       mode,
		iouType:    iouType,
	}, nil
}

// Compute evaluates all supervised terms for one image and returns the
// weighted aggregate. With zero positive sites the box, DFL and angle
// terms are exactly 0 and only the negative classification term
// remains; the total is always finite.
func (a *Aggregator) Compute(preds []Prediction, grid *assign.Grid, asn *assign.Result) (*Terms, error) {
	if len(preds) != len(grid.Sites) || len(asn.Sites) != len(grid.Sites) {
		return nil, fmt.Errorf("loss: %d predictions / %d assignments for %d sites",
			len(preds), len(asn.Sites), len(grid.Sites))
	}

	t := &Terms{}
	norm := float64(asn.NumPositive)
	if norm < 1 {
		norm = 1
	}

	var clsSum float64
	for i := range preds {
		sa := &asn.Sites[i]
		if sa.Label == assign.LabelIgnore {
			continue
		}
		clsSum += a.classificationLoss(&preds[i], sa)

		if sa.Label != assign.LabelPositive {
			continue
		}
		site := grid.Sites[i]

		predBox := a.decodeBox(&preds[i], site)
		t.IoU += guard(sa.Quality * a.boxLoss(predBox, sa.TargetBox))
		if a.useDFL {
			t.DFL += guard(a.dflLoss(&preds[i], site, sa.TargetBox))
		}
		a.angleLoss(t, &preds[i], sa)
	}

	t.Class = guard(clsSum / norm)
	t.IoU = guard(t.IoU / norm)
	t.DFL = guard(t.DFL / norm)
	t.Angle = guard(t.Angle / norm)
	t.MGARCls = guard(t.MGARCls / norm)
	t.MGARReg = guard(t.MGARReg / norm)

	t.total(a.weights)
	t.Total = guard(t.Total)
	return t, nil
}

// classificationLoss is the quality focal term of one site: BCE against
// the IoU-quality soft label, modulated by the squared score error.
func (a *Aggregator) classificationLoss(p *Prediction, sa *assign.SiteAssignment) float64 {
	var sum float64
	for c := 0; c < a.numClasses && c < len(p.ClassScores); c++ {
		target := 0.0
		if sa.Label == assign.LabelPositive && c == sa.Class {
			target = sa.Quality
		}
		score := clampProb(p.ClassScores[c])
		mod := math.Pow(math.Abs(target-score), 2)
		sum += guard(mod * bce(score, target))
	}
	return sum
}

// decodeBox turns raw side distances (or DFL bin distributions) into a
// rotated box in input coordinates. In HBBAngle mode the decoded angle
// is omitted from the box used for the IoU term.
func (a *Aggregator) decodeBox(p *Prediction, site assign.GridSite) geometry.Box {
	var d [4]float64 // left, top, right, bottom in stride units
	if a.useDFL {
		bins := a.regMax + 1
		for side := 0; side < 4; side++ {
			d[side] = expectation(p.BoxDist[side*bins : (side+1)*bins])
		}
	} else {
		for side := 0; side < 4 && side < len(p.BoxDist); side++ {
			d[side] = p.BoxDist[side]
		}
	}

	stride := float64(site.Stride)
	box := geometry.Box{
		CX: site.CX + (d[2]-d[0])/2*stride,
		CY: site.CY + (d[3]-d[1])/2*stride,
		W:  (d[0] + d[2]) * stride,
		H:  (d[1] + d[3]) * stride,
	}
	if a.mode == OBB {
		box.Angle = a.codec.Decode(p.Angle)
	}
	return box
}

// boxLoss is 1-IoU (or the GIoU extension) between the decoded and
// target boxes. In HBBAngle mode both boxes are compared unrotated.
func (a *Aggregator) boxLoss(pred, target geometry.Box) float64 {
	if a.mode == HBBAngle {
		pred.Angle = 0
		target.Angle = 0
	}
	iou := geometry.RotatedIoU(pred, target)
	if a.iouType == GIoU {
		hull := geometry.ConvexHullArea(pred, target)
		if hull > 0 {
			// union = (areaA + areaB) / (1 + iou) by the IoU identity.
			union := (pred.Area() + target.Area()) / (1 + iou)
			giou := iou - (hull-union)/hull
			return 1 - giou
		}
	}
	return 1 - iou
}

// dflLoss is the two-bin interpolated cross-entropy of each side's bin
// distribution against the continuous target distance.
func (a *Aggregator) dflLoss(p *Prediction, site assign.GridSite, target geometry.Box) float64 {
	bins := a.regMax + 1
	stride := float64(site.Stride)

	// Target side distances in stride units against the unrotated rect.
	lt := [4]float64{
		(site.CX - (target.CX - target.W/2)) / stride,
		(site.CY - (target.CY - target.H/2)) / stride,
		((target.CX + target.W/2) - site.CX) / stride,
		((target.CY + target.H/2) - site.CY) / stride,
	}

	var sum float64
	for side := 0; side < 4; side++ {
		t := lt[side]
		if t < 0 {
			t = 0
		}
		maxT := float64(a.regMax) - 1e-3
		if t > maxT {
			t = maxT
		}
		lo := int(t)
		hi := lo + 1
		wHi := t - float64(lo)
		wLo := 1 - wHi

		dist := p.BoxDist[side*bins : (side+1)*bins]
		sum += guard(-wLo * math.Log(clampProb(dist[lo])))
		sum += guard(-wHi * math.Log(clampProb(dist[hi])))
	}
	return sum / 4
}

// angleLoss accumulates the codec-specific angle terms for one positive
// site into t (unnormalised; Compute divides by the positive count).
func (a *Aggregator) angleLoss(t *Terms, p *Prediction, sa *assign.SiteAssignment) {
	switch a.codec.Method() {
	case anglecodec.Regression:
		if len(p.Angle) > 0 && len(sa.AngleTarget) > 0 {
			t.Angle += guard(smoothL1(p.Angle[0] - sa.AngleTarget[0]))
		}

	case anglecodec.CSL:
		n := a.codec.AngleMax()
		var sum float64
		for i := 0; i < n && i < len(p.Angle) && i < len(sa.AngleTarget); i++ {
			sum += guard(bce(clampProb(p.Angle[i]), sa.AngleTarget[i]))
		}
		t.Angle += sum / float64(n)

	case anglecodec.MGAR:
		n := a.codec.AngleMax()
		if len(p.Angle) < n+1 || len(sa.AngleTarget) < n+1 {
			return
		}
		// Coarse: cross-entropy against the one-hot sector.
		for i := 0; i < n; i++ {
			if sa.AngleTarget[i] == 1 {
				t.MGARCls += guard(-math.Log(clampProb(p.Angle[i])))
				break
			}
		}
		// Fine: smooth-L1 on the in-sector offset.
		t.MGARReg += guard(smoothL1(p.Angle[n] - sa.AngleTarget[n]))
	}
}

// bce is binary cross-entropy for an already clamped probability.
func bce(p, target float64) float64 {
	return -(target*math.Log(p) + (1-target)*math.Log(1-p))
}

// smoothL1 with the conventional beta of 1.
func smoothL1(d float64) float64 {
	ad := math.Abs(d)
	if ad < 1 {
		return 0.5 * d * d
	}
	return ad - 0.5
}

// expectation folds a discretised distribution into its mean bin index.
func expectation(dist []float64) float64 {
	var e float64
	for i, p := range dist {
		e += float64(i) * p
	}
	return e
}

// clampProb pins a probability into (0, 1) so logarithms stay finite.
func clampProb(p float64) float64 {
	const eps = 1e-9
	if math.IsNaN(p) {
		return eps
	}
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}
