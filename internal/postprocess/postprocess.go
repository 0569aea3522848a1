// Package postprocess turns raw head output into final detections:
// per-site decoding through the angle codec, confidence filtering,
// class-grouped greedy rotated NMS, and rescaling back to original
// image coordinates.
//
// Every function here is pure with respect to its input, so multiple
// images can be processed concurrently with no coordination.
package postprocess

import (
	"sort"

	"github.com/rotavision/rotadet/internal/anglecodec"
	"github.com/rotavision/rotadet/internal/assign"
	"github.com/rotavision/rotadet/internal/geometry"
	"github.com/rotavision/rotadet/internal/loss"
)

// Detection is one final rotated-box detection for an image.
type Detection struct {
	Box   geometry.Box
	Class int
	Score float64
}

// Config holds the inference-time thresholds.
type Config struct {
	ConfThreshold float64 // minimum class score to keep a candidate
	IoUThreshold  float64 // rotated IoU above which a candidate is suppressed
	MaxDetections int     // cap on survivors per image
	ClassAgnostic bool    // suppress across classes when set
}

// DefaultConfig mirrors the evaluation defaults.
func DefaultConfig() Config {
	return Config{
		ConfThreshold: 0.25,
		IoUThreshold:  0.5,
		MaxDetections: 300,
	}
}

// Decode converts per-site predictions into candidate detections in
// network input coordinates. The best-scoring class must clear the
// confidence threshold; the angle comes from the codec.
func Decode(preds []loss.Prediction, grid *assign.Grid, codec *anglecodec.Codec, regMax int, useDFL bool, confThreshold float64) []Detection {
	out := make([]Detection, 0, 64)

	for i := range preds {
		p := &preds[i]
		best, bestScore := -1, 0.0
		for c, s := range p.ClassScores {
			if s > bestScore {
				bestScore = s
				best = c
			}
		}
		if best < 0 || bestScore < confThreshold {
			continue
		}

		site := grid.Sites[i]
		stride := float64(site.Stride)
		var d [4]float64
		if useDFL {
			bins := regMax + 1
			for side := 0; side < 4; side++ {
				d[side] = binExpectation(p.BoxDist[side*bins : (side+1)*bins])
			}
		} else {
			copy(d[:], p.BoxDist)
		}

		box := geometry.Box{
			CX:    site.CX + (d[2]-d[0])/2*stride,
			CY:    site.CY + (d[3]-d[1])/2*stride,
			W:     (d[0] + d[2]) * stride,
			H:     (d[1] + d[3]) * stride,
			Angle: codec.Decode(p.Angle),
		}
		if !box.Valid() {
			continue
		}
		out = append(out, Detection{Box: box, Class: best, Score: bestScore})
	}
	return out
}

// NMS greedily suppresses overlapping rotated boxes. Candidates are
// sorted by descending score (ties on lower class, then input order)
// and each kept candidate removes every remaining one whose rotated IoU
// with it exceeds the threshold. Deterministic given identical input
// ordering and thresholds.
func NMS(cands []Detection, cfg Config) []Detection {
	if len(cands) == 0 {
		return nil
	}
	maxDet := cfg.MaxDetections
	if maxDet <= 0 {
		maxDet = len(cands)
	}

	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		da, db := &cands[order[a]], &cands[order[b]]
		if da.Score != db.Score {
			return da.Score > db.Score
		}
		if da.Class != db.Class {
			return da.Class < db.Class
		}
		return order[a] < order[b]
	})

	suppressed := make([]bool, len(cands))
	kept := make([]Detection, 0, min(maxDet, len(cands)))

	for i := 0; i < len(order) && len(kept) < maxDet; i++ {
		a := order[i]
		if suppressed[a] {
			continue
		}
		kept = append(kept, cands[a])

		for j := i + 1; j < len(order); j++ {
			b := order[j]
			if suppressed[b] {
				continue
			}
			if !cfg.ClassAgnostic && cands[a].Class != cands[b].Class {
				continue
			}
			if geometry.RotatedIoU(cands[a].Box, cands[b].Box) > cfg.IoUThreshold {
				suppressed[b] = true
			}
		}
	}
	return kept
}

// Process runs the full inference tail for one image: decode, filter,
// suppress, and rescale into original image coordinates.
func Process(preds []loss.Prediction, grid *assign.Grid, codec *anglecodec.Codec, regMax int, useDFL bool, cfg Config, lb geometry.LetterboxParams, origW, origH int) []Detection {
	cands := Decode(preds, grid, codec, regMax, useDFL, cfg.ConfThreshold)
	kept := NMS(cands, cfg)
	if len(kept) == 0 {
		return []Detection{}
	}

	boxes := make([]geometry.Box, len(kept))
	for i := range kept {
		boxes[i] = kept[i].Box
	}
	rescaled := geometry.Rescale(boxes, lb, origW, origH)

	out := make([]Detection, len(kept))
	for i := range kept {
		out[i] = Detection{Box: rescaled[i], Class: kept[i].Class, Score: kept[i].Score}
	}
	return out
}

func binExpectation(dist []float64) float64 {
	var e float64
	for i, p := range dist {
		e += float64(i) * p
	}
	return e
}
