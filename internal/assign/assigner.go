package assign

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/rotavision/rotadet/internal/anglecodec"
	"github.com/rotavision/rotadet/internal/geometry"
)

// Label classifies a grid site within one assignment.
type Label int8

const (
	// LabelNegative sites contribute only to classification loss, with
	// a zero target.
	LabelNegative Label = iota
	// LabelPositive sites carry box, angle and quality targets.
	LabelPositive
	// LabelIgnore sites are excluded from classification loss entirely.
	LabelIgnore
)

// GroundTruth is one annotated instance of a single image. Immutable
// during a training step.
type GroundTruth struct {
	Class int
	Box   geometry.Box
	// Ignore marks difficult instances: they claim no positives and
	// neutralise sites whose centre falls inside them.
	Ignore bool
}

// SiteAssignment is the per-site outcome of an assignment.
type SiteAssignment struct {
	Label Label
	// GT is the owning instance index for positive sites, -1 otherwise.
	GT int
	// Class is the owning instance's class id for positive sites.
	Class int
	// Quality is the IoU-derived soft label weight for positive sites.
	Quality float64
	// TargetBox is the owning instance's rotated box (input coords).
	TargetBox geometry.Box
	// AngleTarget is the codec-encoded angle of the owning instance.
	AngleTarget []float64
}

// Result maps every grid site of one image to a label and, for positive
// sites, regression targets. Created fresh per step, never persisted.
type Result struct {
	Sites       []SiteAssignment
	NumPositive int
}

// anchorScale sizes the per-site prior box used for candidate IoU:
// a square of side anchorScale*stride centred on the site.
const anchorScale = 5.0

// ATSSAssigner implements adaptive-threshold assignment over rotated
// boxes. The zero value is not usable; use NewATSS.
type ATSSAssigner struct {
	topK  int
	codec *anglecodec.Codec
}

// DefaultTopK is the number of candidate sites selected per stride level
// for each instance.
const DefaultTopK = 9

// NewATSS builds an assigner selecting topK candidates per level. A
// topK of 0 or below falls back to DefaultTopK.
func NewATSS(topK int, codec *anglecodec.Codec) *ATSSAssigner {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &ATSSAssigner{topK: topK, codec: codec}
}

// Assign produces the assignment of one image. It is deterministic:
// identical inputs yield bit-identical results. Instances compete for a
// site by IoU, then by lower instance index.
func (a *ATSSAssigner) Assign(grid *Grid, gts []GroundTruth) *Result {
	res := newNegativeResult(len(grid.Sites))
	if len(gts) == 0 {
		return res
	}

	// bestIoU tracks, per site, the winning instance so far.
	bestIoU := make([]float64, len(grid.Sites))

	for gi, gt := range gts {
		if gt.Ignore || !gt.Box.Valid() {
			continue
		}

		cands := a.candidates(grid, gt.Box)
		if len(cands) == 0 {
			continue
		}

		ious := make([]float64, len(cands))
		for i, c := range cands {
			ious[i] = geometry.RotatedIoU(gt.Box, priorBox(grid.Sites[c]))
		}
		mean := stat.Mean(ious, nil)
		std := stat.StdDev(ious, nil)
		if math.IsNaN(std) { // single candidate
			std = 0
		}
		threshold := mean + std

		for i, c := range cands {
			if ious[i] < threshold {
				continue
			}
			site := grid.Sites[c]
			if !gt.Box.ContainsPoint(site.CX, site.CY) {
				continue
			}
			claim(res, bestIoU, c, gi, ious[i], gt, a.codec)
		}
	}

	markIgnores(res, grid, gts)
	countPositives(res)
	return res
}

// candidates returns the topK site indices per stride level closest to
// the instance centre. Distance ties break on lower site index, keeping
// selection deterministic.
func (a *ATSSAssigner) candidates(grid *Grid, box geometry.Box) []int {
	out := make([]int, 0, a.topK*grid.NumLevels())

	for level := 0; level < grid.NumLevels(); level++ {
		lo, hi := grid.LevelRange(level)
		idx := make([]int, hi-lo)
		dist := make([]float64, hi-lo)
		for i := lo; i < hi; i++ {
			idx[i-lo] = i
			dx := grid.Sites[i].CX - box.CX
			dy := grid.Sites[i].CY - box.CY
			dist[i-lo] = dx*dx + dy*dy
		}
		sort.SliceStable(idx, func(x, y int) bool {
			dx, dy := dist[idx[x]-lo], dist[idx[y]-lo]
			if dx != dy {
				return dx < dy
			}
			return idx[x] < idx[y]
		})
		k := a.topK
		if k > len(idx) {
			k = len(idx)
		}
		out = append(out, idx[:k]...)
	}
	return out
}

// WarmupAssigner is the fixed-rule fallback used for the configured
// warmup epochs: an instance claims every site of its best-matching
// stride level whose centre lies inside the rotated box. The level is
// the one whose prior size is nearest to the instance's mean extent.
type WarmupAssigner struct {
	codec *anglecodec.Codec
}

// NewWarmup builds the warmup fallback assigner.
func NewWarmup(codec *anglecodec.Codec) *WarmupAssigner {
	return &WarmupAssigner{codec: codec}
}

// Assign produces a centre-and-scale based assignment. Deterministic
// under the same tie-break rule as ATSS.
func (w *WarmupAssigner) Assign(grid *Grid, gts []GroundTruth) *Result {
	res := newNegativeResult(len(grid.Sites))
	if len(gts) == 0 {
		return res
	}
	bestIoU := make([]float64, len(grid.Sites))

	for gi, gt := range gts {
		if gt.Ignore || !gt.Box.Valid() {
			continue
		}
		level := bestLevel(grid, gt.Box)
		lo, hi := grid.LevelRange(level)
		for s := lo; s < hi; s++ {
			site := grid.Sites[s]
			if !gt.Box.ContainsPoint(site.CX, site.CY) {
				continue
			}
			iou := geometry.RotatedIoU(gt.Box, priorBox(site))
			claim(res, bestIoU, s, gi, iou, gt, w.codec)
		}
	}

	markIgnores(res, grid, gts)
	countPositives(res)
	return res
}

// bestLevel picks the stride level whose prior extent is closest to the
// instance's geometric mean extent.
func bestLevel(grid *Grid, box geometry.Box) int {
	size := math.Sqrt(box.Area())
	best := 0
	bestDiff := math.Inf(1)
	for level := 0; level < grid.NumLevels(); level++ {
		lo, _ := grid.LevelRange(level)
		prior := anchorScale * float64(grid.Sites[lo].Stride)
		diff := math.Abs(prior - size)
		if diff < bestDiff {
			bestDiff = diff
			best = level
		}
	}
	return best
}

// priorBox is the default axis-aligned box a point-based site competes
// with: a square of side anchorScale*stride at the site centre.
func priorBox(s GridSite) geometry.Box {
	side := anchorScale * float64(s.Stride)
	return geometry.Box{CX: s.CX, CY: s.CY, W: side, H: side, Angle: 0}
}

// claim records gi as the owner of site s if it beats the current owner
// (higher IoU, then lower instance index). Quality carries the IoU.
func claim(res *Result, bestIoU []float64, s, gi int, iou float64, gt GroundTruth, codec *anglecodec.Codec) {
	sa := &res.Sites[s]
	if sa.Label == LabelPositive {
		if iou < bestIoU[s] || (iou == bestIoU[s] && gi >= sa.GT) {
			return
		}
	}
	bestIoU[s] = iou
	sa.Label = LabelPositive
	sa.GT = gi
	sa.Class = gt.Class
	sa.Quality = iou
	sa.TargetBox = gt.Box
	sa.AngleTarget = codec.Encode(gt.Box.Angle)
}

// markIgnores neutralises non-positive sites whose centre falls inside
// an ignore-flagged instance, excluding them from classification loss.
func markIgnores(res *Result, grid *Grid, gts []GroundTruth) {
	for _, gt := range gts {
		if !gt.Ignore || !gt.Box.Valid() {
			continue
		}
		for s := range grid.Sites {
			if res.Sites[s].Label != LabelNegative {
				continue
			}
			if gt.Box.ContainsPoint(grid.Sites[s].CX, grid.Sites[s].CY) {
				res.Sites[s].Label = LabelIgnore
			}
		}
	}
}

func newNegativeResult(n int) *Result {
	res := &Result{Sites: make([]SiteAssignment, n)}
	for i := range res.Sites {
		res.Sites[i].GT = -1
	}
	return res
}

func countPositives(res *Result) {
	n := 0
	for i := range res.Sites {
		if res.Sites[i].Label == LabelPositive {
			n++
		}
	}
	res.NumPositive = n
}
