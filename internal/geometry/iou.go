package geometry

import "math"

// iouEpsilon is the minimum denominator for IoU division. Unions smaller
// than this are treated as empty.
const iouEpsilon = 1e-9

// RotatedIoU computes the intersection-over-union of two rotated
// rectangles by clipping one against the other (Sutherland-Hodgman) and
// taking the shoelace area of the resulting convex polygon.
//
// Properties: RotatedIoU(a, a) == 1 for valid a, the function is
// symmetric, and disjoint boxes yield 0. A degenerate box (zero or
// negative extent, or non-finite parameters) yields 0 rather than a
// division fault.
func RotatedIoU(a, b Box) float64 {
	if !a.Valid() || !b.Valid() {
		return 0
	}

	inter := intersectionArea(a, b)
	if inter <= 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union < iouEpsilon {
		return 0
	}
	iou := inter / union
	// Guard float drift on identical boxes.
	if iou > 1 {
		iou = 1
	}
	return iou
}

// intersectionArea returns the overlap area of two rotated rectangles.
func intersectionArea(a, b Box) float64 {
	ca := a.Corners()
	cb := b.Corners()
	subject := ca[:]
	clip := cb[:]

	poly := clipPolygon(subject, clip)
	if len(poly) < 3 {
		return 0
	}
	return polygonArea(poly)
}

// clipPolygon clips a convex subject polygon against a convex clip
// polygon whose vertices are in counter-clockwise or clockwise order
// (both rectangles from Box.Corners share the same winding).
func clipPolygon(subject, clip [][2]float64) [][2]float64 {
	output := make([][2]float64, len(subject))
	copy(output, subject)

	n := len(clip)
	for i := 0; i < n && len(output) > 0; i++ {
		edgeA := clip[i]
		edgeB := clip[(i+1)%n]

		input := output
		output = output[:0:0]
		m := len(input)
		for j := 0; j < m; j++ {
			cur := input[j]
			prev := input[(j+m-1)%m]

			curIn := insideEdge(edgeA, edgeB, cur)
			prevIn := insideEdge(edgeA, edgeB, prev)

			switch {
			case curIn && prevIn:
				output = append(output, cur)
			case curIn && !prevIn:
				output = append(output, lineIntersection(edgeA, edgeB, prev, cur), cur)
			case !curIn && prevIn:
				output = append(output, lineIntersection(edgeA, edgeB, prev, cur))
			}
		}
	}
	return output
}

// insideEdge reports whether p is on the interior side of the directed
// edge a->b. Corners() yields clockwise order in image coordinates
// (y grows downward), so the interior is the positive-cross side.
func insideEdge(a, b, p [2]float64) bool {
	cross := (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
	return cross >= -iouEpsilon
}

// lineIntersection returns the intersection of lines (a, b) and (p, q).
// Callers only invoke it when the segments straddle the edge, so the
// denominator is nonzero up to float precision.
func lineIntersection(a, b, p, q [2]float64) [2]float64 {
	a1 := b[1] - a[1]
	b1 := a[0] - b[0]
	c1 := a1*a[0] + b1*a[1]

	a2 := q[1] - p[1]
	b2 := p[0] - q[0]
	c2 := a2*p[0] + b2*p[1]

	det := a1*b2 - a2*b1
	if math.Abs(det) < iouEpsilon {
		// Nearly parallel; fall back to the segment midpoint.
		return [2]float64{(p[0] + q[0]) / 2, (p[1] + q[1]) / 2}
	}
	return [2]float64{(b2*c1 - b1*c2) / det, (a1*c2 - a2*c1) / det}
}

// polygonArea computes the absolute shoelace area of a simple polygon.
func polygonArea(poly [][2]float64) float64 {
	n := len(poly)
	if n < 3 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += poly[i][0]*poly[j][1] - poly[j][0]*poly[i][1]
	}
	return math.Abs(sum) / 2
}

// ConvexHullArea returns the area of the convex hull of the corners of
// both boxes. Used by the GIoU box-loss variant as the enclosing area.
func ConvexHullArea(a, b Box) float64 {
	ca := a.Corners()
	cb := b.Corners()
	pts := make([][2]float64, 0, 8)
	pts = append(pts, ca[:]...)
	pts = append(pts, cb[:]...)
	hull := convexHull(pts)
	return polygonArea(hull)
}

// convexHull computes the convex hull of a point set via the monotone
// chain algorithm. Returns the hull in counter-clockwise order.
func convexHull(pts [][2]float64) [][2]float64 {
	n := len(pts)
	if n < 3 {
		return pts
	}
	sorted := make([][2]float64, n)
	copy(sorted, pts)
	// Lexicographic sort by x then y.
	for i := 1; i < n; i++ {
		for j := i; j > 0; j-- {
			if sorted[j][0] < sorted[j-1][0] ||
				(sorted[j][0] == sorted[j-1][0] && sorted[j][1] < sorted[j-1][1]) {
				sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			} else {
				break
			}
		}
	}

	cross := func(o, a, b [2]float64) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	hull := make([][2]float64, 0, 2*n)
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}
