package geometry

import "math"

// Box represents a rotated rectangle in pixel coordinates.
//
// Parameters:
//   - CX, CY: centre position
//   - W, H: extents along and across the box's own axis
//   - Angle: rotation in degrees, normalised to [-90, 90) ("le90" convention)
type Box struct {
	CX    float64
	CY    float64
	W     float64
	H     float64
	Angle float64
}

// Area returns W*H, or 0 for a degenerate box.
func (b Box) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Valid reports whether the box has positive extents and finite parameters.
func (b Box) Valid() bool {
	for _, v := range [5]float64{b.CX, b.CY, b.W, b.H, b.Angle} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.W > 0 && b.H > 0
}

// Corners returns the four corner points in order
// TopLeft, TopRight, BottomRight, BottomLeft (before rotation).
func (b Box) Corners() [4][2]float64 {
	rad := b.Angle * math.Pi / 180
	cosA := math.Cos(rad)
	sinA := math.Sin(rad)

	dx := [4]float64{-b.W / 2, b.W / 2, b.W / 2, -b.W / 2}
	dy := [4]float64{-b.H / 2, -b.H / 2, b.H / 2, b.H / 2}

	var corners [4][2]float64
	for i := 0; i < 4; i++ {
		corners[i][0] = b.CX + dx[i]*cosA - dy[i]*sinA
		corners[i][1] = b.CY + dx[i]*sinA + dy[i]*cosA
	}
	return corners
}

// ContainsPoint reports whether (x, y) lies inside the rotated rectangle.
// Points on the boundary count as inside.
func (b Box) ContainsPoint(x, y float64) bool {
	if !b.Valid() {
		return false
	}
	// Rotate the point into the box's own frame and do an axis-aligned test.
	rad := b.Angle * math.Pi / 180
	cosA := math.Cos(rad)
	sinA := math.Sin(rad)
	dx := x - b.CX
	dy := y - b.CY
	lx := dx*cosA + dy*sinA
	ly := -dx*sinA + dy*cosA
	return math.Abs(lx) <= b.W/2 && math.Abs(ly) <= b.H/2
}

// NormalizeAngleDeg wraps an angle in degrees into [-90, 90).
func NormalizeAngleDeg(deg float64) float64 {
	a := math.Mod(deg+90, 180)
	if a < 0 {
		a += 180
	}
	return a - 90
}

// Normalized returns a copy of the box with its angle wrapped into [-90, 90).
func (b Box) Normalized() Box {
	b.Angle = NormalizeAngleDeg(b.Angle)
	return b
}
