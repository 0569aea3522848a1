package geometry

import (
	"math"
	"testing"
)

func TestRotatedIoU_SelfIsOne(t *testing.T) {
	boxes := []Box{
		{CX: 100, CY: 100, W: 40, H: 20, Angle: 0},
		{CX: 320, CY: 320, W: 100, H: 40, Angle: 30},
		{CX: 5, CY: 5, W: 3, H: 3, Angle: -89.5},
		{CX: 0, CY: 0, W: 1000, H: 1, Angle: 45},
	}
	for _, b := range boxes {
		iou := RotatedIoU(b, b)
		if math.Abs(iou-1.0) > 1e-6 {
			t.Errorf("RotatedIoU(b,b) = %v for %+v, want 1.0", iou, b)
		}
	}
}

func TestRotatedIoU_Symmetric(t *testing.T) {
	a := Box{CX: 100, CY: 100, W: 50, H: 30, Angle: 15}
	b := Box{CX: 110, CY: 95, W: 40, H: 40, Angle: -30}

	ab := RotatedIoU(a, b)
	ba := RotatedIoU(b, a)
	if math.Abs(ab-ba) > 1e-9 {
		t.Errorf("IoU not symmetric: iou(a,b)=%v iou(b,a)=%v", ab, ba)
	}
	if ab <= 0 || ab >= 1 {
		t.Errorf("expected partial overlap, got %v", ab)
	}
}

func TestRotatedIoU_Disjoint(t *testing.T) {
	a := Box{CX: 0, CY: 0, W: 10, H: 10, Angle: 0}
	b := Box{CX: 100, CY: 100, W: 10, H: 10, Angle: 45}

	if iou := RotatedIoU(a, b); iou != 0 {
		t.Errorf("disjoint boxes: IoU = %v, want 0", iou)
	}
}

func TestRotatedIoU_Degenerate(t *testing.T) {
	valid := Box{CX: 10, CY: 10, W: 5, H: 5, Angle: 0}
	cases := []Box{
		{CX: 10, CY: 10, W: 0, H: 5, Angle: 0},
		{CX: 10, CY: 10, W: 5, H: -1, Angle: 0},
		{CX: math.NaN(), CY: 10, W: 5, H: 5, Angle: 0},
		{CX: 10, CY: 10, W: math.Inf(1), H: 5, Angle: 0},
	}
	for _, c := range cases {
		if iou := RotatedIoU(valid, c); iou != 0 {
			t.Errorf("degenerate box %+v: IoU = %v, want 0", c, iou)
		}
	}
}

func TestRotatedIoU_AxisAlignedHalfOverlap(t *testing.T) {
	// Two 10x10 boxes offset by 5 in x: intersection 50, union 150.
	a := Box{CX: 10, CY: 10, W: 10, H: 10, Angle: 0}
	b := Box{CX: 15, CY: 10, W: 10, H: 10, Angle: 0}

	iou := RotatedIoU(a, b)
	if math.Abs(iou-1.0/3.0) > 1e-6 {
		t.Errorf("IoU = %v, want 1/3", iou)
	}
}

func TestRotatedIoU_NinetyDegreeEquivalence(t *testing.T) {
	// A square rotated by any multiple of 90 degrees covers the same area.
	a := Box{CX: 50, CY: 50, W: 20, H: 20, Angle: 0}
	b := Box{CX: 50, CY: 50, W: 20, H: 20, Angle: -90}

	iou := RotatedIoU(a, b)
	if math.Abs(iou-1.0) > 1e-6 {
		t.Errorf("rotated square IoU = %v, want 1.0", iou)
	}
}

func TestRotatedIoU_CrossShape(t *testing.T) {
	// Two identical rectangles crossed at 90 degrees form a plus shape.
	// 30x10 each: intersection 10x10=100, union 300+300-100=500.
	a := Box{CX: 0, CY: 0, W: 30, H: 10, Angle: 0}
	b := Box{CX: 0, CY: 0, W: 10, H: 30, Angle: 0}

	iou := RotatedIoU(a, b)
	if math.Abs(iou-0.2) > 1e-6 {
		t.Errorf("cross IoU = %v, want 0.2", iou)
	}
}

func TestContainsPoint(t *testing.T) {
	b := Box{CX: 320, CY: 320, W: 100, H: 40, Angle: 30}

	if !b.ContainsPoint(320, 320) {
		t.Error("centre should be inside")
	}
	if b.ContainsPoint(320, 400) {
		t.Error("point well outside the short extent should be outside")
	}
	// A point along the rotated long axis stays inside.
	rad := 30 * math.Pi / 180
	x := 320 + 45*math.Cos(rad)
	y := 320 + 45*math.Sin(rad)
	if !b.ContainsPoint(x, y) {
		t.Errorf("point (%v,%v) on the long axis should be inside", x, y)
	}
}

func TestNormalizeAngleDeg(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{89.9, 89.9},
		{90, -90},
		{-90, -90},
		{180, 0},
		{-180, 0},
		{135, -45},
		{-135, 45},
		{450, -90}, // 450 ≡ 90 (mod 180), which wraps to -90
	}
	for _, c := range cases {
		got := NormalizeAngleDeg(c.in)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("NormalizeAngleDeg(%v) = %v, want %v", c.in, got, c.want)
		}
		if got < -90 || got >= 90 {
			t.Errorf("NormalizeAngleDeg(%v) = %v out of [-90,90)", c.in, got)
		}
	}
}

func TestConvexHullArea_Encloses(t *testing.T) {
	a := Box{CX: 0, CY: 0, W: 10, H: 10, Angle: 0}
	b := Box{CX: 20, CY: 0, W: 10, H: 10, Angle: 0}

	hull := ConvexHullArea(a, b)
	// Hull of two 10x10 squares 20 apart is a 30x10 rectangle.
	if math.Abs(hull-300) > 1e-6 {
		t.Errorf("hull area = %v, want 300", hull)
	}
}
