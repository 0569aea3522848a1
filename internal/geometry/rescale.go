package geometry

// LetterboxParams records the forward letterbox transform applied to an
// image before inference: scale first, then pad to the network input size.
//
//	inputX = origX*Scale + PadX
//	inputY = origY*Scale + PadY
type LetterboxParams struct {
	Scale float64
	PadX  float64
	PadY  float64
}

// Apply maps a point from original-image space into network input space.
func (p LetterboxParams) Apply(x, y float64) (float64, float64) {
	return x*p.Scale + p.PadX, y*p.Scale + p.PadY
}

// Invert maps a point from network input space back to original-image space.
func (p LetterboxParams) Invert(x, y float64) (float64, float64) {
	return (x - p.PadX) / p.Scale, (y - p.PadY) / p.Scale
}

// Rescale maps boxes predicted in network input coordinates back to
// original image coordinates, inverting the letterbox transform. Box
// centres are clamped into the original image; extents are scaled but
// never clamped, so a box overhanging the border keeps its shape.
//
// The returned slice is freshly allocated; the input is not modified.
func Rescale(boxes []Box, params LetterboxParams, origW, origH int) []Box {
	if params.Scale == 0 {
		// Degenerate transform; return copies untouched rather than divide.
		out := make([]Box, len(boxes))
		copy(out, boxes)
		return out
	}

	out := make([]Box, len(boxes))
	for i, b := range boxes {
		cx, cy := params.Invert(b.CX, b.CY)
		out[i] = Box{
			CX:    clamp(cx, 0, float64(origW)),
			CY:    clamp(cy, 0, float64(origH)),
			W:     b.W / params.Scale,
			H:     b.H / params.Scale,
			Angle: b.Angle,
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
