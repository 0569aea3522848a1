// Package letterbox prepares images for the network: aspect-preserving
// resize onto a square canvas with gray padding, plus the normalized
// CHW tensor the backbone consumes.
package letterbox

import (
	"fmt"
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"

	"github.com/rotavision/rotadet/internal/geometry"
)

// PadFill is the letterbox border gray, matching the training pipeline.
const PadFill = 114

// Result is a letterboxed image plus the transform that produced it.
type Result struct {
	Image  *image.RGBA
	Params geometry.LetterboxParams
}

// Fit resizes src to fit a size x size canvas without distorting the
// aspect ratio and centres it on a gray background. Upscaling is
// allowed; callers that want shrink-only behaviour cap the scale
// themselves.
func Fit(src image.Image, size int) (*Result, error) {
	if size <= 0 {
		return nil, fmt.Errorf("letterbox: size must be positive, got %d", size)
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("letterbox: empty source image %v", b)
	}

	scale := float64(size) / float64(b.Dx())
	if s := float64(size) / float64(b.Dy()); s < scale {
		scale = s
	}
	newW := int(float64(b.Dx()) * scale)
	newH := int(float64(b.Dy()) * scale)
	padX := float64(size-newW) / 2
	padY := float64(size-newH) / 2

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	gray := image.NewUniform(color.RGBA{PadFill, PadFill, PadFill, 255})
	xdraw.Draw(dst, dst.Bounds(), gray, image.Point{}, xdraw.Src)

	target := image.Rect(int(padX), int(padY), int(padX)+newW, int(padY)+newH)
	xdraw.BiLinear.Scale(dst, target, src, b, xdraw.Over, nil)

	return &Result{
		Image: dst,
		Params: geometry.LetterboxParams{
			Scale: scale,
			PadX:  float64(int(padX)),
			PadY:  float64(int(padY)),
		},
	}, nil
}

// Tensor flattens the letterboxed image into a normalized CHW float
// vector: channels in RGB order, values in [0, 1].
func (r *Result) Tensor() []float32 {
	b := r.Image.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, 3*w*h)
	plane := w * h

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := r.Image.PixOffset(b.Min.X+x, b.Min.Y+y)
			idx := y*w + x
			out[idx] = float32(r.Image.Pix[off]) / 255
			out[plane+idx] = float32(r.Image.Pix[off+1]) / 255
			out[2*plane+idx] = float32(r.Image.Pix[off+2]) / 255
		}
	}
	return out
}

// MapBoxes carries original-image boxes into network input coordinates
// under the letterbox transform. Extents scale; angles are unchanged.
func (r *Result) MapBoxes(boxes []geometry.Box) []geometry.Box {
	out := make([]geometry.Box, len(boxes))
	for i, box := range boxes {
		cx, cy := r.Params.Apply(box.CX, box.CY)
		out[i] = geometry.Box{
			CX:    cx,
			CY:    cy,
			W:     box.W * r.Params.Scale,
			H:     box.H * r.Params.Scale,
			Angle: box.Angle,
		}
	}
	return out
}
