// Package anglecodec converts between continuous box rotation angles and
// the learnable representations the detection head regresses or
// classifies. Three fitting methods are supported: plain regression,
// circular smooth labels (CSL), and the multi-grained angle
// representation (MGAR) that pairs a coarse sector classifier with a
// fine in-sector offset.
//
// The angle domain is degrees in [-90, 90). Inputs outside the domain
// are wrapped by modular arithmetic before encoding; decoded angles are
// always returned inside the domain.
package anglecodec

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/rotavision/rotadet/internal/geometry"
)

// Method identifies the active angle-fitting scheme. The set is closed:
// dispatch happens once at model-build time, never by string comparison
// in the hot path.
type Method int

const (
	// Regression fits the normalised angle directly with one value.
	Regression Method = iota
	// CSL classifies the angle over angleMax bins with a circularly
	// smoothed soft label.
	CSL
	// MGAR classifies a coarse sector and regresses a fine offset
	// within it.
	MGAR
)

// String returns the configuration-file spelling of the method.
func (m Method) String() string {
	switch m {
	case Regression:
		return "regression"
	case CSL:
		return "csl"
	case MGAR:
		return "MGAR"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ErrUnknownMethod is returned for angle fitting method strings outside
// the supported set.
var ErrUnknownMethod = errors.New("anglecodec: unknown angle fitting method")

// ParseMethod maps a configuration string onto a Method.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "regression":
		return Regression, nil
	case "csl":
		return CSL, nil
	case "MGAR", "mgar":
		return MGAR, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// domainWidth is the size of the angle domain in degrees.
const domainWidth = 180.0

// DefaultCSLRadius is the Gaussian window radius used for CSL soft
// labels, in bins.
const DefaultCSLRadius = 6.0

// Codec encodes ground-truth angles into learnable targets and decodes
// head output back into degrees. A Codec is immutable after New and safe
// for concurrent use.
type Codec struct {
	method    Method
	angleMax  int
	cslRadius float64
}

// New builds a codec for the given method.
//
//   - Regression ignores angleMax (encoding size is always 1).
//   - CSL requires angleMax >= 2 bins.
//   - MGAR requires angleMax >= 1 coarse sectors; the fine offset is
//     normalised to [-0.5, 0.5) of one sector width (180/angleMax deg).
func New(method Method, angleMax int) (*Codec, error) {
	switch method {
	case Regression:
		angleMax = 1
	case CSL:
		if angleMax < 2 {
			return nil, fmt.Errorf("anglecodec: csl needs angle_max >= 2, got %d", angleMax)
		}
	case MGAR:
		if angleMax < 1 {
			return nil, fmt.Errorf("anglecodec: MGAR needs angle_max >= 1, got %d", angleMax)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, int(method))
	}
	return &Codec{method: method, angleMax: angleMax, cslRadius: DefaultCSLRadius}, nil
}

// Method returns the active fitting method.
func (c *Codec) Method() Method { return c.method }

// AngleMax returns the configured bin/sector count.
func (c *Codec) AngleMax() int { return c.angleMax }

// Size returns the length of the encoded representation: 1 for
// regression, angleMax for CSL, angleMax+1 for MGAR (sectors plus the
// fine offset in the final slot).
func (c *Codec) Size() int {
	switch c.method {
	case Regression:
		return 1
	case CSL:
		return c.angleMax
	default:
		return c.angleMax + 1
	}
}

// SectorWidthDeg returns the width of one CSL bin or MGAR sector.
func (c *Codec) SectorWidthDeg() float64 {
	return domainWidth / float64(c.angleMax)
}

// Encode converts an angle in degrees into the learnable target. The
// input is wrapped into [-90, 90) first; Encode never rejects an angle.
func (c *Codec) Encode(angleDeg float64) []float64 {
	a := geometry.NormalizeAngleDeg(angleDeg)

	switch c.method {
	case Regression:
		return []float64{a / (domainWidth / 2)}

	case CSL:
		return c.encodeCSL(a)

	default: // MGAR
		return c.encodeMGAR(a)
	}
}

// encodeCSL builds the circular smooth label: a Gaussian window centred
// on the true bin, wrapped around the domain boundary so bins near -90
// and +90 share credit.
func (c *Codec) encodeCSL(a float64) []float64 {
	binWidth := c.SectorWidthDeg()
	center := (a + domainWidth/2) / binWidth // fractional bin position

	label := make([]float64, c.angleMax)
	n := float64(c.angleMax)
	sigma := c.cslRadius / 2
	for i := range label {
		d := math.Abs(float64(i) + 0.5 - center)
		// Circular distance in bins.
		if d > n/2 {
			d = n - d
		}
		if d <= c.cslRadius {
			label[i] = math.Exp(-d * d / (2 * sigma * sigma))
		}
	}
	return label
}

// encodeMGAR emits a one-hot coarse sector followed by the fine offset
// normalised to [-0.5, 0.5) of one sector width.
func (c *Codec) encodeMGAR(a float64) []float64 {
	sectorWidth := c.SectorWidthDeg()
	pos := (a + domainWidth/2) / sectorWidth
	sector := int(pos)
	if sector >= c.angleMax {
		sector = c.angleMax - 1
	}
	offset := pos - float64(sector) - 0.5

	enc := make([]float64, c.angleMax+1)
	enc[sector] = 1
	enc[c.angleMax] = offset
	return enc
}

// Decode inverts an encoded (or head-predicted) representation back into
// degrees in [-90, 90). For CSL and the MGAR coarse stage the winning
// bin is the argmax; ties resolve to the lowest index, keeping decode
// deterministic.
func (c *Codec) Decode(enc []float64) float64 {
	switch c.method {
	case Regression:
		if len(enc) == 0 {
			return 0
		}
		return geometry.NormalizeAngleDeg(enc[0] * (domainWidth / 2))

	case CSL:
		if len(enc) < c.angleMax {
			return 0
		}
		bin := floats.MaxIdx(enc[:c.angleMax])
		a := (float64(bin)+0.5)*c.SectorWidthDeg() - domainWidth/2
		return geometry.NormalizeAngleDeg(a)

	default: // MGAR
		if len(enc) < c.angleMax+1 {
			return 0
		}
		sector := floats.MaxIdx(enc[:c.angleMax])
		offset := enc[c.angleMax]
		// Clamp a wild regression output into one sector.
		if offset < -0.5 {
			offset = -0.5
		} else if offset > 0.5 {
			offset = 0.5
		}
		sectorWidth := c.SectorWidthDeg()
		a := (float64(sector)+0.5+offset)*sectorWidth - domainWidth/2
		return geometry.NormalizeAngleDeg(a)
	}
}

// QuantizationToleranceDeg returns the worst-case round-trip error for
// the method: float epsilon for regression, half a bin for CSL, and the
// fine-offset precision (effectively epsilon) for MGAR. Exposed for
// tests and for consumers that compare decoded angles against ground
// truth.
func (c *Codec) QuantizationToleranceDeg() float64 {
	switch c.method {
	case Regression:
		return 1e-9
	case CSL:
		return c.SectorWidthDeg() / 2
	default:
		return 1e-9
	}
}
