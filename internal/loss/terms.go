package loss

import "math"

// Terms holds the named scalar components of one training step's loss
// and their weighted sum. Immutable once produced.
type Terms struct {
	Class        float64
	IoU          float64
	DFL          float64
	Angle        float64
	MGARCls      float64
	MGARReg      float64
	DistillClass float64
	DistillDFL   float64
	CWD          float64
	Total        float64
}

// Finite reports whether every component, including the total, is a
// finite number.
func (t *Terms) Finite() bool {
	for _, v := range [10]float64{
		t.Class, t.IoU, t.DFL, t.Angle, t.MGARCls, t.MGARReg,
		t.DistillClass, t.DistillDFL, t.CWD, t.Total,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Weights scales each loss term in the aggregate. Field names follow the
// loss_weight configuration keys.
type Weights struct {
	Class        float64
	IoU          float64
	DFL          float64
	Angle        float64
	MGARCls      float64
	MGARReg      float64
	CWD          float64
	DistillClass float64
	DistillDFL   float64
}

// DefaultWeights mirrors the finetune defaults of the reference
// configuration.
func DefaultWeights() Weights {
	return Weights{
		Class:        1.0,
		IoU:          2.5,
		DFL:          0.5,
		Angle:        0.05,
		MGARCls:      0.05,
		MGARReg:      0.05,
		CWD:          0.2,
		DistillClass: 2.0,
		DistillDFL:   1.0,
	}
}

// guard replaces a non-finite intermediate with 0 so it cannot reach the
// aggregate. Degenerate inputs are absorbed here, never propagated.
func guard(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// total folds the weighted sum.
func (t *Terms) total(w Weights) {
	t.Total = w.Class*t.Class +
		w.IoU*t.IoU +
		w.DFL*t.DFL +
		w.Angle*t.Angle +
		w.MGARCls*t.MGARCls +
		w.MGARReg*t.MGARReg +
		w.CWD*t.CWD +
		w.DistillClass*t.DistillClass +
		w.DistillDFL*t.DistillDFL
}
