package loss

import (
	"fmt"
	"math"

	"github.com/rotavision/rotadet/internal/assign"
)

// FeatureMap is one intermediate feature tensor exposed for feature
// distillation, laid out channel-major: Data[c*H*W + y*W + x].
type FeatureMap struct {
	Channels int
	Height   int
	Width    int
	Data     []float64
}

// distillTemperature softens the logit distributions before the KL
// divergence, matching the reference trainer's default.
const distillTemperature = 20.0

// cwdTau is the softmax temperature of the channel-wise divergence.
const cwdTau = 1.0

// DistillDecay returns the factor applied to all distillation terms at
// the given epoch. It decays exponentially from 1 at epoch 0 to 0.01 at
// the final epoch, so the teacher's influence fades as the student
// matures.
func DistillDecay(epoch, totalEpochs int) float64 {
	if totalEpochs <= 1 || epoch <= 0 {
		return 1
	}
	x := float64(epoch) / float64(totalEpochs-1)
	if x > 1 {
		x = 1
	}
	return math.Pow(0.01, x)
}

// ComputeWithDistill evaluates the supervised terms plus the teacher
// distillation terms for one image. The teacher is consumed through the
// same Prediction/FeatureMap shapes as the student; this function never
// reaches into either network.
//
// Feature maps may be nil (logit-only distillation). Epoch bounds feed
// the exponential decay.
func (a *Aggregator) ComputeWithDistill(
	student, teacher []Prediction,
	studentFeats, teacherFeats []FeatureMap,
	grid *assign.Grid, asn *assign.Result,
	epoch, totalEpochs int,
) (*Terms, error) {
	t, err := a.Compute(student, grid, asn)
	if err != nil {
		return nil, err
	}
	if len(teacher) != len(student) {
		return nil, fmt.Errorf("loss: teacher produced %d predictions, student %d",
			len(teacher), len(student))
	}

	decay := DistillDecay(epoch, totalEpochs)

	var clsSum, dflSum float64
	positives := 0
	for i := range student {
		if asn.Sites[i].Label != assign.LabelPositive {
			continue
		}
		positives++
		clsSum += guard(softKL(teacher[i].ClassScores, student[i].ClassScores, distillTemperature))
		if a.useDFL {
			bins := a.regMax + 1
			for side := 0; side < 4; side++ {
				td := teacher[i].BoxDist[side*bins : (side+1)*bins]
				sd := student[i].BoxDist[side*bins : (side+1)*bins]
				dflSum += guard(softKL(td, sd, distillTemperature)) / 4
			}
		}
	}
	if positives > 0 {
		t.DistillClass = guard(decay * clsSum / float64(positives))
		t.DistillDFL = guard(decay * dflSum / float64(positives))
	}

	if len(studentFeats) > 0 && len(studentFeats) == len(teacherFeats) {
		var cwdSum float64
		for i := range studentFeats {
			cwdSum += guard(channelWiseDivergence(&teacherFeats[i], &studentFeats[i]))
		}
		t.CWD = guard(decay * cwdSum / float64(len(studentFeats)))
	}

	t.total(a.weights)
	t.Total = guard(t.Total)
	return t, nil
}

// softKL is KL(teacher || student) over temperature-softened softmax
// distributions of the two score vectors, scaled by T^2 as usual so the
// gradient magnitude is temperature-invariant.
func softKL(teacher, student []float64, temp float64) float64 {
	n := len(teacher)
	if n == 0 || len(student) < n {
		return 0
	}
	tp := softmax(teacher, temp)
	sp := softmax(student, temp)

	var kl float64
	for i := 0; i < n; i++ {
		kl += tp[i] * math.Log(clampProb(tp[i])/clampProb(sp[i]))
	}
	return kl * temp * temp / float64(n)
}

// channelWiseDivergence implements "cwd": per channel, both feature maps
// are softmax-normalised over their spatial positions and compared with
// KL(teacher || student), averaged over channels.
func channelWiseDivergence(teacher, student *FeatureMap) float64 {
	if teacher.Channels != student.Channels ||
		teacher.Height != student.Height || teacher.Width != student.Width {
		return 0
	}
	hw := teacher.Height * teacher.Width
	if hw == 0 || teacher.Channels == 0 {
		return 0
	}

	var sum float64
	for c := 0; c < teacher.Channels; c++ {
		tch := teacher.Data[c*hw : (c+1)*hw]
		sch := student.Data[c*hw : (c+1)*hw]
		tp := softmax(tch, cwdTau)
		sp := softmax(sch, cwdTau)
		for i := 0; i < hw; i++ {
			sum += tp[i] * math.Log(clampProb(tp[i])/clampProb(sp[i]))
		}
	}
	return sum / float64(teacher.Channels)
}

// softmax computes a temperature-softened softmax, shifted by the max
// for numerical stability.
func softmax(x []float64, temp float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	maxV := x[0]
	for _, v := range x[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp((v - maxV) / temp)
		out[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		// Degenerate input; fall back to uniform.
		u := 1 / float64(len(x))
		for i := range out {
			out[i] = u
		}
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
