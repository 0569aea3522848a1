package train

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// ErrBarrier marks a failed gradient synchronization. The failure is
// fatal to the run: every worker blocked on the barrier receives it.
var ErrBarrier = errors.New("train: all-reduce barrier failed")

// allReduce is the single synchronization point between workers in one
// iteration. Each worker contributes its local gradient; the last
// arrival averages the contributions and releases everyone with the
// same result. A worker failing before the barrier poisons it, so no
// peer waits forever on an unreachable participant.
type allReduce struct {
	workers int

	mu         sync.Mutex
	cond       *sync.Cond
	generation int
	arrived    int
	sum        []float64
	avg        []float64
	// skip accumulates the arriving workers' skip votes; sharedSkip is
	// the completed generation's verdict, read by the released waiters.
	skip       bool
	sharedSkip bool
	err        error
}

func newAllReduce(workers, numParams int) *allReduce {
	r := &allReduce{
		workers: workers,
		sum:     make([]float64, numParams),
		avg:     make([]float64, numParams),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Reduce blocks until all workers of the current generation have
// contributed, then returns the element-wise mean. A worker voting skip
// makes the whole generation skipped: every participant sees skipped
// true and must not apply the returned average. The returned slice is
// shared and read-only; callers must not modify it.
func (r *allReduce) Reduce(grad []float64, skip bool) (avg []float64, skipped bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return nil, false, r.err
	}
	if len(grad) != len(r.sum) {
		err := fmt.Errorf("%w: gradient length %d, want %d", ErrBarrier, len(grad), len(r.sum))
		r.poisonLocked(err)
		return nil, false, err
	}

	gen := r.generation
	floats.Add(r.sum, grad)
	if skip {
		r.skip = true
	}
	r.arrived++

	if r.arrived == r.workers {
		copy(r.avg, r.sum)
		floats.Scale(1/float64(r.workers), r.avg)
		for i := range r.sum {
			r.sum[i] = 0
		}
		r.sharedSkip = r.skip
		r.skip = false
		r.arrived = 0
		r.generation++
		r.cond.Broadcast()
		return r.avg, r.sharedSkip, nil
	}

	for r.generation == gen && r.err == nil {
		r.cond.Wait()
	}
	if r.err != nil {
		return nil, false, r.err
	}
	return r.avg, r.sharedSkip, nil
}

// Fail poisons the barrier: current and future waiters return the
// wrapped cause immediately.
func (r *allReduce) Fail(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poisonLocked(fmt.Errorf("%w: %v", ErrBarrier, cause))
}

func (r *allReduce) poisonLocked(err error) {
	if r.err == nil {
		r.err = err
	}
	r.cond.Broadcast()
}
