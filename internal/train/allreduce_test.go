package train

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceAveragesAcrossWorkers(t *testing.T) {
	r := newAllReduce(3, 2)
	grads := [][]float64{{1, 2}, {3, 4}, {5, 6}}

	results := make([][]float64, 3)
	var wg sync.WaitGroup
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			avg, skipped, err := r.Reduce(grads[w], false)
			require.NoError(t, err)
			assert.False(t, skipped)
			results[w] = append([]float64(nil), avg...)
		}(w)
	}
	wg.Wait()

	for w := 0; w < 3; w++ {
		if diff := cmp.Diff([]float64{3, 4}, results[w]); diff != "" {
			t.Errorf("worker %d average (-want +got):\n%s", w, diff)
		}
	}
}

func TestReduceSequentialGenerations(t *testing.T) {
	r := newAllReduce(2, 1)

	for round := 0; round < 3; round++ {
		want := float64(round) + 0.5
		var wg sync.WaitGroup
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				avg, skipped, err := r.Reduce([]float64{float64(round + w)}, false)
				require.NoError(t, err)
				assert.False(t, skipped)
				assert.InDelta(t, want, avg[0], 1e-12)
			}(w)
		}
		wg.Wait()
	}
}

func TestReduceSkipVotePropagatesToAllWorkers(t *testing.T) {
	r := newAllReduce(3, 1)

	skips := make([]bool, 3)
	var wg sync.WaitGroup
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			// Only worker 1 votes skip; everyone must see it.
			_, skipped, err := r.Reduce([]float64{1}, w == 1)
			require.NoError(t, err)
			skips[w] = skipped
		}(w)
	}
	wg.Wait()

	for w, skipped := range skips {
		assert.True(t, skipped, "worker %d", w)
	}
}

func TestReduceSkipDoesNotLeakIntoNextGeneration(t *testing.T) {
	r := newAllReduce(2, 1)

	runRound := func(skipVote bool) bool {
		var (
			wg      sync.WaitGroup
			skipped [2]bool
		)
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				_, s, err := r.Reduce([]float64{1}, skipVote && w == 0)
				require.NoError(t, err)
				skipped[w] = s
			}(w)
		}
		wg.Wait()
		require.Equal(t, skipped[0], skipped[1])
		return skipped[0]
	}

	assert.True(t, runRound(true))
	assert.False(t, runRound(false))
}

func TestReduceLengthMismatchPoisons(t *testing.T) {
	r := newAllReduce(2, 2)

	errs := make(chan error, 2)
	go func() {
		_, _, err := r.Reduce([]float64{1, 2}, false)
		errs <- err
	}()
	go func() {
		_, _, err := r.Reduce([]float64{1}, false)
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		err := <-errs
		assert.True(t, errors.Is(err, ErrBarrier), "got %v", err)
	}
}

func TestFailReleasesWaiters(t *testing.T) {
	r := newAllReduce(2, 1)

	done := make(chan error, 1)
	go func() {
		_, _, err := r.Reduce([]float64{1}, false)
		done <- err
	}()

	r.Fail(errors.New("worker crashed"))
	err := <-done
	assert.True(t, errors.Is(err, ErrBarrier), "got %v", err)
	assert.Contains(t, err.Error(), "worker crashed")
}

func TestReduceAfterPoisonStaysFailed(t *testing.T) {
	r := newAllReduce(2, 1)
	r.Fail(errors.New("boom"))

	_, _, err := r.Reduce([]float64{1}, false)
	assert.True(t, errors.Is(err, ErrBarrier))
}
