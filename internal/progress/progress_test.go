package progress

import (
	"errors"
	"sync"
	"testing"

	"github.com/bdougie/visiondetect/internal/geometry"
	"github.com/bdougie/visiondetect/internal/models"
	"github.com/stretchr/testify/require"
)

func TestPercent(t *testing.T) {
	require.Equal(t, 0, Percent(0, 0))
	require.Equal(t, 0, Percent(3, 0))
	require.Equal(t, 33, Percent(1, 3))
	require.Equal(t, 67, Percent(2, 3))
	require.Equal(t, 100, Percent(3, 3))
	require.Equal(t, 50, Percent(1, 2))
	require.Equal(t, 99, Percent(999, 1000))
}

func TestFrameDoneMonotonic(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 100, 333, 1001} {
		j := NewJob("in.mp4", "out.mp4")
		last := 0
		for i := 0; i < n; i++ {
			j.FrameDone(i, n)
			p := j.Progress().Detection
			require.GreaterOrEqual(t, p, last)
			if i < n-1 {
				require.Less(t, p, 100)
			}
			last = p
		}
		require.Equal(t, 100, last)
	}
}

func TestCountersNeverDecrease(t *testing.T) {
	j := NewJob("in.mp4", "out.mp4")
	j.SetExtraction(100)
	j.SetExtraction(10)
	j.SetDetection(40)
	j.SetDetection(20)
	j.SetDetection(400)
	p := j.Progress()
	require.Equal(t, 100, p.Extraction)
	require.Equal(t, 100, p.Detection)
}

func TestNewJobStartsAtZero(t *testing.T) {
	j := NewJob("in.mp4", "out.mp4")
	p := j.Progress()
	require.Equal(t, StateIdle, p.State)
	require.Zero(t, p.Extraction)
	require.Zero(t, p.Detection)
	require.NotEmpty(t, j.ID)
	require.NotEqual(t, j.ID, NewJob("in.mp4", "out.mp4").ID)
}

func TestResultOnlyWhenDone(t *testing.T) {
	j := NewJob("in.mp4", "out.mp4")
	_, err := j.Result()
	require.ErrorIs(t, err, ErrNotDone)

	cat := models.Detection{Label: "cat", Confidence: 0.9, Box: geometry.NewBox(1, 1, 5, 5)}
	j.Append(cat, cat)
	j.Append()
	require.NoError(t, j.SetState(StateDetecting))
	_, err = j.Result()
	require.ErrorIs(t, err, ErrNotDone)

	require.NoError(t, j.SetState(StateDone))
	res, err := j.Result()
	require.NoError(t, err)
	require.Len(t, res.Detections, 2)
	require.Equal(t, map[string]int{"cat": 2}, res.Counts)
	require.False(t, res.Finished.IsZero())

	require.Error(t, j.SetState(StateDetecting))
}

func TestFailedJobHasNoResult(t *testing.T) {
	j := NewJob("in.mp4", "out.mp4")
	j.SetExtraction(100)
	j.FrameDone(0, 4)
	boom := errors.New("boom")
	j.Fail(boom)

	_, err := j.Result()
	require.ErrorIs(t, err, boom)

	p := j.Progress()
	require.Equal(t, StateFailed, p.State)
	require.Equal(t, 25, p.Detection)
	require.Equal(t, "boom", p.Error)

	// a second failure does not overwrite the first
	j.Fail(errors.New("other"))
	require.ErrorIs(t, j.Err(), boom)
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	j := NewJob("in.mp4", "out.mp4")
	const n = 500
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				select {
				case <-stop:
					return
				default:
				}
				p := j.Progress().Detection
				if p < last || p > 100 {
					t.Errorf("progress went from %d to %d", last, p)
					return
				}
				last = p
			}
		}()
	}

	det := models.Detection{Label: "x", Confidence: 1, Box: geometry.NewBox(0, 0, 1, 1)}
	for i := 0; i < n; i++ {
		j.Append(det)
		j.FrameDone(i, n)
	}
	close(stop)
	wg.Wait()

	require.NoError(t, j.SetState(StateDone))
	res, err := j.Result()
	require.NoError(t, err)
	require.Len(t, res.Detections, n)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p := r.LatestProgress()
	require.Zero(t, p.Extraction)
	require.Zero(t, p.Detection)
	require.Nil(t, r.Latest())

	a := NewJob("a.mp4", "out_a.mp4")
	b := NewJob("b.mp4", "out_b.mp4")
	r.Add(a)
	r.Add(b)
	b.SetExtraction(100)

	got, ok := r.Get(a.ID)
	require.True(t, ok)
	require.Same(t, a, got)
	require.Same(t, b, r.Latest())
	require.Equal(t, 100, r.LatestProgress().Extraction)
	require.Zero(t, a.Progress().Extraction)
	require.Len(t, r.List(), 2)

	require.False(t, r.Remove(a.ID), "running jobs are kept")
	require.NoError(t, a.SetState(StateDone))
	require.True(t, r.Remove(a.ID))
	_, ok = r.Get(a.ID)
	require.False(t, ok)
}
