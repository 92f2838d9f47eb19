package vardiff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRetargetNoChangeWithinVariance(t *testing.T) {
	v := New(Config{
		MinDifficulty:   1,
		MaxDifficulty:   1 << 20,
		TargetShareTime: 10 * time.Second,
		RetargetTime:    time.Minute,
		VariancePercent: 30,
	})
	w := NewWorkerState(100)

	base := time.Now()
	w.RecordShare(base)
	w.RecordShare(base.Add(10 * time.Second))

	_, changed := v.Retarget(w)
	assert.False(t, changed)
	assert.Equal(t, float64(100), w.CurrentDifficulty())
}

func TestRetargetIncreasesWhenSharesTooFast(t *testing.T) {
	v := New(Config{
		MinDifficulty:   1,
		MaxDifficulty:   1 << 20,
		TargetShareTime: 10 * time.Second,
		RetargetTime:    time.Minute,
		VariancePercent: 10,
	})
	w := NewWorkerState(100)

	base := time.Now()
	w.RecordShare(base)
	w.RecordShare(base.Add(time.Second))

	newDiff, changed := v.Retarget(w)
	require.True(t, changed)
	assert.Greater(t, newDiff, float64(100))
}

func TestRetargetClampsToMax(t *testing.T) {
	v := New(Config{
		MinDifficulty:   1,
		MaxDifficulty:   150,
		TargetShareTime: 10 * time.Second,
		RetargetTime:    time.Minute,
		VariancePercent: 10,
	})
	w := NewWorkerState(100)

	base := time.Now()
	w.RecordShare(base)
	w.RecordShare(base.Add(time.Second))

	newDiff, changed := v.Retarget(w)
	require.True(t, changed)
	assert.Equal(t, float64(150), newDiff)
}

func TestDifficultyTargetRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		diff := rapid.Float64Range(0.001, 1_000_000).Draw(t, "diff")
		target := TargetFromDifficulty(diff)
		require.True(t, target.Sign() > 0)
		back := DifficultyFromTarget(target)
		assert.InEpsilon(t, diff, back, 0.01)
	})
}

func TestDifficultyOneMatchesDiff1(t *testing.T) {
	target := TargetFromDifficulty(1)
	assert.Equal(t, diff1, target)
}
