// Package vardiff implements per-worker variable difficulty retargeting:
// tracking a worker's recent share cadence and nudging its difficulty
// toward a target share interval, bounded by pool-wide min/max and a
// maximum per-retarget change factor.
package vardiff

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/stratumforge/corepool/internal/byteutil"
)

// diff1 is the SHA-256d reference target, used to convert between pool
// difficulty and a 256-bit target via big-int arithmetic rather than
// float64, which loses precision at low difficulties.
var diff1 = byteutil.BignumFromBits(0x1d00ffff)

// Config parameterizes a VarDiff instance.
type Config struct {
	MinDifficulty   float64
	MaxDifficulty   float64
	TargetShareTime time.Duration
	RetargetTime    time.Duration
	VariancePercent float64
}

// VarDiff retargets worker difficulty against a shared configuration.
type VarDiff struct {
	config Config
}

// New constructs a VarDiff from cfg.
func New(cfg Config) *VarDiff {
	return &VarDiff{config: cfg}
}

// WorkerState tracks the share-timing history and current difficulty of
// a single connected worker.
type WorkerState struct {
	mu                sync.Mutex
	currentDifficulty float64
	shareTimes        []time.Time
	lastRetargetTime  time.Time
}

// NewWorkerState starts a worker at initialDiff.
func NewWorkerState(initialDiff float64) *WorkerState {
	return &WorkerState{
		currentDifficulty: initialDiff,
		shareTimes:        make([]time.Time, 0, 100),
		lastRetargetTime:  time.Now(),
	}
}

// CurrentDifficulty returns the worker's active difficulty.
func (w *WorkerState) CurrentDifficulty() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentDifficulty
}

// RecordShare records a share submission time, keeping a bounded history.
func (w *WorkerState) RecordShare(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.shareTimes = append(w.shareTimes, t)
	if len(w.shareTimes) > 100 {
		w.shareTimes = w.shareTimes[len(w.shareTimes)-100:]
	}
}

// ShouldRetarget reports whether enough time has passed since the last
// retarget to consider recalculating this worker's difficulty.
func (v *VarDiff) ShouldRetarget(w *WorkerState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastRetargetTime) >= v.config.RetargetTime
}

// Retarget recalculates the worker's difficulty from its recent share
// cadence. It returns (newDifficulty, true) only when the difficulty
// actually changes by more than 5%; otherwise it returns the unchanged
// current difficulty and false.
func (v *VarDiff) Retarget(w *WorkerState) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.shareTimes) < 2 {
		return w.currentDifficulty, false
	}

	totalTime := w.shareTimes[len(w.shareTimes)-1].Sub(w.shareTimes[0])
	count := len(w.shareTimes) - 1
	avgShareTime := totalTime / time.Duration(count)

	targetTime := v.config.TargetShareTime
	variance := v.config.VariancePercent / 100.0

	lowerBound := time.Duration(float64(targetTime) * (1 - variance))
	upperBound := time.Duration(float64(targetTime) * (1 + variance))

	if avgShareTime >= lowerBound && avgShareTime <= upperBound {
		return w.currentDifficulty, false
	}

	ratio := float64(targetTime) / float64(avgShareTime)
	newDiff := w.currentDifficulty * ratio

	maxIncrease := w.currentDifficulty * 4
	maxDecrease := w.currentDifficulty / 4
	if newDiff > maxIncrease {
		newDiff = maxIncrease
	} else if newDiff < maxDecrease {
		newDiff = maxDecrease
	}

	if newDiff < v.config.MinDifficulty {
		newDiff = v.config.MinDifficulty
	} else if newDiff > v.config.MaxDifficulty {
		newDiff = v.config.MaxDifficulty
	}

	if math.Abs(newDiff-w.currentDifficulty)/w.currentDifficulty < 0.05 {
		return w.currentDifficulty, false
	}

	w.currentDifficulty = newDiff
	w.lastRetargetTime = time.Now()
	w.shareTimes = w.shareTimes[:0]

	return newDiff, true
}

// TargetFromDifficulty converts a pool difficulty into a 256-bit target
// via exact big-int division: target = diff1 / difficulty. difficulty is
// first rendered as a rational so fractional pool difficulties (common at
// low share rates) do not get truncated to zero.
func TargetFromDifficulty(difficulty float64) *big.Int {
	if difficulty <= 0 {
		difficulty = 1
	}
	rat := new(big.Rat).SetFloat64(difficulty)
	if rat == nil {
		rat = big.NewRat(1, 1)
	}
	num := new(big.Int).Mul(diff1, rat.Denom())
	return new(big.Int).Quo(num, rat.Num())
}

// DifficultyFromTarget converts a 256-bit target back into a pool
// difficulty: difficulty = diff1 / target.
func DifficultyFromTarget(target *big.Int) float64 {
	if target.Sign() <= 0 {
		return math.MaxFloat64
	}
	f := new(big.Float).Quo(new(big.Float).SetInt(diff1), new(big.Float).SetInt(target))
	v, _ := f.Float64()
	return v
}

// ShareDifficulty computes the difficulty implied by a share's
// proof-of-work hash: difficulty = diff1 / hashAsTarget. hash is given in
// the byte order produced by hashing the header (little-endian/reversed);
// it is treated as a 256-bit big-endian integer after reversal.
func ShareDifficulty(hash []byte) float64 {
	reversed := byteutil.ReverseBuffer(hash)
	hashInt := new(big.Int).SetBytes(reversed)
	if hashInt.Sign() == 0 {
		return math.MaxFloat64
	}
	f := new(big.Float).Quo(new(big.Float).SetInt(diff1), new(big.Float).SetInt(hashInt))
	v, _ := f.Float64()
	return v
}
