package orchestrator

import (
	"math/rand/v2"
	"sync"
	"time"
)

// pacer draws the randomized pacing values. It is safe for concurrent use.
type pacer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newPacer(src rand.Source) *pacer {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &pacer{rng: rand.New(src)}
}

// intBetween returns a uniform value in [lo, hi].
func (p *pacer) intBetween(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + p.rng.IntN(hi-lo+1)
}

func (p *pacer) durationBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return max(lo, 0)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + time.Duration(p.rng.Int64N(int64(hi-lo)+1))
}

// batchRange scales the batch size range with the remaining target count.
func batchRange(remaining int) (lo, hi int) {
	switch {
	case remaining <= 3:
		return 1, 2
	case remaining <= 10:
		return 2, 4
	case remaining <= 25:
		return 3, 6
	case remaining <= 60:
		return 5, 9
	default:
		return 7, 12
	}
}

// planBatches splits n targets into randomly sized batches, none larger
// than maxSize when maxSize > 0.
func (p *pacer) planBatches(n, maxSize int) []int {
	var sizes []int
	for remaining := n; remaining > 0; {
		lo, hi := batchRange(remaining)
		size := min(p.intBetween(lo, hi), remaining)
		if maxSize > 0 {
			size = min(size, maxSize)
		}
		sizes = append(sizes, size)
		remaining -= size
	}
	return sizes
}

func (p *pacer) lanes(cfg Config) int {
	return p.intBetween(cfg.MinLanes, cfg.MaxLanes)
}

func (p *pacer) stagger(cfg Config) time.Duration {
	return p.durationBetween(cfg.StaggerMin, cfg.StaggerMax)
}

func (p *pacer) batchDelay(cfg Config) time.Duration {
	return cfg.BatchDelayBase + p.durationBetween(0, cfg.BatchDelayJitter)
}
