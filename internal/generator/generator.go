// Package generator produces synthetic job batches for load runs and demos.
package generator

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
)

// Generator builds batches of jobs with random priorities.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Generator drawing from rng. A nil rng is seeded from the clock.
func New(rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Generator{rng: rng}
}

// NewSeeded returns a Generator with a fixed seed; seed 0 means clock based.
func NewSeeded(seed int64) *Generator {
	if seed == 0 {
		return New(nil)
	}
	return New(rand.New(rand.NewSource(seed)))
}

// Jobs returns n jobs with ids "0".."n-1", label "Job id: <i>" and a
// priority drawn uniformly from [0, n).
func (g *Generator) Jobs(n int) []types.Job {
	if n <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	jobs := make([]types.Job, n)
	for i := range jobs {
		id := strconv.Itoa(i)
		jobs[i] = types.Job{
			ID:       types.JobID(id),
			Label:    "Job id: " + id,
			Priority: g.rng.Intn(n),
		}
	}
	return jobs
}

// Priorities returns the priority of every job in order, duplicates
// included. The result is the universe used for slot rank markers.
func Priorities(jobs []types.Job) []int {
	out := make([]int, len(jobs))
	for i, j := range jobs {
		out[i] = j.Priority
	}
	return out
}
