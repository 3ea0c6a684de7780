package telemetry

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Sample value ranges. Upper bounds are exclusive.
const (
	MinTemp = 20.0
	MaxTemp = 35.0
	MinHum  = 40.0
	MaxHum  = 70.0
)

// Generator produces uniformly distributed samples. It is safe for
// concurrent use, although the publisher only calls it from one
// goroutine.
type Generator struct {
	mu   sync.Mutex
	rng  *rand.Rand
	now  func() time.Time
	last int64
}

// NewGenerator creates a Generator. A nil rng uses a randomly seeded
// PCG source; a nil now uses [time.Now].
func NewGenerator(rng *rand.Rand, now func() time.Time) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{rng: rng, now: now}
}

// Next returns a fresh sample. Timestamps never decrease across calls:
// if the wall clock steps backwards the previous timestamp is reused.
func (g *Generator) Next() Sample {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().Unix()
	if ts < g.last {
		ts = g.last
	}
	g.last = ts

	return Sample{
		Temp:      g.uniform(MinTemp, MaxTemp),
		Hum:       g.uniform(MinHum, MaxHum),
		Timestamp: ts,
	}
}

// uniform draws from the two-decimal grid [lo, hi). Drawing whole
// hundredths keeps rounding from ever producing hi itself.
func (g *Generator) uniform(lo, hi float64) float64 {
	steps := int((hi - lo) * 100)
	return float64(int(lo*100)+g.rng.IntN(steps)) / 100
}
