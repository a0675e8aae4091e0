// Package stats maintains streaming per-parameter statistics over committed
// rows.
//
// Quantiles come from DDSketch with a 1% relative accuracy guarantee, so a
// run of any length can be summarized in constant memory. Only float-valued
// cells contribute; text cells are counted but not sketched.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/qdevqt3/qmeasure/internal/shape"
)

const relativeAccuracy = 0.01

// Summary is a point-in-time snapshot of one parameter's statistics.
type Summary struct {
	Name  string
	Count int
	Min   float64
	Max   float64
	Mean  float64
	P50   float64
	P90   float64
	P95   float64
	P99   float64
}

type paramStats struct {
	count  int
	sum    float64
	min    float64
	max    float64
	sketch *ddsketch.DDSketch
}

// Collector accumulates statistics for the parameters of one run.
type Collector struct {
	mu     sync.Mutex
	params map[string]*paramStats
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{params: make(map[string]*paramStats)}
}

// Observe folds a batch of committed rows into the running statistics.
func (c *Collector) Observe(rows []shape.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, row := range rows {
		for name, v := range row {
			ps, ok := c.params[name]
			if !ok {
				sketch, err := ddsketch.NewDefaultDDSketch(relativeAccuracy)
				if err != nil {
					return fmt.Errorf("create sketch for %s: %w", name, err)
				}
				ps = &paramStats{min: math.Inf(1), max: math.Inf(-1), sketch: sketch}
				c.params[name] = ps
			}

			ps.count += v.Len()
			if v.Kind() != shape.KindFloat {
				continue
			}
			for _, f := range v.Floats() {
				ps.sum += f
				if f < ps.min {
					ps.min = f
				}
				if f > ps.max {
					ps.max = f
				}
				if err := ps.sketch.Add(f); err != nil {
					return fmt.Errorf("sketch %s: %w", name, err)
				}
			}
		}
	}
	return nil
}

// Summaries returns a snapshot per parameter, sorted by name.
func (c *Collector) Summaries() []Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Summary, 0, len(c.params))
	for name, ps := range c.params {
		s := Summary{Name: name, Count: ps.count}
		if ps.sketch.GetCount() > 0 {
			s.Min = ps.min
			s.Max = ps.max
			s.Mean = ps.sum / ps.sketch.GetCount()
			s.P50 = quantile(ps.sketch, 0.50)
			s.P90 = quantile(ps.sketch, 0.90)
			s.P95 = quantile(ps.sketch, 0.95)
			s.P99 = quantile(ps.sketch, 0.99)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Summary returns the snapshot of one parameter.
func (c *Collector) Summary(name string) (Summary, bool) {
	for _, s := range c.Summaries() {
		if s.Name == name {
			return s, true
		}
	}
	return Summary{}, false
}

func quantile(sk *ddsketch.DDSketch, q float64) float64 {
	v, err := sk.GetValueAtQuantile(q)
	if err != nil {
		return math.NaN()
	}
	return v
}
