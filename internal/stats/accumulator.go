package stats

import "github.com/yourorg/batchwatch/pkg/types"

// Accumulator counts result categories on top of a baseline carried over
// from earlier sessions of the same run.
type Accumulator struct {
	baseline types.Stats
	delta    types.Stats
}

// New returns an Accumulator over baseline. The baseline's total is
// recomputed from its counts so the merged total always equals the sum.
func New(baseline types.Stats) *Accumulator {
	b := baseline.Clone()
	b.Total = b.Sum()
	return &Accumulator{
		baseline: b,
		delta:    types.Stats{Counts: map[string]int{}},
	}
}

// Apply records one result in category. Call it once per result frame.
func (a *Accumulator) Apply(category string) {
	a.delta.Counts[category]++
	a.delta.Total++
}

// Delta returns the in-session counts.
func (a *Accumulator) Delta() types.Stats {
	return a.delta.Clone()
}

// Baseline returns the normalised baseline.
func (a *Accumulator) Baseline() types.Stats {
	return a.baseline.Clone()
}

// Merged returns baseline + delta per category.
func (a *Accumulator) Merged() types.Stats {
	out := a.baseline.Clone()
	for k, v := range a.delta.Counts {
		out.Counts[k] += v
	}
	out.Total += a.delta.Total
	return out
}

// Zero returns an empty snapshot with the given categories present.
func Zero(categories ...string) types.Stats {
	s := types.Stats{Counts: make(map[string]int, len(categories))}
	for _, c := range categories {
		s.Counts[c] = 0
	}
	return s
}
