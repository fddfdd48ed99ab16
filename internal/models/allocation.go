package models

import (
	"fmt"
	"math"
	"time"
)

// AllocationCap is the per-group ceiling on any allocation component.
const AllocationCap = 0.35

// Allocation is the capital split across the nine meta-groups. Components are
// non-negative, each at most AllocationCap, and sum to one. Allocations are
// immutable values constructed fresh on every meta tick.
type Allocation struct {
	Weights   [NumMetaGroups]float64 `json:"weights"`
	Timestamp time.Time              `json:"timestamp"`
	Paused    bool                   `json:"paused"`
}

// UniformAllocation is the fallback when no policy artifact is available.
func UniformAllocation(at time.Time) Allocation {
	var a Allocation
	for i := range a.Weights {
		a.Weights[i] = 1.0 / NumMetaGroups
	}
	a.Timestamp = at
	return a
}

// Weight returns the component for a group, zero for invalid groups.
func (a Allocation) Weight(g MetaGroup) float64 {
	if !g.Valid() {
		return 0
	}
	return a.Weights[g]
}

// Validate checks the sum-to-one and per-component-cap invariants.
func (a Allocation) Validate() error {
	sum := 0.0
	for i, w := range a.Weights {
		if w < 0 {
			return fmt.Errorf("allocation[%d] is negative: %f", i, w)
		}
		if w > AllocationCap+1e-6 {
			return fmt.Errorf("allocation[%d] exceeds cap %.2f: %f", i, AllocationCap, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) >= 1e-6 {
		return fmt.Errorf("allocation sums to %f, want 1", sum)
	}
	return nil
}

// CapAndNormalize converts a raw non-negative vector into a valid allocation:
// normalize to sum one, then repeatedly clamp components at the cap and
// redistribute the remaining mass over the uncapped components until no
// component exceeds the cap. A nine-dimensional vector converges in at most
// nine passes; the loop is bounded anyway.
func CapAndNormalize(raw [NumMetaGroups]float64, at time.Time) Allocation {
	w := raw
	sum := 0.0
	for i, v := range w {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			w[i] = 0
			continue
		}
		sum += w[i]
	}
	if sum <= 0 {
		return UniformAllocation(at)
	}
	for i := range w {
		w[i] /= sum
	}

	capped := [NumMetaGroups]bool{}
	for pass := 0; pass < NumMetaGroups+1; pass++ {
		over := false
		for i, v := range w {
			if !capped[i] && v > AllocationCap+1e-12 {
				w[i] = AllocationCap
				capped[i] = true
				over = true
			}
		}
		if !over {
			break
		}
		// Redistribute the mass removed by capping across uncapped
		// components, proportionally to their current weights.
		cappedMass, freeMass := 0.0, 0.0
		for i, v := range w {
			if capped[i] {
				cappedMass += v
			} else {
				freeMass += v
			}
		}
		remaining := 1.0 - cappedMass
		if remaining <= 0 {
			break
		}
		free := 0
		for i := range w {
			if !capped[i] {
				free++
			}
		}
		if free == 0 {
			break
		}
		if freeMass > 0 {
			scale := remaining / freeMass
			for i := range w {
				if !capped[i] {
					w[i] *= scale
				}
			}
		} else {
			// All uncapped components are zero: spread the residual evenly.
			share := remaining / float64(free)
			for i := range w {
				if !capped[i] {
					w[i] = share
				}
			}
		}
	}

	// Final renormalize guards against drift when every component capped.
	total := 0.0
	for _, v := range w {
		total += v
	}
	if total > 0 && math.Abs(total-1.0) > 1e-12 {
		for i := range w {
			w[i] /= total
		}
	}
	return Allocation{Weights: w, Timestamp: at}
}
