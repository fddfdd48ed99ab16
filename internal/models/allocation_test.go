package models

import (
	"math"
	"testing"
	"time"
)

func TestCapAndNormalizeConverges(t *testing.T) {
	// Raw policy output where a single normalize-after-cap pass would push
	// the first component back above the cap.
	raw := [NumMetaGroups]float64{0.5, 0.2, 0.1, 0.05, 0.05, 0.05, 0.03, 0.01, 0.01}

	a := CapAndNormalize(raw, time.Now())

	if err := a.Validate(); err != nil {
		t.Fatalf("converged allocation invalid: %v", err)
	}
	if math.Abs(a.Weights[0]-AllocationCap) > 1e-9 {
		t.Errorf("dominant component = %f, want capped at %f", a.Weights[0], AllocationCap)
	}
	sum := 0.0
	for i, w := range a.Weights {
		if w > AllocationCap+1e-9 {
			t.Errorf("component %d = %f exceeds cap after convergence", i, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("sum = %f, want 1", sum)
	}
}

func TestCapAndNormalizeDegenerateInputs(t *testing.T) {
	cases := []struct {
		name string
		raw  [NumMetaGroups]float64
	}{
		{"all zero", [NumMetaGroups]float64{}},
		{"negative and nan", [NumMetaGroups]float64{-1, math.NaN(), 0, 0, 0, 0, 0, 0, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := CapAndNormalize(tc.raw, time.Now())
			if err := a.Validate(); err != nil {
				t.Fatalf("fallback allocation invalid: %v", err)
			}
			for i, w := range a.Weights {
				if math.Abs(w-1.0/NumMetaGroups) > 1e-9 {
					t.Errorf("component %d = %f, want uniform", i, w)
				}
			}
		})
	}
}

func TestCapAndNormalizeEverythingInOneGroup(t *testing.T) {
	raw := [NumMetaGroups]float64{1, 0, 0, 0, 0, 0, 0, 0, 0}
	a := CapAndNormalize(raw, time.Now())
	if err := a.Validate(); err != nil {
		t.Fatalf("allocation invalid: %v", err)
	}
	if a.Weights[0] > AllocationCap+1e-9 {
		t.Errorf("component 0 = %f, want <= cap", a.Weights[0])
	}
}

func TestUniformAllocationValid(t *testing.T) {
	if err := UniformAllocation(time.Now()).Validate(); err != nil {
		t.Fatalf("uniform allocation invalid: %v", err)
	}
}
