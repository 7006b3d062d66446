package training

import (
	"math"
	"sort"
)

// LRScheduler defines the interface for learning rate scheduling strategies
type LRScheduler interface {
	// GetLR returns the learning rate for an epoch given the initial rate.
	// This is a pure function.
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MultiStepLR multiplies the learning rate by Gamma at every milestone
// epoch. Decay is cumulative: past two milestones the rate is
// baseLR * Gamma^2.
type MultiStepLR struct {
	Milestones []int // Sorted, without duplicates
	Gamma      float64
}

// NewMultiStepLR creates a milestone scheduler
func NewMultiStepLR(milestones []int, gamma float64) *MultiStepLR {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}

	seen := make(map[int]bool, len(milestones))
	var sorted []int
	for _, m := range milestones {
		if !seen[m] {
			seen[m] = true
			sorted = append(sorted, m)
		}
	}
	sort.Ints(sorted)

	return &MultiStepLR{
		Milestones: sorted,
		Gamma:      gamma,
	}
}

// GetLR returns baseLR decayed once for every milestone up to and
// including epoch
func (s *MultiStepLR) GetLR(epoch int, baseLR float64) float64 {
	passed := sort.SearchInts(s.Milestones, epoch+1)
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

// GetName returns the scheduler name
func (s *MultiStepLR) GetName() string {
	return "MultiStepLR"
}
