package optimizer

import (
	"fmt"

	"github.com/tsawler/go-mnist/engine"
)

// Optimizer defines the common interface for all optimizers. Optimizers
// update the Data of the parameters they were created with, reading the
// gradients accumulated in each parameter's Grad.
type Optimizer interface {
	// Step performs a single optimization step
	Step() error

	// ZeroGrad clears the gradients of every managed parameter
	ZeroGrad()

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetLearningRate returns the current learning rate
	GetLearningRate() float64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)
}

func validateParameters(params []*engine.Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for i, p := range params {
		if p == nil {
			return fmt.Errorf("parameter %d is nil", i)
		}
		if len(p.Grad) != len(p.Data) {
			return fmt.Errorf("parameter %s: gradient size %d does not match data size %d",
				p.Name, len(p.Grad), len(p.Data))
		}
	}
	return nil
}
