package optimizer

import (
	"fmt"

	"github.com/tsawler/go-mnist/engine"
)

// SGDOptimizerState holds SGD hyperparameters and momentum buffers
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Momentum     float64 // Momentum coefficient (0 for vanilla SGD)
	Dampening    float64
	WeightDecay  float64 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers, lazily allocated on the first step (only if momentum > 0)
	MomentumBuffers [][]float64

	params []*engine.Parameter

	// Step tracking
	StepCount uint64
}

var _ Optimizer = (*SGDOptimizerState)(nil)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		Dampening:    0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*engine.Parameter) (*SGDOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
	}

	return &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		Dampening:    config.Dampening,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}, nil
}

// Step performs a single SGD optimization step:
//
//	d = grad + weight_decay * w
//	buf = momentum * buf + (1 - dampening) * d   (buf = d on the first step)
//	d = d + momentum * buf if nesterov, else buf
//	w = w - lr * d
func (sgd *SGDOptimizerState) Step() error {
	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = make([][]float64, len(sgd.params))
	}

	for i, p := range sgd.params {
		if len(p.Grad) != len(p.Data) {
			return fmt.Errorf("parameter %s: gradient size %d does not match data size %d",
				p.Name, len(p.Grad), len(p.Data))
		}

		var buf []float64
		if sgd.Momentum > 0 {
			buf = sgd.MomentumBuffers[i]
		}
		first := buf == nil && sgd.Momentum > 0
		if first {
			buf = make([]float64, len(p.Data))
			sgd.MomentumBuffers[i] = buf
		}

		for j := range p.Data {
			d := p.Grad[j]
			if sgd.WeightDecay != 0 {
				d += sgd.WeightDecay * p.Data[j]
			}

			if sgd.Momentum > 0 {
				if first {
					buf[j] = d
				} else {
					buf[j] = sgd.Momentum*buf[j] + (1-sgd.Dampening)*d
				}
				if sgd.Nesterov {
					d += sgd.Momentum * buf[j]
				} else {
					d = buf[j]
				}
			}

			p.Data[j] -= sgd.LearningRate * d
		}
	}

	sgd.StepCount++
	return nil
}

// ZeroGrad clears the gradients of every managed parameter
func (sgd *SGDOptimizerState) ZeroGrad() {
	for _, p := range sgd.params {
		p.ZeroGrad()
	}
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LearningRate = newLR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}
