package engine

import (
	"fmt"
	"math"
	"math/rand"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-mnist/layers"
)

// Output is the result of one forward pass
type Output struct {
	Logits  []float64 // [batch, classes] row-major
	Classes int
	Loss    float64 // mean cross-entropy over the batch
}

// Predictions returns the arg-max class of every row
func (o *Output) Predictions() []int {
	if o.Classes == 0 {
		return nil
	}
	rows := len(o.Logits) / o.Classes
	preds := make([]int, rows)
	for i := 0; i < rows; i++ {
		row := o.Logits[i*o.Classes : (i+1)*o.Classes]
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		preds[i] = best
	}
	return preds
}

// Correct counts the rows whose arg-max matches the label
func (o *Output) Correct(labels []int) int {
	correct := 0
	for i, p := range o.Predictions() {
		if i < len(labels) && p == labels[i] {
			correct++
		}
	}
	return correct
}

// ModelEngine runs a compiled layers.ModelSpec on gorgonia. Parameters are
// owned by the engine and shared by every graph it compiles; one graph is
// compiled per (batch size, mode) pair on first use.
type ModelEngine struct {
	spec    *layers.ModelSpec
	params  []*Parameter
	rng     *rand.Rand
	classes int
	inputs  int

	training bool
	graphs   map[graphKey]*compiledGraph
	last     *compiledGraph // graph of the last training-mode forward pass
}

// NewModelEngine creates an engine for spec and initialises its parameters
// from rng. Weights and biases of a Dense layer with fan-in n are drawn from
// U(-1/sqrt(n), 1/sqrt(n)).
func NewModelEngine(spec *layers.ModelSpec, rng *rand.Rand) (*ModelEngine, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}
	if len(spec.InputShape) != 2 || len(spec.OutputShape) != 2 {
		return nil, fmt.Errorf("model must map [batch, features] to [batch, classes], got %v -> %v",
			spec.InputShape, spec.OutputShape)
	}

	e := &ModelEngine{
		spec:     spec,
		rng:      rng,
		inputs:   spec.InputShape[1],
		classes:  spec.OutputShape[1],
		training: true,
		graphs:   make(map[graphKey]*compiledGraph),
	}

	names := spec.ParameterNames()
	for i, shape := range spec.ParameterShapes {
		e.params = append(e.params, NewParameter(names[i], shape))
	}
	e.initParameters()

	return e, nil
}

func (e *ModelEngine) initParameters() {
	pi := 0
	for _, layer := range e.spec.Layers {
		if layer.Type != layers.Dense {
			continue
		}
		fanIn := layers.GetIntParam(layer.Parameters, "input_size", 1)
		bound := 1 / math.Sqrt(float64(fanIn))
		for range layer.ParameterShapes {
			p := e.params[pi]
			for i := range p.Data {
				p.Data[i] = (e.rng.Float64()*2 - 1) * bound
			}
			pi++
		}
	}
}

// Spec returns the model specification
func (e *ModelEngine) Spec() *layers.ModelSpec {
	return e.spec
}

// Parameters returns the live parameter tensors in declaration order
func (e *ModelEngine) Parameters() []*Parameter {
	return e.params
}

// Train switches to training mode (dropout active, gradients tracked)
func (e *ModelEngine) Train() {
	e.training = true
}

// Eval switches to inference mode (no dropout, no gradient tracking)
func (e *ModelEngine) Eval() {
	e.training = false
	e.last = nil
}

// Training reports the current mode
func (e *ModelEngine) Training() bool {
	return e.training
}

// Forward computes logits and the mean cross-entropy loss of a batch. In
// training mode the gradients are computed as well and become available
// through Backward.
func (e *ModelEngine) Forward(inputs []float64, labels []int) (*Output, error) {
	batch := len(labels)
	if batch == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if len(inputs) != batch*e.inputs {
		return nil, fmt.Errorf("input size mismatch: expected %d values for %d samples, got %d",
			batch*e.inputs, batch, len(inputs))
	}

	e.last = nil
	cg, err := e.graph(batch, e.training)
	if err != nil {
		return nil, err
	}

	if err := G.Let(cg.input, tensor.New(tensor.WithShape(batch, e.inputs), tensor.WithBacking(inputs))); err != nil {
		return nil, fmt.Errorf("failed to bind input: %w", err)
	}

	target, err := e.oneHot(labels)
	if err != nil {
		return nil, err
	}
	if err := G.Let(cg.target, tensor.New(tensor.WithShape(batch, e.classes), tensor.WithBacking(target))); err != nil {
		return nil, fmt.Errorf("failed to bind labels: %w", err)
	}

	for i, mask := range cg.masks {
		width := mask.Shape()[1]
		if err := G.Let(mask, tensor.New(tensor.WithShape(batch, width), tensor.WithBacking(e.dropoutMask(batch*width, cg.maskRates[i])))); err != nil {
			return nil, fmt.Errorf("failed to bind dropout mask: %w", err)
		}
	}

	if err := cg.syncWeights(e.params); err != nil {
		return nil, err
	}

	defer cg.vm.Reset()
	if err := cg.vm.RunAll(); err != nil {
		if cg.train {
			cg.clearGradients()
		}
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	if cg.train {
		if err := cg.captureGradients(); err != nil {
			cg.clearGradients()
			return nil, err
		}
	}

	logits, ok := cg.logitsVal.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("unexpected logits type %T", cg.logitsVal.Data())
	}
	loss, ok := cg.lossVal.Data().(float64)
	if !ok {
		return nil, fmt.Errorf("unexpected loss type %T", cg.lossVal.Data())
	}

	out := &Output{
		Logits:  append([]float64(nil), logits...),
		Classes: e.classes,
		Loss:    loss,
	}

	if cg.train {
		e.last = cg
	}
	return out, nil
}

// Backward accumulates the gradients of the last training-mode Forward into
// every parameter's Grad
func (e *ModelEngine) Backward() error {
	if e.last == nil {
		return fmt.Errorf("backward called without a training-mode forward pass")
	}
	for i, p := range e.params {
		grad := e.last.grads[i]
		if len(grad) != len(p.Grad) {
			return fmt.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, len(grad), len(p.Grad))
		}
		for j, g := range grad {
			p.Grad[j] += g
		}
	}
	e.last = nil
	return nil
}

// Close releases every compiled graph
func (e *ModelEngine) Close() error {
	var firstErr error
	for key, cg := range e.graphs {
		if err := cg.vm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.graphs, key)
	}
	e.last = nil
	return firstErr
}

func (e *ModelEngine) oneHot(labels []int) ([]float64, error) {
	target := make([]float64, len(labels)*e.classes)
	for i, label := range labels {
		if label < 0 || label >= e.classes {
			return nil, fmt.Errorf("label %d out of range [0, %d)", label, e.classes)
		}
		target[i*e.classes+label] = 1
	}
	return target, nil
}

// dropoutMask returns inverted-dropout multipliers: 0 with probability rate,
// 1/(1-rate) otherwise
func (e *ModelEngine) dropoutMask(size int, rate float64) []float64 {
	mask := make([]float64, size)
	keep := 1 / (1 - rate)
	for i := range mask {
		if e.rng.Float64() >= rate {
			mask[i] = keep
		}
	}
	return mask
}
