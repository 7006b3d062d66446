package engine

import "fmt"

// Parameter is a named, mutable tensor owned by a model. Data holds the
// row-major values and Grad the gradient accumulated by the last backward
// pass; both have Size() elements.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// NewParameter allocates a zero-valued parameter of the given shape
func NewParameter(name string, shape []int) *Parameter {
	size := shapeSize(shape)
	s := make([]int, len(shape))
	copy(s, shape)
	return &Parameter{
		Name:  name,
		Shape: s,
		Data:  make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// Size returns the number of elements
func (p *Parameter) Size() int {
	return len(p.Data)
}

// ZeroGrad clears the accumulated gradient
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// SetData copies values into the parameter after checking the element count
func (p *Parameter) SetData(values []float64) error {
	if len(values) != len(p.Data) {
		return fmt.Errorf("parameter %s: expected %d values, got %d", p.Name, len(p.Data), len(values))
	}
	copy(p.Data, values)
	return nil
}

func shapeSize(shape []int) int {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return size
}
