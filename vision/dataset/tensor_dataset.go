package dataset

import "fmt"

// Dataset is an indexable collection of flattened samples
type Dataset interface {
	Len() int
	Features() int
	Get(idx int) (input []float64, label int, err error)
}

// TensorDataset wraps in-memory inputs and labels
type TensorDataset struct {
	inputs   []float64
	labels   []int
	features int
}

// NewTensorDataset creates a dataset of len(labels) samples with features
// values each
func NewTensorDataset(features int, inputs []float64, labels []int) (*TensorDataset, error) {
	if features <= 0 {
		return nil, fmt.Errorf("features must be positive, got %d", features)
	}
	if len(inputs) != features*len(labels) {
		return nil, fmt.Errorf("expected %d input values for %d samples, got %d",
			features*len(labels), len(labels), len(inputs))
	}
	return &TensorDataset{inputs: inputs, labels: labels, features: features}, nil
}

// Len returns the number of samples
func (d *TensorDataset) Len() int {
	return len(d.labels)
}

// Features returns the number of values per sample
func (d *TensorDataset) Features() int {
	return d.features
}

// Get returns the sample at idx
func (d *TensorDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= len(d.labels) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.labels))
	}
	return d.inputs[idx*d.features : (idx+1)*d.features], d.labels[idx], nil
}
