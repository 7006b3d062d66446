package dataset

import "fmt"

// SubsetDataset exposes only the first limit samples of another dataset
type SubsetDataset struct {
	original Dataset
	limit    int
}

// NewSubsetDataset wraps original, capping its length at limit. A limit
// larger than the dataset exposes every sample.
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if original == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	if limit > original.Len() {
		limit = original.Len()
	}
	return &SubsetDataset{
		original: original,
		limit:    limit,
	}, nil
}

// Len returns the number of samples in the subset
func (sd *SubsetDataset) Len() int {
	return sd.limit
}

// Features returns the number of values per sample
func (sd *SubsetDataset) Features() int {
	return sd.original.Features()
}

// Get returns a sample at the given index from the original dataset
func (sd *SubsetDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, 0, fmt.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.original.Get(idx)
}
