package dataloader

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-mnist/vision/dataset"
)

// Batch is a group of samples processed together
type Batch struct {
	Inputs   []float64 // [Size, Features] row-major
	Labels   []int
	Size     int
	Features int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize  int
	Shuffle    bool
	DropLast   bool       // Drop a trailing batch smaller than BatchSize
	NumWorkers int        // Number of goroutines assembling a batch
	Rand       *rand.Rand // Source for shuffling; required when Shuffle is set
}

// DataLoader hands out batches of a dataset, one epoch at a time. Reset
// starts a new epoch and reshuffles when configured to.
type DataLoader struct {
	dataset    dataset.Dataset
	batchSize  int
	shuffle    bool
	dropLast   bool
	numWorkers int
	rng        *rand.Rand
	indices    []int
	position   int
	mu         sync.Mutex
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds dataset.Dataset, config Config) (*DataLoader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Shuffle && config.Rand == nil {
		return nil, fmt.Errorf("shuffling requires a random source")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    ds,
		batchSize:  config.BatchSize,
		shuffle:    config.Shuffle,
		dropLast:   config.DropLast,
		numWorkers: config.NumWorkers,
		rng:        config.Rand,
		indices:    indices,
		position:   0,
	}, nil
}

// Reset rewinds to the start of a new epoch
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	n := len(dl.indices)
	if dl.dropLast {
		return n / dl.batchSize
	}
	return (n + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the number of samples in the dataset
func (dl *DataLoader) NumSamples() int {
	return len(dl.indices)
}

// Next returns the next batch, or nil when the epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 || (dl.dropLast && remaining < dl.batchSize) {
		return nil, nil
	}

	size := dl.batchSize
	if remaining < size {
		size = remaining
	}
	batchIndices := dl.indices[dl.position : dl.position+size]
	dl.position += size

	return dl.loadBatch(batchIndices)
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// loadBatch copies the samples into contiguous buffers, splitting the rows
// across the configured workers
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	features := dl.dataset.Features()
	batch := &Batch{
		Inputs:   make([]float64, len(indices)*features),
		Labels:   make([]int, len(indices)),
		Size:     len(indices),
		Features: features,
	}

	workers := dl.numWorkers
	if workers > len(indices) {
		workers = len(indices)
	}
	chunk := (len(indices) + workers - 1) / workers

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for start := 0; start < len(indices); start += chunk {
		end := start + chunk
		if end > len(indices) {
			end = len(indices)
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				input, label, err := dl.dataset.Get(indices[i])
				if err == nil && len(input) != features {
					err = fmt.Errorf("sample %d has %d features, expected %d", indices[i], len(input), features)
				}
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
				copy(batch.Inputs[i*features:(i+1)*features], input)
				batch.Labels[i] = label
			}
		}(start, end)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, fmt.Errorf("failed to load batch: %w", firstErr)
	}
	return batch, nil
}
