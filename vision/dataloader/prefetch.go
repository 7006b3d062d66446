package dataloader

import (
	"context"
	"fmt"
	"sync"
)

// Source is a restartable batch iterator such as *DataLoader
type Source interface {
	Reset()
	Next() (*Batch, error)
	Len() int
	NumSamples() int
}

type prefetchResult struct {
	batch *Batch
	err   error
}

// PrefetchLoader assembles the batches of a Source in a background
// goroutine, keeping up to depth of them ready. Batches come out in the same
// order as from the wrapped Source.
type PrefetchLoader struct {
	src   Source
	depth int

	results chan prefetchResult
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mutex    sync.Mutex
	produced uint64
}

// PrefetchStats provides statistics about the prefetch pipeline
type PrefetchStats struct {
	Running         bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
}

// NewPrefetchLoader wraps src with a prefetch queue of depth batches
func NewPrefetchLoader(src Source, depth int) (*PrefetchLoader, error) {
	if src == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if depth <= 0 {
		return nil, fmt.Errorf("prefetch depth must be positive, got %d", depth)
	}
	return &PrefetchLoader{src: src, depth: depth}, nil
}

// Reset stops any pass in progress, resets the source and starts producing
// the batches of a new pass
func (p *PrefetchLoader) Reset() {
	p.Stop()
	p.src.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan prefetchResult, p.depth)

	p.mutex.Lock()
	p.results = results
	p.cancel = cancel
	p.mutex.Unlock()

	p.wg.Add(1)
	go p.produce(ctx, results)
}

func (p *PrefetchLoader) produce(ctx context.Context, results chan<- prefetchResult) {
	defer p.wg.Done()
	defer close(results)

	for {
		batch, err := p.src.Next()
		if batch == nil && err == nil {
			return
		}

		select {
		case results <- prefetchResult{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}

		p.mutex.Lock()
		p.produced++
		p.mutex.Unlock()
	}
}

// Next returns the next batch, or nil when the pass is complete
func (p *PrefetchLoader) Next() (*Batch, error) {
	p.mutex.Lock()
	results := p.results
	p.mutex.Unlock()

	if results == nil {
		return nil, fmt.Errorf("prefetch loader is not running; call Reset first")
	}
	r, ok := <-results
	if !ok {
		return nil, nil
	}
	return r.batch, r.err
}

// Stop cancels the producer and waits for it to exit. It is safe to call
// when nothing is running.
func (p *PrefetchLoader) Stop() {
	p.mutex.Lock()
	cancel, results := p.cancel, p.results
	p.cancel, p.results = nil, nil
	p.mutex.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	for range results {
	}
	p.wg.Wait()
}

// Len returns the number of batches per pass
func (p *PrefetchLoader) Len() int {
	return p.src.Len()
}

// NumSamples returns the number of samples per pass
func (p *PrefetchLoader) NumSamples() int {
	return p.src.NumSamples()
}

// Stats returns statistics about the pipeline
func (p *PrefetchLoader) Stats() PrefetchStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats := PrefetchStats{
		Running:         p.results != nil,
		BatchesProduced: p.produced,
		QueueCapacity:   p.depth,
	}
	if p.results != nil {
		stats.QueuedBatches = len(p.results)
	}
	return stats
}
