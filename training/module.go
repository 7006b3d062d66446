package training

import (
	"github.com/tsawler/go-mnist/engine"
	"github.com/tsawler/go-mnist/optimizer"
	"github.com/tsawler/go-mnist/vision/dataloader"
)

// Model is a trainable classifier. Forward computes logits and the mean
// cross-entropy loss of a batch; in training mode Backward then adds the
// gradients of that loss to every parameter's Grad.
type Model interface {
	Train()
	Eval()
	Forward(inputs []float64, labels []int) (*engine.Output, error)
	Backward() error
	Parameters() []*engine.Parameter
}

// Optimizer updates model parameters from their gradients
type Optimizer interface {
	ZeroGrad()
	Step() error
	GetLearningRate() float64
	UpdateLearningRate(lr float64)
}

// DataSource yields the batches of one epoch. Reset starts a new pass and
// Next returns nil once the pass is complete.
type DataSource interface {
	Reset()
	Next() (*dataloader.Batch, error)
	Len() int        // Batches per epoch
	NumSamples() int // Samples per epoch
}

var (
	_ Model      = (*engine.ModelEngine)(nil)
	_ Optimizer  = (*optimizer.SGDOptimizerState)(nil)
	_ DataSource = (*dataloader.DataLoader)(nil)
	_ DataSource = (*dataloader.PrefetchLoader)(nil)
)
