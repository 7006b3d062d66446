package training

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/tsawler/go-mnist/checkpoints"
)

// Trainer drives a training run: it trains every batch of every epoch,
// decays the learning rate at the configured milestones, snapshots the
// latest weights after each epoch and keeps a single best snapshot based on
// periodic evaluation.
type Trainer struct {
	config    Config
	model     Model
	optimizer Optimizer
	train     DataSource
	test      DataSource
	logger    *MetricLogger
	ckpt      *checkpoints.Manager
	schedule  LRScheduler
	now       func() time.Time
}

// NewTrainer creates a new Trainer
func NewTrainer(config Config, model Model, optimizer Optimizer, train, test DataSource,
	logger *MetricLogger, ckpt *checkpoints.Manager) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if model == nil || optimizer == nil || train == nil || test == nil || logger == nil || ckpt == nil {
		return nil, fmt.Errorf("model, optimizer, data sources, logger and checkpoint manager are required")
	}

	return &Trainer{
		config:    config,
		model:     model,
		optimizer: optimizer,
		train:     train,
		test:      test,
		logger:    logger,
		ckpt:      ckpt,
		schedule:  NewMultiStepLR(config.DecreasingLR, config.LRDecayFactor),
		now:       time.Now,
	}, nil
}

// LatestPath is where the per-epoch snapshot is written
func (t *Trainer) LatestPath() string {
	return filepath.Join(t.config.LogDir, "latest.pth")
}

// BestPath is where the snapshot of an improving evaluation at epoch goes
func (t *Trainer) BestPath(epoch int) string {
	return filepath.Join(t.config.LogDir, fmt.Sprintf("best-%d.pth", epoch))
}

// Run trains for the configured number of epochs. Errors and panics from the
// model, optimizer or data sources end the run early and are reported in
// Result.Err together with the state reached so far. The summary line is
// logged on every exit path. ctx is checked between batches.
func (t *Trainer) Run(ctx context.Context) (res Result) {
	start := t.now()
	baseLR := t.optimizer.GetLearningRate()
	res.State.LearningRate = baseLR
	t.logger.Infof("Learning rate schedule: %s from %.2e", t.schedule.GetName(), baseLR)

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic during training: %v", r)
			t.logger.Infof("%v\n%s", res.Err, debug.Stack())
		}
		res.Elapsed = t.now().Sub(start)
		t.logger.LogLine(summaryLine(res.Elapsed, res.State.BestAccuracy))
	}()

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		if err := t.runEpoch(ctx, epoch, baseLR, start, &res); err != nil {
			res.Err = err
			t.logger.Infof("Training stopped: %v", err)
			return res
		}
	}
	return res
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, baseLR float64, start time.Time, res *Result) error {
	state := &res.State
	state.Epoch = epoch

	t.model.Train()
	if lr := t.schedule.GetLR(epoch, baseLR); lr != t.optimizer.GetLearningRate() {
		t.optimizer.UpdateLearningRate(lr)
	}
	state.LearningRate = t.optimizer.GetLearningRate()

	t.train.Reset()
	total := t.train.NumSamples()
	for batchIdx := 0; ; batchIdx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := t.train.Next()
		if err != nil {
			return fmt.Errorf("epoch %d: failed to load batch %d: %w", epoch, batchIdx, err)
		}
		if batch == nil {
			break
		}

		t.optimizer.ZeroGrad()
		out, err := t.model.Forward(batch.Inputs, batch.Labels)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: forward pass failed: %w", epoch, batchIdx, err)
		}
		if err := t.model.Backward(); err != nil {
			return fmt.Errorf("epoch %d batch %d: backward pass failed: %w", epoch, batchIdx, err)
		}
		ShapeNegativeGradients(t.model.Parameters(), t.config.Factor)
		if err := t.optimizer.Step(); err != nil {
			return fmt.Errorf("epoch %d batch %d: optimizer step failed: %w", epoch, batchIdx, err)
		}
		res.Steps++

		if batchIdx%t.config.LogInterval == 0 && batchIdx > 0 {
			seen := batchIdx * batch.Size
			acc := float64(out.Correct(batch.Labels)) / float64(batch.Size)
			t.logger.LogLine(trainLine(epoch, seen, total, out.Loss, acc, state.LearningRate))

			step := float64(epoch)
			if total > 0 {
				step += float64(seen) / float64(total)
			}
			if err := t.logger.RecordScalar("training loss", out.Loss, step); err != nil {
				return err
			}
			if err := t.logger.RecordScalar("training accuracy", acc, step); err != nil {
				return err
			}
		}
	}

	timing := EpochTiming(t.now().Sub(start), epoch+1, t.train.Len(), t.config.Epochs)
	t.logger.LogLine(timing.String())

	snapshot := checkpoints.TrainingState{
		Epoch:        epoch,
		LearningRate: state.LearningRate,
		Accuracy:     state.BestAccuracy,
	}
	if err := t.ckpt.Snapshot(t.model, t.LatestPath(), snapshot); err != nil {
		return err
	}

	if epoch%t.config.TestInterval == 0 {
		return t.evaluate(epoch, res)
	}
	return nil
}

func (t *Trainer) evaluate(epoch int, res *Result) error {
	ev, err := Evaluate(t.model, t.test, t.config.Classes)
	if err != nil {
		return fmt.Errorf("epoch %d: %w", epoch, err)
	}
	res.Evaluations++

	t.logger.LogLine(ev.String())
	t.logger.Infof("\t%s", ev.Confusion.Summary())
	if err := t.logger.RecordScalar("test loss", ev.Loss, float64(epoch)); err != nil {
		return err
	}
	if err := t.logger.RecordScalar("test accuracy", ev.Accuracy, float64(epoch)); err != nil {
		return err
	}

	state := &res.State
	if ev.Accuracy > state.BestAccuracy {
		newPath := t.BestPath(epoch)
		snapshot := checkpoints.TrainingState{
			Epoch:        epoch,
			LearningRate: state.LearningRate,
			Accuracy:     ev.Accuracy,
		}
		if err := t.ckpt.SnapshotAndRetire(t.model, newPath, state.BestPath, snapshot, true); err != nil {
			return err
		}
		t.logger.Infof("Best accuracy improved from %.3f%% to %.3f%%", state.BestAccuracy, ev.Accuracy)
		state.BestAccuracy = ev.Accuracy
		state.BestPath = newPath
	}
	return nil
}
