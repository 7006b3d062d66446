package training

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-mnist/checkpoints"
	"github.com/tsawler/go-mnist/engine"
	"github.com/tsawler/go-mnist/tensorboard"
	"github.com/tsawler/go-mnist/vision/dataloader"
	"github.com/tsawler/go-mnist/vision/dataset"
)

const stubClasses = 10

// stubModel predicts the true label for every training row. In evaluation
// mode round r gets the first evalAccuracy(r) fraction of each batch right.
type stubModel struct {
	params   []*engine.Parameter
	training bool

	trainForwards int
	backwards     int
	evalRound     int

	evalAccuracy func(round int) float64
	grad         []float64 // added to the first parameter on Backward

	failAtForward  int // train-mode forward call that fails, 0 for never
	panicAtForward int
}

func newStubModel() *stubModel {
	return &stubModel{
		params:       []*engine.Parameter{engine.NewParameter("fc1.weight", []int{2})},
		evalAccuracy: func(int) float64 { return 0.5 },
		grad:         []float64{-1, 2},
	}
}

func (m *stubModel) Train() { m.training = true }

func (m *stubModel) Eval() {
	m.training = false
	m.evalRound++
}

func (m *stubModel) Parameters() []*engine.Parameter { return m.params }

func (m *stubModel) Forward(inputs []float64, labels []int) (*engine.Output, error) {
	n := len(labels)
	right := n
	loss := 0.25
	if m.training {
		m.trainForwards++
		if m.trainForwards == m.failAtForward {
			return nil, errors.New("device lost")
		}
		if m.trainForwards == m.panicAtForward {
			panic("kernel fault")
		}
	} else {
		frac := m.evalAccuracy(m.evalRound)
		right = int(math.Round(frac * float64(n)))
		loss = 1 - frac
	}

	out := &engine.Output{Logits: make([]float64, n*stubClasses), Classes: stubClasses, Loss: loss}
	for i, label := range labels {
		pred := label
		if i >= right {
			pred = (label + 1) % stubClasses
		}
		out.Logits[i*stubClasses+pred] = 1
	}
	return out, nil
}

func (m *stubModel) Backward() error {
	m.backwards++
	for i, g := range m.grad {
		m.params[0].Grad[i] += g
	}
	return nil
}

// stubOptimizer records the learning rate and gradients seen at every step
type stubOptimizer struct {
	lr        float64
	params    []*engine.Parameter
	steps     int
	zeroGrads int
	stepLRs   []float64
	stepGrads [][]float64
}

func (o *stubOptimizer) ZeroGrad() {
	o.zeroGrads++
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *stubOptimizer) Step() error {
	o.steps++
	o.stepLRs = append(o.stepLRs, o.lr)
	o.stepGrads = append(o.stepGrads, append([]float64(nil), o.params[0].Grad...))
	return nil
}

func (o *stubOptimizer) GetLearningRate() float64      { return o.lr }
func (o *stubOptimizer) UpdateLearningRate(lr float64) { o.lr = lr }

// newSource creates a loader over n two-feature samples
func newSource(t *testing.T, n, batchSize int) *dataloader.DataLoader {
	t.Helper()
	inputs := make([]float64, 2*n)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i % stubClasses
		inputs[2*i] = float64(i)
	}
	return newSourceFrom(t, inputs, labels, batchSize)
}

func newSourceFrom(t *testing.T, inputs []float64, labels []int, batchSize int) *dataloader.DataLoader {
	t.Helper()
	ds, err := dataset.NewTensorDataset(2, inputs, labels)
	if err != nil {
		t.Fatal(err)
	}
	dl, err := dataloader.NewDataLoader(ds, dataloader.Config{BatchSize: batchSize})
	if err != nil {
		t.Fatal(err)
	}
	return dl
}

type harness struct {
	cfg     Config
	model   *stubModel
	opt     *stubOptimizer
	logger  *MetricLogger
	trainer *Trainer
}

func newHarness(t *testing.T, cfg Config, model *stubModel, samples int) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg.LogDir = filepath.Join(dir, "log")
	cfg.RunDir = filepath.Join(dir, "runs")

	logger, err := NewMetricLogger(cfg.LogDir, cfg.RunDir, io.Discard)
	if err != nil {
		t.Fatalf("NewMetricLogger failed: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	opt := &stubOptimizer{lr: cfg.LearningRate, params: model.params}
	ckpt := checkpoints.NewManager(checkpoints.FormatProto, logger.Infof)
	trainer, err := NewTrainer(cfg, model, opt,
		newSource(t, samples, cfg.BatchSize), newSource(t, 100, 50), logger, ckpt)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	return &harness{cfg: cfg, model: model, opt: opt, logger: logger, trainer: trainer}
}

func bestFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "best-*.pth"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func assertSummaryLast(t *testing.T, lines []string) {
	t.Helper()
	if len(lines) == 0 || !strings.HasPrefix(lines[len(lines)-1], "Total Elapse: ") {
		t.Errorf("Expected the summary as the last line, got %q", lines)
	}
}

func TestTrainerSingleEpoch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epochs = 1
	h := newHarness(t, cfg, newStubModel(), 400)

	res := h.trainer.Run(context.Background())
	if res.Err != nil {
		t.Fatalf("Run failed: %v", res.Err)
	}

	if h.opt.steps != 2 || res.Steps != 2 {
		t.Errorf("Expected 2 optimizer steps, got %d (result %d)", h.opt.steps, res.Steps)
	}
	if h.opt.zeroGrads != 2 || h.model.backwards != 2 {
		t.Errorf("Expected 2 zero-grads and 2 backwards, got %d and %d", h.opt.zeroGrads, h.model.backwards)
	}
	if res.Evaluations != 1 {
		t.Errorf("Expected 1 evaluation, got %d", res.Evaluations)
	}

	if _, err := os.Stat(h.trainer.LatestPath()); err != nil {
		t.Errorf("latest.pth missing: %v", err)
	}
	best := bestFiles(t, h.cfg.LogDir)
	if len(best) != 1 || filepath.Base(best[0]) != "best-0.pth" {
		t.Errorf("Expected only best-0.pth, got %v", best)
	}
	if res.State.BestAccuracy != 50 || res.State.BestPath != best[0] {
		t.Errorf("Unexpected state %+v", res.State)
	}
	if res.State.LearningRate != 0.01 {
		t.Errorf("Learning rate should not decay before the milestones, got %v", res.State.LearningRate)
	}

	lines := h.logger.Lines()
	assertSummaryLast(t, lines)
	want := []string{"Elapsed ", "\tTest set: Average loss: 0.5000, Accuracy: 50/100 (50%)", "Total Elapse: "}
	if len(lines) != len(want) {
		t.Fatalf("Expected %d kept lines, got %q", len(want), lines)
	}
	for i, prefix := range want {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("Line %d: expected prefix %q, got %q", i, prefix, lines[i])
		}
	}
}

func TestTrainerRetainsSingleBest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epochs = 4
	cfg.TestInterval = 1

	model := newStubModel()
	accuracies := []float64{0.5, 0.7, 0.6, 0.8}
	model.evalAccuracy = func(round int) float64 { return accuracies[round-1] }
	h := newHarness(t, cfg, model, 400)

	res := h.trainer.Run(context.Background())
	if res.Err != nil {
		t.Fatalf("Run failed: %v", res.Err)
	}
	if res.Evaluations != 4 {
		t.Errorf("Expected 4 evaluations, got %d", res.Evaluations)
	}

	best := bestFiles(t, h.cfg.LogDir)
	if len(best) != 1 || filepath.Base(best[0]) != "best-3.pth" {
		t.Fatalf("Expected only best-3.pth, got %v", best)
	}
	for _, epoch := range []int{0, 1, 2} {
		if _, err := os.Stat(h.trainer.BestPath(epoch)); !os.IsNotExist(err) {
			t.Errorf("best-%d.pth should not exist", epoch)
		}
	}

	ckpt, err := checkpoints.NewManager(checkpoints.FormatProto, nil).Load(best[0])
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ckpt.TrainingState.Accuracy != res.State.BestAccuracy || res.State.BestAccuracy != 80 {
		t.Errorf("Best checkpoint accuracy %v does not match state %v", ckpt.TrainingState.Accuracy, res.State.BestAccuracy)
	}
}

func TestTrainerLearningRateDecay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epochs = 4
	cfg.DecreasingLR = []int{1, 3}
	h := newHarness(t, cfg, newStubModel(), 400)

	res := h.trainer.Run(context.Background())
	if res.Err != nil {
		t.Fatalf("Run failed: %v", res.Err)
	}

	want := []float64{0.01, 0.01, 0.001, 0.001, 0.001, 0.001, 0.0001, 0.0001}
	if len(h.opt.stepLRs) != len(want) {
		t.Fatalf("Expected %d steps, got %d", len(want), len(h.opt.stepLRs))
	}
	for i, lr := range want {
		if math.Abs(h.opt.stepLRs[i]-lr) > 1e-12 {
			t.Errorf("Step %d: expected lr %g, got %g", i, lr, h.opt.stepLRs[i])
		}
	}
	if math.Abs(res.State.LearningRate-0.0001) > 1e-12 {
		t.Errorf("Expected final lr 1e-4, got %g", res.State.LearningRate)
	}
}

func TestTrainerMetricSteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epochs = 3
	cfg.BatchSize = 100
	cfg.LogInterval = 1
	h := newHarness(t, cfg, newStubModel(), 400)

	res := h.trainer.Run(context.Background())
	if res.Err != nil {
		t.Fatalf("Run failed: %v", res.Err)
	}

	var steps []float64
	for _, r := range h.logger.Records() {
		if r.Tag == "training loss" {
			steps = append(steps, r.Step)
		}
	}
	want := []float64{0.25, 0.5, 0.75, 1.25, 1.5, 1.75, 2.25, 2.5, 2.75}
	if len(steps) != len(want) {
		t.Fatalf("Expected %d training records, got %v", len(want), steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("Record %d: expected step %v, got %v", i, want[i], steps[i])
		}
		if i > 0 && steps[i] < steps[i-1] {
			t.Errorf("Steps decrease at %d: %v", i, steps)
		}
		if i > 0 && int(steps[i]) != int(steps[i-1]) && steps[i] <= steps[i-1] {
			t.Errorf("Steps do not increase across epochs at %d: %v", i, steps)
		}
	}

	lines := h.logger.Lines()
	if !strings.HasPrefix(lines[0], "Train Epoch: 0 [100/400] Loss: 0.250000 Acc: 1.0000 lr: 1.00e-02") {
		t.Errorf("Unexpected first train line %q", lines[0])
	}

	if err := h.logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	scalars, err := tensorboard.ReadScalars(h.cfg.RunDir)
	if err != nil {
		t.Fatalf("ReadScalars failed: %v", err)
	}
	if len(scalars["training loss"]) != 9 || len(scalars["training accuracy"]) != 9 {
		t.Errorf("Expected 9 training scalars per tag, got %d and %d",
			len(scalars["training loss"]), len(scalars["training accuracy"]))
	}
	if len(scalars["test loss"]) != 1 || len(scalars["test accuracy"]) != 1 {
		t.Errorf("Expected one test scalar per tag, got %d and %d",
			len(scalars["test loss"]), len(scalars["test accuracy"]))
	}
}

func TestTrainerNegativeGradientFactor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epochs = 1
	cfg.Factor = 2
	h := newHarness(t, cfg, newStubModel(), 200)

	if res := h.trainer.Run(context.Background()); res.Err != nil {
		t.Fatalf("Run failed: %v", res.Err)
	}
	if len(h.opt.stepGrads) != 1 {
		t.Fatalf("Expected 1 step, got %d", len(h.opt.stepGrads))
	}
	if got := h.opt.stepGrads[0]; got[0] != -2 || got[1] != 2 {
		t.Errorf("Expected shaped gradient [-2 2], got %v", got)
	}
}

func TestTrainerForwardErrorStillSummarizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epochs = 3
	model := newStubModel()
	model.failAtForward = 3
	h := newHarness(t, cfg, model, 400)

	res := h.trainer.Run(context.Background())
	if res.Err == nil || !strings.Contains(res.Err.Error(), "device lost") {
		t.Fatalf("Expected forward error, got %v", res.Err)
	}
	if res.Steps != 2 || res.State.Epoch != 1 {
		t.Errorf("Expected to stop in epoch 1 after 2 steps, got epoch %d, %d steps", res.State.Epoch, res.Steps)
	}
	if res.State.BestAccuracy != 50 {
		t.Errorf("Expected the partial state to keep best accuracy 50, got %v", res.State.BestAccuracy)
	}
	assertSummaryLast(t, h.logger.Lines())

	if err := h.logger.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := h.logger.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestTrainerPanicIsRecovered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epochs = 1
	model := newStubModel()
	model.panicAtForward = 1
	h := newHarness(t, cfg, model, 400)

	res := h.trainer.Run(context.Background())
	if res.Err == nil || !strings.Contains(res.Err.Error(), "kernel fault") {
		t.Fatalf("Expected recovered panic, got %v", res.Err)
	}
	if !res.Failed() {
		t.Error("Failed should report true")
	}
	assertSummaryLast(t, h.logger.Lines())
}

func TestTrainerCancelledContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epochs = 2
	h := newHarness(t, cfg, newStubModel(), 400)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.trainer.Run(ctx)
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", res.Err)
	}
	if res.Steps != 0 {
		t.Errorf("Expected no steps, got %d", res.Steps)
	}
	assertSummaryLast(t, h.logger.Lines())
}

func TestNewTrainerValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TestInterval = 0
	dir := t.TempDir()
	logger, err := NewMetricLogger(dir, dir, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	model := newStubModel()
	opt := &stubOptimizer{lr: 0.1, params: model.params}
	ckpt := checkpoints.NewManager(checkpoints.FormatProto, nil)
	src := newSource(t, 10, 5)

	if _, err := NewTrainer(cfg, model, opt, src, src, logger, ckpt); err == nil {
		t.Error("Expected error for zero test interval")
	}
	if _, err := NewTrainer(DefaultConfig(), nil, opt, src, src, logger, ckpt); err == nil {
		t.Error("Expected error for nil model")
	}
}
