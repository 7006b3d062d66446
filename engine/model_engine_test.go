package engine

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-mnist/layers"
)

func newTestEngine(t *testing.T, dropout float64) *ModelEngine {
	t.Helper()
	spec, err := layers.NewMLPSpec(4, []int{8}, 3, dropout)
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	e, err := NewModelEngine(spec, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// toyBatch returns a linearly separable 3-class problem
func toyBatch() ([]float64, []int) {
	inputs := []float64{
		1, 0, 0, 0,
		0.9, 0.1, 0, 0,
		0, 1, 0, 0,
		0, 0.9, 0.1, 0,
		0, 0, 1, 0,
		0, 0, 0.9, 0.1,
	}
	labels := []int{0, 0, 1, 1, 2, 2}
	return inputs, labels
}

func TestNewModelEngineParameters(t *testing.T) {
	e := newTestEngine(t, 0)

	params := e.Parameters()
	if len(params) != 4 {
		t.Fatalf("Expected 4 parameter tensors, got %d", len(params))
	}

	bound := 1 / math.Sqrt(4)
	for _, v := range params[0].Data {
		if math.Abs(v) > bound {
			t.Fatalf("fc1.weight value %f outside init bound %f", v, bound)
		}
	}
	if params[0].Name != "fc1.weight" || params[3].Name != "out.bias" {
		t.Errorf("Unexpected parameter names %s, %s", params[0].Name, params[3].Name)
	}
}

func TestNewModelEngineValidation(t *testing.T) {
	spec, _ := layers.NewMLPSpec(4, []int{8}, 3, 0)
	if _, err := NewModelEngine(nil, rand.New(rand.NewSource(1))); err == nil {
		t.Error("Expected error for nil spec")
	}
	if _, err := NewModelEngine(spec, nil); err == nil {
		t.Error("Expected error for nil rng")
	}
}

func TestForwardShapesAndLoss(t *testing.T) {
	e := newTestEngine(t, 0)
	e.Eval()

	inputs, labels := toyBatch()
	out, err := e.Forward(inputs, labels)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if len(out.Logits) != len(labels)*3 {
		t.Errorf("Expected %d logits, got %d", len(labels)*3, len(out.Logits))
	}
	if out.Loss <= 0 || math.IsNaN(out.Loss) {
		t.Errorf("Expected positive finite loss, got %f", out.Loss)
	}
	if len(out.Predictions()) != len(labels) {
		t.Errorf("Expected %d predictions", len(labels))
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	e := newTestEngine(t, 0)

	if _, err := e.Forward([]float64{1, 2, 3}, []int{0}); err == nil {
		t.Error("Expected error for short input")
	}
	if _, err := e.Forward(make([]float64, 4), []int{7}); err == nil {
		t.Error("Expected error for out of range label")
	}
	if _, err := e.Forward(nil, nil); err == nil {
		t.Error("Expected error for empty batch")
	}
}

func TestEvalIsDeterministic(t *testing.T) {
	e := newTestEngine(t, 0.5)
	e.Eval()

	inputs, labels := toyBatch()
	first, err := e.Forward(inputs, labels)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	second, err := e.Forward(inputs, labels)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if first.Loss != second.Loss {
		t.Errorf("Eval loss changed between calls: %f vs %f", first.Loss, second.Loss)
	}
	for i := range first.Logits {
		if first.Logits[i] != second.Logits[i] {
			t.Fatalf("Eval logits changed at %d", i)
		}
	}
}

func TestBackwardRequiresTrainingForward(t *testing.T) {
	e := newTestEngine(t, 0)
	e.Eval()

	inputs, labels := toyBatch()
	if _, err := e.Forward(inputs, labels); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := e.Backward(); err == nil {
		t.Error("Expected error for backward after eval forward")
	}
}

func TestBackwardAccumulatesGradients(t *testing.T) {
	e := newTestEngine(t, 0)
	e.Train()

	inputs, labels := toyBatch()
	if _, err := e.Forward(inputs, labels); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := e.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	first := append([]float64(nil), e.Parameters()[0].Grad...)
	nonZero := false
	for _, g := range first {
		if g != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Fatal("Expected non-zero gradient for fc1.weight")
	}

	// A second backward without ZeroGrad doubles the gradient
	if _, err := e.Forward(inputs, labels); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := e.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i, g := range e.Parameters()[0].Grad {
		if math.Abs(g-2*first[i]) > 1e-9 {
			t.Fatalf("Gradient %d not accumulated: %f vs %f", i, g, 2*first[i])
		}
	}
}

// numericGradient returns the central difference of the eval-mode loss
// with respect to every parameter value
func numericGradient(t *testing.T, e *ModelEngine, inputs []float64, labels []int) [][]float64 {
	t.Helper()
	const eps = 1e-6

	wasTraining := e.Training()
	e.Eval()
	defer func() {
		if wasTraining {
			e.Train()
		}
	}()

	loss := func() float64 {
		out, err := e.Forward(inputs, labels)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		return out.Loss
	}

	grads := make([][]float64, len(e.Parameters()))
	for pi, p := range e.Parameters() {
		grads[pi] = make([]float64, len(p.Data))
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			up := loss()
			p.Data[i] = orig - eps
			down := loss()
			p.Data[i] = orig
			grads[pi][i] = (up - down) / (2 * eps)
		}
	}
	return grads
}

func TestGradientMatchesFiniteDifferencesAcrossSteps(t *testing.T) {
	e := newTestEngine(t, 0)
	inputs, labels := toyBatch()
	want := numericGradient(t, e, inputs, labels)

	e.Train()
	for round := 1; round <= 4; round++ {
		for _, p := range e.Parameters() {
			p.ZeroGrad()
		}
		if _, err := e.Forward(inputs, labels); err != nil {
			t.Fatalf("Round %d: Forward failed: %v", round, err)
		}
		if err := e.Backward(); err != nil {
			t.Fatalf("Round %d: Backward failed: %v", round, err)
		}

		for pi, p := range e.Parameters() {
			for i, g := range p.Grad {
				if diff := math.Abs(g - want[pi][i]); diff > 1e-6+1e-4*math.Abs(want[pi][i]) {
					t.Fatalf("Round %d: %s[%d] gradient %g, finite difference %g",
						round, p.Name, i, g, want[pi][i])
				}
			}
		}
	}
}

func TestForwardLargeLogitsStayFinite(t *testing.T) {
	e := newTestEngine(t, 0)
	inputs, labels := toyBatch()

	// out.bias
	e.Parameters()[3].Data[0] = 1000

	e.Eval()
	out, err := e.Forward(inputs, labels)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if math.IsNaN(out.Loss) || math.IsInf(out.Loss, 0) {
		t.Fatalf("Expected a finite loss, got %f", out.Loss)
	}
	// rows labelled 1 and 2 are about 1000 nats away from class 0
	if out.Loss < 500 {
		t.Errorf("Expected a loss dominated by the large logit, got %f", out.Loss)
	}

	e.Train()
	if _, err := e.Forward(inputs, labels); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := e.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for _, p := range e.Parameters() {
		for i, g := range p.Grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				t.Fatalf("%s[%d] gradient is not finite: %f", p.Name, i, g)
			}
		}
	}
}

func TestGradientDescentReducesLoss(t *testing.T) {
	e := newTestEngine(t, 0)
	inputs, labels := toyBatch()

	e.Eval()
	before, err := e.Forward(inputs, labels)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	e.Train()
	for step := 0; step < 50; step++ {
		for _, p := range e.Parameters() {
			p.ZeroGrad()
		}
		if _, err := e.Forward(inputs, labels); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if err := e.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		for _, p := range e.Parameters() {
			for i := range p.Data {
				p.Data[i] -= 0.5 * p.Grad[i]
			}
		}
	}

	e.Eval()
	after, err := e.Forward(inputs, labels)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if after.Loss >= before.Loss {
		t.Errorf("Expected loss to decrease, before %f after %f", before.Loss, after.Loss)
	}
}

func TestOutputCorrect(t *testing.T) {
	out := &Output{
		Logits:  []float64{0.1, 0.9, 0.8, 0.2, 0.3, 0.7},
		Classes: 2,
	}
	if got := out.Correct([]int{1, 0, 0}); got != 2 {
		t.Errorf("Expected 2 correct, got %d", got)
	}
}

func TestSelectDevices(t *testing.T) {
	available := AvailableDevices()
	if len(available) == 0 {
		t.Fatal("Expected at least one device")
	}

	devices, err := SelectDevices("", 1)
	if err != nil {
		t.Fatalf("SelectDevices failed: %v", err)
	}
	if len(devices) != 1 || devices[0].Index != 0 {
		t.Errorf("Expected device 0, got %v", devices)
	}

	devices, err = SelectDevices("0,0", 1)
	if err != nil {
		t.Fatalf("SelectDevices failed: %v", err)
	}
	if len(devices) != 1 {
		t.Errorf("Expected duplicates to collapse, got %v", devices)
	}

	if _, err := SelectDevices("x", 1); err == nil {
		t.Error("Expected error for non-numeric index")
	}
	if _, err := SelectDevices("-1", 1); err == nil {
		t.Error("Expected error for negative index")
	}
	if _, err := SelectDevices("", len(available)+1); err == nil {
		t.Error("Expected error when requesting too many devices")
	}
}
