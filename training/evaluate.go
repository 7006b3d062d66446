package training

import "fmt"

// Evaluation is the outcome of one pass over a held-out set
type Evaluation struct {
	Loss     float64 // Mean of the per-batch mean losses
	Accuracy float64 // 100 * Correct / Total
	Correct  int
	Total    int
	Batches  int

	Confusion *ConfusionMatrix
}

// Evaluate switches model to inference mode and runs every batch of data
// once. Parameters are not touched, so repeated calls without training in
// between give identical results.
func Evaluate(model Model, data DataSource, numClasses int) (*Evaluation, error) {
	model.Eval()
	data.Reset()

	ev := &Evaluation{
		Total:     data.NumSamples(),
		Confusion: NewConfusionMatrix(numClasses),
	}

	var lossSum float64
	for {
		batch, err := data.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to load evaluation batch %d: %w", ev.Batches, err)
		}
		if batch == nil {
			break
		}

		out, err := model.Forward(batch.Inputs, batch.Labels)
		if err != nil {
			return nil, fmt.Errorf("evaluation forward pass failed on batch %d: %w", ev.Batches, err)
		}

		lossSum += out.Loss
		ev.Correct += out.Correct(batch.Labels)
		if err := ev.Confusion.Update(out.Predictions(), batch.Labels); err != nil {
			return nil, err
		}
		ev.Batches++
	}

	if ev.Batches > 0 {
		ev.Loss = lossSum / float64(ev.Batches)
	}
	if ev.Total > 0 {
		ev.Accuracy = 100 * float64(ev.Correct) / float64(ev.Total)
	}
	return ev, nil
}

// String formats the evaluation as a test-set log line
func (ev *Evaluation) String() string {
	return fmt.Sprintf("\tTest set: Average loss: %.4f, Accuracy: %d/%d (%.0f%%)",
		ev.Loss, ev.Correct, ev.Total, ev.Accuracy)
}
