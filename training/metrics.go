package training

import (
	"fmt"
	"strings"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	MacroPrecision MetricType = iota
	MacroRecall
	MacroF1
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per (true class, predicted class)
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds a batch of predicted and true classes
func (cm *ConfusionMatrix) Update(predictions, labels []int) error {
	if len(predictions) != len(labels) {
		return fmt.Errorf("predictions length mismatch: %d predictions, %d labels", len(predictions), len(labels))
	}

	for i, pred := range predictions {
		trueClass := labels[i]
		if trueClass < 0 || trueClass >= cm.NumClasses || pred < 0 || pred >= cm.NumClasses {
			return fmt.Errorf("class out of range at row %d: true %d, predicted %d", i, trueClass, pred)
		}
		cm.Matrix[trueClass][pred]++
		cm.TotalSamples++
	}
	return nil
}

// GetAccuracy returns overall classification accuracy in [0, 1]
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}

	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}

	return float64(correct) / float64(cm.TotalSamples)
}

// ClassAccuracy returns the fraction of samples of class that were predicted
// correctly, and false if the class never occurred
func (cm *ConfusionMatrix) ClassAccuracy(class int) (float64, bool) {
	total := 0
	for _, n := range cm.Matrix[class] {
		total += n
	}
	if total == 0 {
		return 0, false
	}
	return float64(cm.Matrix[class][class]) / float64(total), true
}

// GetMetric calculates an aggregate metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case MacroPrecision:
		return cm.macroPrecision()
	case MacroRecall:
		return cm.macroRecall()
	case MacroF1:
		precision := cm.macroPrecision()
		recall := cm.macroRecall()
		if precision+recall == 0 {
			return 0.0
		}
		return 2 * (precision * recall) / (precision + recall)
	case MicroF1:
		// Every sample is exactly one TP or one FP/FN pair, so micro
		// precision, recall and F1 all equal accuracy
		return cm.GetAccuracy()
	default:
		return 0.0
	}
}

func (cm *ConfusionMatrix) macroPrecision() float64 {
	sum := 0.0
	validClasses := 0

	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fp := 0.0
		for otherClass := 0; otherClass < cm.NumClasses; otherClass++ {
			if otherClass != class {
				fp += float64(cm.Matrix[otherClass][class])
			}
		}

		if tp+fp > 0 {
			sum += tp / (tp + fp)
			validClasses++
		}
	}

	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) macroRecall() float64 {
	sum := 0.0
	validClasses := 0

	for class := 0; class < cm.NumClasses; class++ {
		if acc, ok := cm.ClassAccuracy(class); ok {
			sum += acc
			validClasses++
		}
	}

	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

// Summary renders the per-class accuracy on one line
func (cm *ConfusionMatrix) Summary() string {
	var sb strings.Builder
	sb.WriteString("Per-class accuracy:")
	for class := 0; class < cm.NumClasses; class++ {
		if acc, ok := cm.ClassAccuracy(class); ok {
			fmt.Fprintf(&sb, " %d=%.2f%%", class, acc*100)
		} else {
			fmt.Fprintf(&sb, " %d=n/a", class)
		}
	}
	fmt.Fprintf(&sb, " | macro F1 %.4f", cm.GetMetric(MacroF1))
	return sb.String()
}
