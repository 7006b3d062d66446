package training

import "time"

// State tracks the progress of a run
type State struct {
	Epoch        int
	LearningRate float64
	BestAccuracy float64 // Percent; 0 until the first evaluation
	BestPath     string  // Current best checkpoint, empty if none
}

// Result is what a run produced. Err is set when the run stopped early; State
// then holds the progress reached before the failure.
type Result struct {
	State       State
	Steps       int // Optimizer steps taken
	Evaluations int
	Elapsed     time.Duration
	Err         error
}

// Failed reports whether the run stopped early
func (r Result) Failed() bool {
	return r.Err != nil
}
