package training

import (
	"fmt"
	"strconv"
	"strings"
)

// Config holds every parameter of a training run. It is built once at
// startup and only read afterwards.
type Config struct {
	BatchSize    int
	Epochs       int
	LearningRate float64
	WeightDecay  float64
	Momentum     float64

	DecreasingLR  []int   // Epochs at which the learning rate is decayed
	LRDecayFactor float64 // Multiplier applied at each decay epoch

	LogInterval  int // Batches between training log lines
	TestInterval int // Epochs between evaluations

	Seed       int64
	GPU        string // Comma separated device indices; empty selects automatically
	NGPU       int
	NumWorkers int
	Prefetch   int // Training batches assembled ahead of the loop; 0 disables

	LogDir         string
	DataRoot       string
	RunDir         string // Event file directory
	ExperimentFile string

	// Factor scales strictly negative gradient components before each step
	Factor float64

	InputDims int
	Hidden    []int
	Classes   int
	Dropout   float64
}

// DefaultConfig returns the configuration of the reference MNIST run
func DefaultConfig() Config {
	return Config{
		BatchSize:      200,
		Epochs:         40,
		LearningRate:   0.01,
		WeightDecay:    1e-4,
		Momentum:       0.9,
		DecreasingLR:   []int{80, 120},
		LRDecayFactor:  0.1,
		LogInterval:    100,
		TestInterval:   5,
		Seed:           117,
		NGPU:           1,
		NumWorkers:     1,
		Prefetch:       2,
		LogDir:         "log/default",
		DataRoot:       "/tmp/public_dataset/pytorch/",
		RunDir:         RunDirForFactor(1),
		ExperimentFile: "experiments.txt",
		Factor:         1,
		InputDims:      784,
		Hidden:         []int{256, 256},
		Classes:        10,
		Dropout:        0.2,
	}
}

// Validate checks the values the training loop depends on
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs < 0 {
		return fmt.Errorf("epochs cannot be negative, got %d", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.LogInterval <= 0 {
		return fmt.Errorf("log interval must be positive, got %d", c.LogInterval)
	}
	if c.TestInterval <= 0 {
		return fmt.Errorf("test interval must be positive, got %d", c.TestInterval)
	}
	if c.LRDecayFactor <= 0 {
		return fmt.Errorf("learning rate decay factor must be positive, got %g", c.LRDecayFactor)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("prefetch depth cannot be negative, got %d", c.Prefetch)
	}
	if c.LogDir == "" {
		return fmt.Errorf("log directory cannot be empty")
	}
	for _, m := range c.DecreasingLR {
		if m < 0 {
			return fmt.Errorf("decay milestone cannot be negative, got %d", m)
		}
	}
	return nil
}

// ParseMilestones parses a comma separated list of epoch indices such as
// "80,120"
func ParseMilestones(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	milestones := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid decay milestone %q: %w", part, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("decay milestone cannot be negative, got %d", v)
		}
		milestones = append(milestones, v)
	}
	return milestones, nil
}

// FormatFactor renders a gradient factor the way it appears in experiment
// headers: 1, 2.5, 0.25
func FormatFactor(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// RunDirForFactor returns the event directory of a run with the given
// gradient factor, e.g. runs/exp_factor1p0
func RunDirForFactor(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return "runs/exp_factor" + strings.ReplaceAll(s, ".", "p")
}
