package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-mnist/engine"
)

const (
	frameworkName    = "go-mnist"
	frameworkVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// FormatForPath picks JSON for ".json" files and the protobuf format otherwise
func FormatForPath(path string) CheckpointFormat {
	if filepath.Ext(path) == ".json" {
		return FormatJSON
	}
	return FormatProto
}

// Checkpoint is a snapshot of the model weights and the training progress
// they were taken at
type Checkpoint struct {
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor is a named parameter tensor
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// TrainingState captures the training progress at snapshot time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	LearningRate float64 `json:"learning_rate"`
	Accuracy     float64 `json:"accuracy"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Weight returns the tensor called name
func (c *Checkpoint) Weight(name string) (WeightTensor, bool) {
	for _, w := range c.Weights {
		if w.Name == name {
			return w, true
		}
	}
	return WeightTensor{}, false
}

// FromParameters copies the current parameter values into a checkpoint
func FromParameters(params []*engine.Parameter, state TrainingState) *Checkpoint {
	ckpt := &Checkpoint{TrainingState: state}
	for _, p := range params {
		ckpt.Weights = append(ckpt.Weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
		})
	}
	return ckpt
}

// Restore copies the checkpoint weights into params, matching by name
func Restore(ckpt *Checkpoint, params []*engine.Parameter) error {
	if len(ckpt.Weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(ckpt.Weights), len(params))
	}

	for _, p := range params {
		w, ok := ckpt.Weight(p.Name)
		if !ok {
			return fmt.Errorf("checkpoint has no weight %s", p.Name)
		}
		if len(w.Shape) != len(p.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: checkpoint %v vs parameter %v", p.Name, w.Shape, p.Shape)
		}
		for j, dim := range p.Shape {
			if dim != w.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: checkpoint %d vs parameter %d",
					p.Name, j, w.Shape[j], dim)
			}
		}
		if err := p.SetData(w.Data); err != nil {
			return fmt.Errorf("failed to restore %s: %w", p.Name, err)
		}
	}
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint writes the checkpoint to path, replacing any existing file.
// The data goes to a temporary file in the same directory which is renamed
// over path once complete, so a failed write leaves the old file intact.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatProto:
		data = marshalProto(checkpoint)
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	switch cs.format {
	case FormatProto:
		ckpt, err := unmarshalProto(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
		}
		return ckpt, nil
	case FormatJSON:
		var ckpt Checkpoint
		if err := json.Unmarshal(data, &ckpt); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
		}
		return &ckpt, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}
