package checkpoints

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/tsawler/go-mnist/engine"
)

// ParameterSource is anything exposing named parameter tensors
type ParameterSource interface {
	Parameters() []*engine.Parameter
}

// Manager writes "latest" and "best" snapshots of a model
type Manager struct {
	saver *CheckpointSaver
	logf  func(format string, args ...interface{})
}

// NewManager creates a manager that writes the given format. logf receives
// the messages of verbose operations and may be nil.
func NewManager(format CheckpointFormat, logf func(format string, args ...interface{})) *Manager {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Manager{
		saver: NewCheckpointSaver(format),
		logf:  logf,
	}
}

// Snapshot serializes the current parameters to path, overwriting any
// existing file
func (m *Manager) Snapshot(src ParameterSource, path string, state TrainingState) error {
	ckpt := FromParameters(src.Parameters(), state)
	ckpt.Metadata.Description = fmt.Sprintf("epoch %d", state.Epoch)
	if err := m.saver.SaveCheckpoint(ckpt, path); err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", path, err)
	}
	return nil
}

// SnapshotAndRetire writes a snapshot to newPath and only then removes
// oldPath, if it is set, differs from newPath and exists. A failed write
// leaves oldPath untouched.
func (m *Manager) SnapshotAndRetire(src ParameterSource, newPath, oldPath string, state TrainingState, verbose bool) error {
	if err := m.Snapshot(src, newPath, state); err != nil {
		return err
	}
	if verbose {
		m.logf("Saving model to %s", newPath)
	}

	if oldPath == "" || oldPath == newPath {
		return nil
	}
	if err := os.Remove(oldPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to remove old checkpoint %s: %w", oldPath, err)
	}
	if verbose {
		m.logf("Removing old model %s", oldPath)
	}
	return nil
}

// Load reads a checkpoint written in the manager's format
func (m *Manager) Load(path string) (*Checkpoint, error) {
	return m.saver.LoadCheckpoint(path)
}
