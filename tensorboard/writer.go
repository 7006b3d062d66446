// Package tensorboard writes scalar summaries in the TensorBoard event file
// format so training curves can be inspected with a stock TensorBoard.
package tensorboard

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const filePrefix = "events.out.tfevents."

// EventWriter appends scalar events to a single event file
type EventWriter struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	path   string
	closed bool
	now    func() time.Time
}

// NewEventWriter creates dir if needed and opens a new event file in it
func NewEventWriter(dir string) (*EventWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event directory %s: %w", dir, err)
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}

	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("%s%d.%s", filePrefix, now.Unix(), host))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}

	w := &EventWriter{
		file: file,
		buf:  bufio.NewWriter(file),
		path: path,
		now:  time.Now,
	}

	if err := w.write(&Event{WallTime: wallTime(now), FileVersion: fileVersion}); err != nil {
		file.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the event file path
func (w *EventWriter) Path() string {
	return w.path
}

// AddScalar appends a scalar value for tag at step
func (w *EventWriter) AddScalar(tag string, value float64, step int64) error {
	if tag == "" {
		return fmt.Errorf("scalar tag cannot be empty")
	}
	return w.write(&Event{
		WallTime: wallTime(w.now()),
		Step:     step,
		Values:   []Scalar{{Tag: tag, Value: float32(value)}},
	})
}

func (w *EventWriter) write(e *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("event writer is closed")
	}
	if err := writeRecord(w.buf, e.marshal()); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Flush writes buffered events to disk
func (w *EventWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush events: %w", err)
	}
	return w.file.Sync()
}

// Close flushes and closes the event file. Further calls are no-ops.
func (w *EventWriter) Close() error {
	if err := w.Flush(); err != nil {
		w.mu.Lock()
		w.closed = true
		w.file.Close()
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

func wallTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ReadEvents decodes every event of an event file
func ReadEvents(path string) ([]*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var events []*Event
	for {
		data, err := readRecord(r)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		e, err := unmarshalEvent(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		events = append(events, e)
	}
}

// ReadScalars returns every scalar of the event files in dir, grouped by tag
// in file order
func ReadScalars(dir string) (map[string][]ScalarPoint, error) {
	paths, err := EventFiles(dir)
	if err != nil {
		return nil, err
	}

	scalars := make(map[string][]ScalarPoint)
	for _, path := range paths {
		events, err := ReadEvents(path)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			for _, v := range e.Values {
				scalars[v.Tag] = append(scalars[v.Tag], ScalarPoint{Step: e.Step, Value: v.Value})
			}
		}
	}
	return scalars, nil
}

// EventFiles lists the event files in dir, oldest first
func EventFiles(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}
