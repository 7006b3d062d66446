package training

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tsawler/go-mnist/tensorboard"
)

// MetricRecord is one scalar as recorded, with its fractional epoch step
type MetricRecord struct {
	Tag   string
	Value float64
	Step  float64
}

// MetricLogger writes progress lines to <logdir>/train_log and stdout, and
// scalar series to a TensorBoard event file. Lines passed to LogLine are
// kept for the experiment summary.
type MetricLogger struct {
	mu      sync.Mutex
	stdout  io.Writer
	out     *log.Logger
	logFile *os.File
	events  *tensorboard.EventWriter

	lines   []string
	records []MetricRecord

	closeOnce sync.Once
	closeErr  error
}

// NewMetricLogger creates logDir and runDir if needed and opens the text log
// and the event file. stdout receives a copy of every line; nil means
// os.Stdout.
func NewMetricLogger(logDir, runDir string, stdout io.Writer) (*MetricLogger, error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	logFile, err := os.OpenFile(filepath.Join(logDir, "train_log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open train log: %w", err)
	}

	events, err := tensorboard.NewEventWriter(runDir)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	return &MetricLogger{
		stdout:  stdout,
		out:     log.New(io.MultiWriter(stdout, logFile), "", log.LstdFlags),
		logFile: logFile,
		events:  events,
	}, nil
}

// Infof writes a line to the log without keeping it for the experiment
// summary
func (l *MetricLogger) Infof(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf(format, args...)
}

// LogLine writes a line to the log and keeps it for the experiment summary
func (l *MetricLogger) LogLine(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Print(text)
	l.lines = append(l.lines, text)
}

// RecordScalar appends value to the series tag at a fractional epoch step.
// The event file stores the integer part of the step.
func (l *MetricLogger) RecordScalar(tag string, value, step float64) error {
	l.mu.Lock()
	l.records = append(l.records, MetricRecord{Tag: tag, Value: value, Step: step})
	l.mu.Unlock()

	if err := l.events.AddScalar(tag, value, int64(math.Floor(step))); err != nil {
		return fmt.Errorf("failed to record %s: %w", tag, err)
	}
	return nil
}

// Lines returns the lines kept so far
func (l *MetricLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Records returns the scalars recorded so far
func (l *MetricLogger) Records() []MetricRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MetricRecord(nil), l.records...)
}

// EventPath returns the path of the event file
func (l *MetricLogger) EventPath() string {
	return l.events.Path()
}

// Close flushes and closes the event file and the text log. Only the first
// call does any work; later lines go to stdout only.
func (l *MetricLogger) Close() error {
	l.closeOnce.Do(func() {
		eventErr := l.events.Close()

		l.mu.Lock()
		l.out = log.New(l.stdout, "", log.LstdFlags)
		fileErr := l.logFile.Close()
		l.mu.Unlock()

		if eventErr != nil {
			l.closeErr = eventErr
		} else if fileErr != nil {
			l.closeErr = fmt.Errorf("failed to close train log: %w", fileErr)
		}
	})
	return l.closeErr
}

// AppendExperiment appends a header naming the gradient factor followed by
// every kept line to path
func (l *MetricLogger) AppendExperiment(path string, factor float64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open experiment file: %w", err)
	}

	text := "\n\nC = " + FormatFactor(factor) + " =============================== \n\n" +
		strings.Join(l.Lines(), "\n")
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("failed to write experiment file: %w", err)
	}
	return f.Close()
}
