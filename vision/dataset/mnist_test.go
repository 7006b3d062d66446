package dataset

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeIDX writes a tiny split of n 2x2 images whose pixels all equal the label
func writeIDX(t *testing.T, dir, imgName, lblName string, labels []byte, gz bool) {
	t.Helper()

	var img bytes.Buffer
	binary.Write(&img, binary.BigEndian, []uint32{idxImagesMagic, uint32(len(labels)), 2, 2})
	for _, l := range labels {
		img.Write([]byte{l, l, l, l})
	}

	var lbl bytes.Buffer
	binary.Write(&lbl, binary.BigEndian, []uint32{idxLabelsMagic, uint32(len(labels))})
	lbl.Write(labels)

	write := func(name string, data []byte) {
		path := filepath.Join(dir, name)
		if gz {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			w.Write(data)
			w.Close()
			data = buf.Bytes()
			path += ".gz"
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}
	write(imgName, img.Bytes())
	write(lblName, lbl.Bytes())
}

func TestLoadMNISTRaw(t *testing.T) {
	root := t.TempDir()
	writeIDX(t, root, "t10k-images-idx3-ubyte", "t10k-labels-idx1-ubyte", []byte{3, 7, 3}, false)

	ds, err := LoadMNISTWithOptions(root, false, MNISTOptions{})
	if err != nil {
		t.Fatalf("LoadMNIST failed: %v", err)
	}

	if ds.Len() != 3 {
		t.Fatalf("Expected 3 samples, got %d", ds.Len())
	}
	if ds.Features() != 4 {
		t.Errorf("Expected 4 features, got %d", ds.Features())
	}

	input, label, err := ds.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if label != 7 {
		t.Errorf("Expected label 7, got %d", label)
	}
	if math.Abs(input[0]-7.0/255) > 1e-12 {
		t.Errorf("Expected pixel %f, got %f", 7.0/255, input[0])
	}

	dist := ds.ClassDistribution()
	if dist[3] != 2 || dist[7] != 1 {
		t.Errorf("Unexpected class distribution %v", dist)
	}
	if !strings.Contains(ds.Summary(), "test split") {
		t.Errorf("Unexpected summary %q", ds.Summary())
	}

	if _, _, err := ds.Get(3); err == nil {
		t.Error("Expected out of range error")
	}
}

func TestLoadMNISTTorchvisionLayoutGzip(t *testing.T) {
	root := t.TempDir()
	raw := filepath.Join(root, "MNIST", "raw")
	if err := os.MkdirAll(raw, 0755); err != nil {
		t.Fatal(err)
	}
	writeIDX(t, raw, "train-images-idx3-ubyte", "train-labels-idx1-ubyte", []byte{0, 1}, true)

	ds, err := LoadMNISTWithOptions(root, true, MNISTOptions{Normalize: true})
	if err != nil {
		t.Fatalf("LoadMNIST failed: %v", err)
	}

	input, _, _ := ds.Get(0)
	expected := (0 - MNISTMean) / MNISTStd
	if math.Abs(input[0]-expected) > 1e-12 {
		t.Errorf("Expected normalized pixel %f, got %f", expected, input[0])
	}
}

func TestLoadMNISTSharedDataRoot(t *testing.T) {
	root := t.TempDir()
	raw := filepath.Join(root, "mnist-data", "MNIST", "raw")
	if err := os.MkdirAll(raw, 0755); err != nil {
		t.Fatal(err)
	}
	writeIDX(t, raw, "t10k-images-idx3-ubyte", "t10k-labels-idx1-ubyte", []byte{4, 2}, false)

	ds, err := LoadMNISTWithOptions(root, false, MNISTOptions{})
	if err != nil {
		t.Fatalf("LoadMNIST failed: %v", err)
	}
	if _, label, _ := ds.Get(1); ds.Len() != 2 || label != 2 {
		t.Errorf("Unexpected split: %d samples, second label %d", ds.Len(), label)
	}
}

func TestLoadMNISTChecksumMismatch(t *testing.T) {
	root := t.TempDir()
	writeIDX(t, root, "train-images-idx3-ubyte", "train-labels-idx1-ubyte", []byte{0, 1}, true)

	_, err := LoadMNIST(root, true)
	if err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Errorf("Expected checksum error, got %v", err)
	}
}

func TestLoadMNISTMissingFiles(t *testing.T) {
	if _, err := LoadMNIST(t.TempDir(), true); err == nil {
		t.Error("Expected error for missing files")
	}
}

func TestReadIDXBadMagic(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, []uint32{0xdeadbeef, 0, 0, 0})
	if _, _, _, _, err := ReadIDXImages(&buf); err == nil {
		t.Error("Expected bad magic error for images")
	}

	buf.Reset()
	binary.Write(&buf, binary.BigEndian, []uint32{idxImagesMagic, 1})
	if _, err := ReadIDXLabels(&buf); err == nil {
		t.Error("Expected bad magic error for labels")
	}
}

func TestTensorDataset(t *testing.T) {
	ds, err := NewTensorDataset(2, []float64{1, 2, 3, 4}, []int{0, 1})
	if err != nil {
		t.Fatalf("NewTensorDataset failed: %v", err)
	}
	input, label, err := ds.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if input[0] != 3 || input[1] != 4 || label != 1 {
		t.Errorf("Unexpected sample %v/%d", input, label)
	}

	if _, err := NewTensorDataset(2, []float64{1}, []int{0}); err == nil {
		t.Error("Expected size mismatch error")
	}
	if _, err := NewTensorDataset(0, nil, nil); err == nil {
		t.Error("Expected error for zero features")
	}
}
