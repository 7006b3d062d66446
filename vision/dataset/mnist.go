package dataset

import (
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Normalization constants of the MNIST training set
const (
	MNISTMean = 0.1307
	MNISTStd  = 0.3081

	MNISTClasses = 10
)

const (
	idxImagesMagic = 0x00000803
	idxLabelsMagic = 0x00000801
)

type mnistFile struct {
	name   string
	sha256 string // digest of the gzipped file
}

var (
	trainImages = mnistFile{"train-images-idx3-ubyte", "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609"}
	trainLabels = mnistFile{"train-labels-idx1-ubyte", "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c"}
	testImages  = mnistFile{"t10k-images-idx3-ubyte", "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6"}
	testLabels  = mnistFile{"t10k-labels-idx1-ubyte", "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6"}
)

// MNISTOptions controls how the IDX files are located and decoded
type MNISTOptions struct {
	// VerifyChecksum checks gzipped files against the published sha256 digests
	VerifyChecksum bool
	// Normalize maps pixels to (x/255 - MNISTMean) / MNISTStd instead of x/255
	Normalize bool
}

// DefaultMNISTOptions verifies checksums and normalizes pixels
func DefaultMNISTOptions() MNISTOptions {
	return MNISTOptions{VerifyChecksum: true, Normalize: true}
}

// MNISTDataset is an in-memory split of MNIST with flattened 28x28 images
type MNISTDataset struct {
	images []float64
	labels []int
	rows   int
	cols   int
	train  bool
}

// LoadMNIST loads the training or test split from root with the default options
func LoadMNIST(root string, train bool) (*MNISTDataset, error) {
	return LoadMNISTWithOptions(root, train, DefaultMNISTOptions())
}

// LoadMNISTWithOptions loads a split from root. Files are looked up in root,
// root/MNIST/raw and root/mnist, either gzipped (".gz") or raw.
func LoadMNISTWithOptions(root string, train bool, opts MNISTOptions) (*MNISTDataset, error) {
	imgFile, lblFile := testImages, testLabels
	if train {
		imgFile, lblFile = trainImages, trainLabels
	}

	var (
		count, rows, cols int
		pixels            []byte
	)
	err := readMNISTFile(root, imgFile, opts.VerifyChecksum, func(r io.Reader) error {
		var err error
		count, rows, cols, pixels, err = ReadIDXImages(r)
		return err
	})
	if err != nil {
		return nil, err
	}

	var rawLabels []byte
	err = readMNISTFile(root, lblFile, opts.VerifyChecksum, func(r io.Reader) error {
		var err error
		rawLabels, err = ReadIDXLabels(r)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(rawLabels) != count {
		return nil, fmt.Errorf("image/label count mismatch: %d images, %d labels", count, len(rawLabels))
	}

	ds := &MNISTDataset{
		images: make([]float64, len(pixels)),
		labels: make([]int, count),
		rows:   rows,
		cols:   cols,
		train:  train,
	}
	for i, px := range pixels {
		v := float64(px) / 255
		if opts.Normalize {
			v = (v - MNISTMean) / MNISTStd
		}
		ds.images[i] = v
	}
	for i, l := range rawLabels {
		if int(l) >= MNISTClasses {
			return nil, fmt.Errorf("label %d at index %d out of range", l, i)
		}
		ds.labels[i] = int(l)
	}

	return ds, nil
}

// Len returns the number of samples
func (d *MNISTDataset) Len() int {
	return len(d.labels)
}

// Features returns the flattened image size
func (d *MNISTDataset) Features() int {
	return d.rows * d.cols
}

// Get returns the flattened image and label at idx. The slice aliases the
// dataset and must not be modified.
func (d *MNISTDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= len(d.labels) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.labels))
	}
	n := d.Features()
	return d.images[idx*n : (idx+1)*n], d.labels[idx], nil
}

// ClassDistribution returns the number of samples per label
func (d *MNISTDataset) ClassDistribution() map[int]int {
	dist := make(map[int]int)
	for _, l := range d.labels {
		dist[l]++
	}
	return dist
}

// Summary returns a summary of the dataset
func (d *MNISTDataset) Summary() string {
	split := "test"
	if d.train {
		split = "train"
	}
	return fmt.Sprintf("MNIST %s split: %d images of %dx%d", split, d.Len(), d.rows, d.cols)
}

func findMNISTFile(root string, f mnistFile) (string, bool, error) {
	dirs := []string{
		root,
		filepath.Join(root, "MNIST", "raw"),
		filepath.Join(root, "mnist"),
		filepath.Join(root, "mnist-data", "MNIST", "raw"),
		filepath.Join(root, "mnist-data", "raw"),
	}
	for _, dir := range dirs {
		gz := filepath.Join(dir, f.name+".gz")
		if _, err := os.Stat(gz); err == nil {
			return gz, true, nil
		}
		raw := filepath.Join(dir, f.name)
		if _, err := os.Stat(raw); err == nil {
			return raw, false, nil
		}
	}
	return "", false, fmt.Errorf("%s not found under %s", f.name, root)
}

func readMNISTFile(root string, f mnistFile, verify bool, decode func(io.Reader) error) error {
	path, gzipped, err := findMNISTFile(root, f)
	if err != nil {
		return err
	}

	if gzipped && verify {
		if err := verifySHA256(path, f.sha256); err != nil {
			return err
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	if gzipped {
		gzr, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("failed to read gzip header of %s: %w", path, err)
		}
		defer gzr.Close()
		r = gzr
	}

	if err := decode(r); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func verifySHA256(path, expected string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != expected {
		return fmt.Errorf("checksum mismatch for %s: got %s", path, got)
	}
	return nil
}

// ReadIDXImages decodes an IDX3 image file
func ReadIDXImages(r io.Reader) (count, rows, cols int, pixels []byte, err error) {
	var header [4]uint32
	if err = binary.Read(r, binary.BigEndian, &header); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("failed to read image header: %w", err)
	}
	if header[0] != idxImagesMagic {
		return 0, 0, 0, nil, fmt.Errorf("bad image magic 0x%08x", header[0])
	}

	count, rows, cols = int(header[1]), int(header[2]), int(header[3])
	pixels = make([]byte, count*rows*cols)
	if _, err = io.ReadFull(r, pixels); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("failed to read %d images: %w", count, err)
	}
	return count, rows, cols, pixels, nil
}

// ReadIDXLabels decodes an IDX1 label file
func ReadIDXLabels(r io.Reader) ([]byte, error) {
	var header [2]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read label header: %w", err)
	}
	if header[0] != idxLabelsMagic {
		return nil, fmt.Errorf("bad label magic 0x%08x", header[0])
	}

	labels := make([]byte, header[1])
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, fmt.Errorf("failed to read %d labels: %w", header[1], err)
	}
	return labels, nil
}
