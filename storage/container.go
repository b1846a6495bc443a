package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Tensor is a three-dimensional parameter field with the layout
// [elements, parameters, points]. Labels name the slices along the parameter
// axis, mirroring the dimension labels embedded in the container file.
type Tensor struct {
	Labels []string
	Shape  [3]int
	Data   []float64
}

// NewTensor allocates a zero-filled tensor.
func NewTensor(labels []string, shape [3]int) *Tensor {
	return &Tensor{
		Labels: labels,
		Shape:  shape,
		Data:   make([]float64, shape[0]*shape[1]*shape[2]),
	}
}

// At returns the value at element i, parameter p, point k.
func (t *Tensor) At(i, p, k int) float64 {
	return t.Data[(i*t.Shape[1]+p)*t.Shape[2]+k]
}

// Set writes the value at element i, parameter p, point k.
func (t *Tensor) Set(i, p, k int, v float64) {
	t.Data[(i*t.Shape[1]+p)*t.Shape[2]+k] = v
}

// SameShape reports whether two tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.Shape == o.Shape
}

// Container file format: a little-endian binary layout with the parameter
// labels embedded in the header, standing in for the scientific container the
// external tooling writes.
//
//	magic "IVMC" | version u32 | labels length u32 | labels ("|" joined)
//	shape 3 x u64 | data shape[0]*shape[1]*shape[2] x f64

var containerMagic = [4]byte{'I', 'V', 'M', 'C'}

const containerVersion = 1

func readContainer(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeContainer(f, path)
}

func decodeContainer(r io.Reader, path string) (*Tensor, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("storage: reading header of %s: %w", path, err)
	}
	if magic != containerMagic {
		return nil, fmt.Errorf("storage: %s is not a model container", path)
	}
	var version, labelsLen uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("storage: reading version of %s: %w", path, err)
	}
	if version != containerVersion {
		return nil, fmt.Errorf("storage: %s has unsupported version %d", path, version)
	}
	if err := binary.Read(r, binary.LittleEndian, &labelsLen); err != nil {
		return nil, fmt.Errorf("storage: reading labels of %s: %w", path, err)
	}
	rawLabels := make([]byte, labelsLen)
	if _, err := io.ReadFull(r, rawLabels); err != nil {
		return nil, fmt.Errorf("storage: reading labels of %s: %w", path, err)
	}
	labels := strings.Split(string(rawLabels), "|")

	var shape [3]uint64
	if err := binary.Read(r, binary.LittleEndian, &shape); err != nil {
		return nil, fmt.Errorf("storage: reading shape of %s: %w", path, err)
	}
	if int(shape[1]) != len(labels) {
		return nil, fmt.Errorf("storage: %s labels do not match parameter axis", path)
	}

	t := NewTensor(labels, [3]int{int(shape[0]), int(shape[1]), int(shape[2])})
	buf := make([]byte, 8)
	for i := range t.Data {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("storage: reading data of %s: %w", path, err)
		}
		t.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
	}
	return t, nil
}

// writeContainer persists t atomically via a temp file and rename.
func writeContainer(path string, t *Tensor) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := encodeContainer(f, t); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("storage: writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: writing %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func encodeContainer(w io.Writer, t *Tensor) error {
	if _, err := w.Write(containerMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(containerVersion)); err != nil {
		return err
	}
	labels := strings.Join(t.Labels, "|")
	if err := binary.Write(w, binary.LittleEndian, uint32(len(labels))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, labels); err != nil {
		return err
	}
	shape := [3]uint64{uint64(t.Shape[0]), uint64(t.Shape[1]), uint64(t.Shape[2])}
	if err := binary.Write(w, binary.LittleEndian, shape); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for _, v := range t.Data {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
