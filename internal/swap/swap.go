// Package swap reads and writes tensor swap files: headerless, contiguous,
// little-endian element arrays, one tensor per file.
package swap

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-stepper/internal/metrics"
	"github.com/23skdu/longbow-stepper/internal/precision"
)

// File names inside a swap directory.
const (
	ParamFile    = "param.tensor.swp"
	GradFile     = "grad.tensor.swp"
	ExpAvgFile   = "exp_avg.tensor.swp"
	ExpAvgSqFile = "exp_avg_sq.tensor.swp"
)

func readExact(path string, n, elemSize int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read swap file: %w", err)
	}
	if len(raw) != n*elemSize {
		return nil, fmt.Errorf("swap file %s holds %d bytes, want %d (%d elements of %d bytes)", path, len(raw), n*elemSize, n, elemSize)
	}
	metrics.RecordSwapIO("read", int64(len(raw)))
	return raw, nil
}

func write(path string, raw []byte) error {
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write swap file: %w", err)
	}
	metrics.RecordSwapIO("write", int64(len(raw)))
	return nil
}

// ReadFloat32 reads exactly n float32 values from path.
func ReadFloat32(path string, n int) ([]float32, error) {
	raw, err := readExact(path, n, 4)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// WriteFloat32 replaces path with data.
func WriteFloat32(path string, data []float32) error {
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return write(path, raw)
}

// ReadFloat16 reads exactly n half precision values from path.
func ReadFloat16(path string, n int) ([]float16.Float16, error) {
	raw, err := readExact(path, n, 2)
	if err != nil {
		return nil, err
	}
	out := make([]float16.Float16, n)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out, nil
}

// WriteFloat16 replaces path with data.
func WriteFloat16(path string, data []float16.Float16) error {
	raw := make([]byte, len(data)*2)
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[i*2:], v.Bits())
	}
	return write(path, raw)
}

// ReadBuffer reads n elements of the given kind.
func ReadBuffer(path string, kind precision.Kind, n int) (precision.Buffer, error) {
	switch kind {
	case precision.Full:
		data, err := ReadFloat32(path, n)
		if err != nil {
			return precision.Buffer{}, err
		}
		return precision.FromFloat32(data), nil
	case precision.Half:
		data, err := ReadFloat16(path, n)
		if err != nil {
			return precision.Buffer{}, err
		}
		return precision.FromFloat16(data), nil
	default:
		return precision.Buffer{}, fmt.Errorf("read %s: unsupported kind %s", path, kind)
	}
}

// WriteBuffer writes b in its own storage kind.
func WriteBuffer(path string, b precision.Buffer) error {
	if data, ok := b.Float32(); ok {
		return WriteFloat32(path, data)
	}
	if data, ok := b.Float16(); ok {
		return WriteFloat16(path, data)
	}
	return fmt.Errorf("write %s: unsupported kind %s", path, b.Kind())
}

// Tensors is the state a step needs: parameters, gradients and one accumulator.
type Tensors struct {
	Params precision.Buffer
	Grads  precision.Buffer
	Accum  []float32
}

// Dir is a directory of swap files for one optimizer instance. AccumFile
// names the accumulator: ExpAvgSqFile for Adagrad variance, ExpAvgFile for
// momentum.
type Dir struct {
	Path      string
	AccumFile string
}

func (d Dir) file(name string) string { return filepath.Join(d.Path, name) }

// Load reads n elements of every tensor.
func (d Dir) Load(n int, paramKind, gradKind precision.Kind) (Tensors, error) {
	var t Tensors
	var err error
	if t.Params, err = ReadBuffer(d.file(ParamFile), paramKind, n); err != nil {
		return Tensors{}, err
	}
	if t.Grads, err = ReadBuffer(d.file(GradFile), gradKind, n); err != nil {
		return Tensors{}, err
	}
	if t.Accum, err = ReadFloat32(d.file(d.AccumFile), n); err != nil {
		return Tensors{}, err
	}
	return t, nil
}

// Save writes every tensor, creating the directory if needed.
func (d Dir) Save(t Tensors) error {
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return fmt.Errorf("create swap dir: %w", err)
	}
	if err := WriteBuffer(d.file(ParamFile), t.Params); err != nil {
		return err
	}
	if err := WriteBuffer(d.file(GradFile), t.Grads); err != nil {
		return err
	}
	return WriteFloat32(d.file(d.AccumFile), t.Accum)
}

// Exists reports whether the parameter file is present.
func (d Dir) Exists() bool {
	_, err := os.Stat(d.file(ParamFile))
	return err == nil
}
