// Package safetensors parses the SafeTensors checkpoint format.
//
// The format (https://huggingface.co/docs/safetensors/) is a flat layout:
// an 8-byte little-endian header length, a JSON header mapping tensor names
// to dtype/shape/offsets, then the raw little-endian tensor bytes. Parsing
// only decodes the header; tensor bytes are sliced out of the buffer on
// demand.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// File is a parsed safetensors checkpoint.
type File struct {
	// Metadata holds the optional "__metadata__" header entry
	// (e.g. {"format": "pt"}).
	Metadata map[string]string

	// Tensors maps tensor names to their header entries.
	Tensors map[string]*TensorInfo

	// data is the raw tensor buffer following the header.
	data []byte
}

// TensorInfo describes one tensor in the file.
type TensorInfo struct {
	Name  string
	DType dtypes.DType
	Shape shapes.Shape

	offset uint64
	length uint64
}

type headerEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// dtypeNames maps safetensors dtype strings to GoMLX dtypes.
var dtypeNames = map[string]dtypes.DType{
	"F64":  dtypes.Float64,
	"F32":  dtypes.Float32,
	"F16":  dtypes.Float16,
	"BF16": dtypes.BFloat16,
	"I64":  dtypes.Int64,
	"I32":  dtypes.Int32,
	"I16":  dtypes.Int16,
	"I8":   dtypes.Int8,
	"U64":  dtypes.Uint64,
	"U32":  dtypes.Uint32,
	"U16":  dtypes.Uint16,
	"U8":   dtypes.Uint8,
	"BOOL": dtypes.Bool,
}

// Open reads and parses a safetensors file from disk.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read safetensors file %q", path)
	}
	return Parse(data)
}

// Parse parses safetensors content from a byte buffer. The returned File
// keeps a reference to the buffer; do not mutate it afterwards.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, errors.New("safetensors: content too small, missing header size")
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, errors.Errorf("safetensors: header size %d exceeds content size %d",
			headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, errors.Wrap(err, "safetensors: failed to parse JSON header")
	}

	f := &File{
		Metadata: make(map[string]string),
		Tensors:  make(map[string]*TensorInfo),
		data:     data[8+headerSize:],
	}
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			if err := json.Unmarshal(raw, &f.Metadata); err != nil {
				return nil, errors.Wrap(err, "safetensors: failed to parse __metadata__")
			}
			continue
		}

		var entry headerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, errors.Wrapf(err, "safetensors: failed to parse tensor %q", name)
		}
		dtype, ok := dtypeNames[entry.DType]
		if !ok {
			return nil, errors.Errorf("safetensors: tensor %q has unknown dtype %q", name, entry.DType)
		}
		if entry.DataOffsets[1] < entry.DataOffsets[0] {
			return nil, errors.Errorf("safetensors: tensor %q has inverted data offsets %v",
				name, entry.DataOffsets)
		}
		f.Tensors[name] = &TensorInfo{
			Name:   name,
			DType:  dtype,
			Shape:  shapes.Make(dtype, entry.Shape...),
			offset: uint64(entry.DataOffsets[0]),
			length: uint64(entry.DataOffsets[1] - entry.DataOffsets[0]),
		}
	}
	return f, nil
}

// Names returns all tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the header entry of a tensor by name.
func (f *File) Get(name string) (*TensorInfo, bool) {
	info, ok := f.Tensors[name]
	return info, ok
}

// Data returns the raw bytes of a tensor. The slice aliases the parsed
// buffer; treat it as read-only.
func (f *File) Data(name string) ([]byte, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, errors.Errorf("safetensors: tensor %q not found", name)
	}
	end := info.offset + info.length
	if end > uint64(len(f.data)) {
		return nil, errors.Errorf("safetensors: tensor %q data out of bounds", name)
	}
	return f.data[info.offset:end], nil
}

// ToTensor copies a tensor out of the file as a GoMLX tensor.
func (f *File) ToTensor(name string) (*tensors.Tensor, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, errors.Errorf("safetensors: tensor %q not found", name)
	}
	data, err := f.Data(name)
	if err != nil {
		return nil, err
	}

	t := tensors.FromShape(info.Shape)
	var copyErr error
	accessErr := t.MutableBytes(func(tensorBytes []byte) {
		if len(data) != len(tensorBytes) {
			copyErr = errors.Errorf("safetensors: tensor %q data size mismatch: got %d bytes, expected %d",
				name, len(data), len(tensorBytes))
			return
		}
		copy(tensorBytes, data)
	})
	if accessErr != nil {
		return nil, accessErr
	}
	if copyErr != nil {
		return nil, copyErr
	}
	return t, nil
}

// String returns a one-line summary of the file contents.
func (f *File) String() string {
	return fmt.Sprintf("SafeTensors{tensors: %d, metadata: %v}", len(f.Tensors), f.Metadata)
}

// Summary returns a per-tensor listing of the file contents.
func (f *File) Summary() string {
	var s string
	s += fmt.Sprintf("SafeTensors file with %d tensors:\n", len(f.Tensors))
	if len(f.Metadata) > 0 {
		s += fmt.Sprintf("  Metadata: %v\n", f.Metadata)
	}
	for _, name := range f.Names() {
		s += fmt.Sprintf("  %s: %s\n", name, f.Tensors[name].Shape)
	}
	return s
}
