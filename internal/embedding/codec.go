package embedding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-voice/internal/model"
)

// maxRank bounds the header so a corrupt file cannot ask for huge buffers.
const maxRank = 8

var errCorrupt = errors.New("corrupt embedding cache file")

// Encoded layout, little endian: rank uint32, rank dims as uint32, then the
// values as float32 bits. The file carries no model version.
func marshal(e model.Embedding) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(4 + 4*len(e.Shape) + 4*len(e.Values))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(e.Shape)))
	for _, d := range e.Shape {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(d))
	}
	for _, v := range e.Values {
		_ = binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte) (model.Embedding, error) {
	r := bytes.NewReader(data)
	var rank uint32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return model.Embedding{}, errCorrupt
	}
	if rank == 0 || rank > maxRank {
		return model.Embedding{}, fmt.Errorf("%w: rank %d", errCorrupt, rank)
	}
	shape := make([]int, rank)
	n := 1
	for i := range shape {
		var d uint32
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return model.Embedding{}, errCorrupt
		}
		shape[i] = int(d)
		n *= int(d)
	}
	if n <= 0 || r.Len() != 4*n {
		return model.Embedding{}, fmt.Errorf("%w: expected %d values, have %d bytes", errCorrupt, n, r.Len())
	}
	values := make([]float32, n)
	for i := range values {
		var bits uint32
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return model.Embedding{}, errCorrupt
		}
		values[i] = math.Float32frombits(bits)
	}
	e := model.Embedding{Shape: shape, Values: values}
	if err := e.Validate(); err != nil {
		return model.Embedding{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	return e, nil
}
