// Package codec implements the binary encoding of stored cells.
//
// Cell encoding format (binary, little-endian):
//   - kind (1 byte)
//   - array flag (1 byte)
//   - rank (2 bytes) + one 4-byte dimension per rank
//   - element count (4 bytes)
//   - elements: float64 bits (8 bytes each), complex128 bits (16 bytes each),
//     or length-prefixed strings (2-byte length + bytes)
//
// The decoded Value is bit-identical to the encoded one.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/qdevqt3/qmeasure/internal/shape"
)

const (
	kindFloat   = 0
	kindComplex = 1
	kindText    = 2
)

// EncodeValue encodes a single cell.
func EncodeValue(v shape.Value) []byte {
	buf := make([]byte, 0, 16+v.Len()*8)

	switch v.Kind() {
	case shape.KindComplex:
		buf = append(buf, kindComplex)
	case shape.KindText:
		buf = append(buf, kindText)
	default:
		buf = append(buf, kindFloat)
	}
	if v.IsArray() {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	shp := v.Shape()
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(shp)))
	for _, d := range shp {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(d))
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(v.Len()))
	switch v.Kind() {
	case shape.KindComplex:
		for _, c := range v.Complexes() {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(real(c)))
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(imag(c)))
		}
	case shape.KindText:
		for i := 0; i < v.Len(); i++ {
			buf = appendString(buf, v.Element(i).Str())
		}
	default:
		for _, f := range v.Floats() {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
		}
	}

	return buf
}

// DecodeValue decodes a single cell.
func DecodeValue(data []byte) (shape.Value, error) {
	if len(data) < 4 {
		return shape.Value{}, fmt.Errorf("cell too short: %d bytes", len(data))
	}

	kindByte := data[0]
	isArray := data[1] == 1
	rank := int(binary.LittleEndian.Uint16(data[2:4]))
	offset := 4

	var shp []int
	if isArray {
		shp = make([]int, 0, rank)
	}
	for i := 0; i < rank; i++ {
		if offset+4 > len(data) {
			return shape.Value{}, fmt.Errorf("cell too short for dimension %d", i)
		}
		shp = append(shp, int(binary.LittleEndian.Uint32(data[offset:])))
		offset += 4
	}

	if offset+4 > len(data) {
		return shape.Value{}, fmt.Errorf("cell too short for element count")
	}
	n := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	switch kindByte {
	case kindComplex:
		vals := make([]complex128, n)
		for i := 0; i < n; i++ {
			if offset+16 > len(data) {
				return shape.Value{}, fmt.Errorf("cell too short for complex element %d", i)
			}
			re := math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
			im := math.Float64frombits(binary.LittleEndian.Uint64(data[offset+8:]))
			vals[i] = complex(re, im)
			offset += 16
		}
		return shape.Compose(shape.KindComplex, isArray, shp, nil, vals, nil)
	case kindText:
		vals := make([]string, n)
		for i := 0; i < n; i++ {
			s, next, err := readString(data, offset)
			if err != nil {
				return shape.Value{}, fmt.Errorf("text element %d: %w", i, err)
			}
			vals[i] = s
			offset = next
		}
		return shape.Compose(shape.KindText, isArray, shp, nil, nil, vals)
	case kindFloat:
		vals := make([]float64, n)
		for i := 0; i < n; i++ {
			if offset+8 > len(data) {
				return shape.Value{}, fmt.Errorf("cell too short for float element %d", i)
			}
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
			offset += 8
		}
		return shape.Compose(shape.KindFloat, isArray, shp, vals, nil, nil)
	default:
		return shape.Value{}, fmt.Errorf("unknown cell kind %d", kindByte)
	}
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}
	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2
	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string body")
	}
	return string(data[offset : offset+length]), offset + length, nil
}
