// Package codec converts between raw BLE payload bytes and typed values.
//
// All multi-byte conversions take an explicit byte order. The helpers without
// an order argument are little-endian, which is what most GATT payloads use.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"strings"

	"github.com/srg/blecore/internal/device"
)

// ErrInvalidLength is returned when a byte count is outside the range
// supported by a conversion. It is the device package sentinel, so callers
// can match either name.
var ErrInvalidLength = device.ErrInvalidLength

// CRCSize is the number of bytes a CRC-32 occupies on the wire.
const CRCSize = 4

func checkSize(n, maxSize int) error {
	if n < 1 || n > maxSize {
		return fmt.Errorf("%w: %d bytes (want 1..%d)", ErrInvalidLength, n, maxSize)
	}
	return nil
}

// Uint decodes 1 to 8 bytes into an unsigned integer.
func Uint(b []byte, order binary.ByteOrder) (uint64, error) {
	if err := checkSize(len(b), 8); err != nil {
		return 0, err
	}
	var v uint64
	if order == binary.BigEndian {
		for _, x := range b {
			v = v<<8 | uint64(x)
		}
		return v, nil
	}
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

// Int decodes 1 to 8 bytes into a signed integer, sign-extending from the
// most significant decoded byte.
func Int(b []byte, order binary.ByteOrder) (int64, error) {
	u, err := Uint(b, order)
	if err != nil {
		return 0, err
	}
	shift := uint(64 - 8*len(b))
	return int64(u<<shift) >> shift, nil
}

// Uint32 decodes 1 to 4 bytes into a uint32.
func Uint32(b []byte, order binary.ByteOrder) (uint32, error) {
	if err := checkSize(len(b), 4); err != nil {
		return 0, err
	}
	v, err := Uint(b, order)
	return uint32(v), err
}

// Int32 decodes 1 to 4 bytes into a sign-extended int32.
func Int32(b []byte, order binary.ByteOrder) (int32, error) {
	if err := checkSize(len(b), 4); err != nil {
		return 0, err
	}
	v, err := Int(b, order)
	return int32(v), err
}

// Uint16 decodes 1 or 2 bytes into a uint16.
func Uint16(b []byte, order binary.ByteOrder) (uint16, error) {
	if err := checkSize(len(b), 2); err != nil {
		return 0, err
	}
	v, err := Uint(b, order)
	return uint16(v), err
}

// PutUint encodes the low size bytes of v.
func PutUint(v uint64, size int, order binary.ByteOrder) ([]byte, error) {
	if err := checkSize(size, 8); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		x := byte(v >> (8 * uint(i)))
		if order == binary.BigEndian {
			out[size-1-i] = x
		} else {
			out[i] = x
		}
	}
	return out, nil
}

// PutInt encodes the low size bytes of the two's complement form of v.
func PutInt(v int64, size int, order binary.ByteOrder) ([]byte, error) {
	return PutUint(uint64(v), size, order)
}

// Float64 decodes an IEEE-754 double from exactly 8 bytes.
func Float64(b []byte, order binary.ByteOrder) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: %d bytes (want 8)", ErrInvalidLength, len(b))
	}
	return math.Float64frombits(order.Uint64(b)), nil
}

// PutFloat64 encodes v as its 8 raw IEEE-754 bytes.
func PutFloat64(v float64, order binary.ByteOrder) []byte {
	out := make([]byte, 8)
	order.PutUint64(out, math.Float64bits(v))
	return out
}

// BoolsToBytes packs booleans 8 per byte. Index 0 of each group lands in the
// most significant bit. A trailing partial group fills the high bits of the
// last byte.
func BoolsToBytes(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, set := range bits {
		if set {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

// BytesToBools unpacks every bit of b, most significant bit first.
func BytesToBools(b []byte) []bool {
	out := make([]bool, 0, len(b)*8)
	for _, x := range b {
		for i := 0; i < 8; i++ {
			out = append(out, x&(0x80>>uint(i)) != 0)
		}
	}
	return out
}

func checkBitIndex(i int) error {
	if i < 0 || i > 7 {
		return fmt.Errorf("%w: bit index %d (want 0..7)", device.ErrInvalidArgument, i)
	}
	return nil
}

// BoolToByte returns a byte with only bitIndex set when set is true.
// Bit index 0 is the most significant bit.
func BoolToByte(set bool, bitIndex int) (byte, error) {
	if err := checkBitIndex(bitIndex); err != nil {
		return 0, err
	}
	if !set {
		return 0, nil
	}
	return 0x80 >> uint(bitIndex), nil
}

// Bit reports whether bitIndex of b is set, most significant bit first.
func Bit(b byte, bitIndex int) (bool, error) {
	if err := checkBitIndex(bitIndex); err != nil {
		return false, err
	}
	return b&(0x80>>uint(bitIndex)) != 0, nil
}

// SpreadBools encodes each boolean into its own byte at bitIndex.
func SpreadBools(bits []bool, bitIndex int) ([]byte, error) {
	out := make([]byte, len(bits))
	for i, set := range bits {
		v, err := BoolToByte(set, bitIndex)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// GatherBools reads bitIndex of every byte in b.
func GatherBools(b []byte, bitIndex int) ([]bool, error) {
	if err := checkBitIndex(bitIndex); err != nil {
		return nil, err
	}
	out := make([]bool, len(b))
	for i, x := range b {
		out[i], _ = Bit(x, bitIndex)
	}
	return out, nil
}

// BitRange extracts bits from..to-1 of b as an unsigned value. Bits are
// counted from the least significant one, so BitRange(0b000BBBAA, 2, 5)
// yields BBB.
func BitRange(b byte, from, to int) (uint8, error) {
	if from < 0 || to > 8 || from > to {
		return 0, fmt.Errorf("%w: bit range %d..%d", device.ErrInvalidArgument, from, to)
	}
	mask := uint(1)<<uint(to-from) - 1
	return uint8(uint(b) >> uint(from) & mask), nil
}

func groups(b []byte, size int) ([][]byte, error) {
	if len(b)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidLength, len(b), size)
	}
	return Chunks(b, size), nil
}

// Ints decodes consecutive size-byte signed integers (size 1..4).
func Ints(b []byte, size int, order binary.ByteOrder) ([]int32, error) {
	if err := checkSize(size, 4); err != nil {
		return nil, err
	}
	gs, err := groups(b, size)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(gs))
	for i, g := range gs {
		out[i], _ = Int32(g, order)
	}
	return out, nil
}

// PutInts encodes every value into size bytes, in slice order.
func PutInts(values []int64, size int, order binary.ByteOrder) ([]byte, error) {
	if err := checkSize(size, 8); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(values)*size)
	for _, v := range values {
		enc, _ := PutInt(v, size, order)
		out = append(out, enc...)
	}
	return out, nil
}

// Uint16s decodes consecutive 2-byte unsigned integers.
func Uint16s(b []byte, order binary.ByteOrder) ([]uint16, error) {
	gs, err := groups(b, 2)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, len(gs))
	for i, g := range gs {
		out[i] = order.Uint16(g)
	}
	return out, nil
}

// Uint32s decodes consecutive 4-byte unsigned integers.
func Uint32s(b []byte, order binary.ByteOrder) ([]uint32, error) {
	gs, err := groups(b, 4)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(gs))
	for i, g := range gs {
		out[i] = order.Uint32(g)
	}
	return out, nil
}

// Float64s decodes consecutive 8-byte IEEE-754 doubles.
func Float64s(b []byte, order binary.ByteOrder) ([]float64, error) {
	gs, err := groups(b, 8)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(gs))
	for i, g := range gs {
		out[i] = math.Float64frombits(order.Uint64(g))
	}
	return out, nil
}

// PutFloat64s encodes every value as its 8 raw IEEE-754 bytes.
func PutFloat64s(values []float64, order binary.ByteOrder) []byte {
	out := make([]byte, 0, len(values)*8)
	for _, v := range values {
		out = append(out, PutFloat64(v, order)...)
	}
	return out
}

func fieldWidth(perByte int) (uint, error) {
	switch perByte {
	case 1, 2, 4, 8:
		return uint(8 / perByte), nil
	}
	return 0, fmt.Errorf("%w: %d values per byte (want 1, 2, 4 or 8)", device.ErrInvalidArgument, perByte)
}

// Condense packs perByte small values into each byte, the first value in
// the least significant bits. Four 2-bit levels per byte is the common
// layout.
func Condense(values []uint8, perByte int) ([]byte, error) {
	width, err := fieldWidth(perByte)
	if err != nil {
		return nil, err
	}
	if len(values)%perByte != 0 {
		return nil, fmt.Errorf("%w: %d values is not a multiple of %d", ErrInvalidLength, len(values), perByte)
	}
	limit := uint(1) << width
	out := make([]byte, len(values)/perByte)
	for i, v := range values {
		if uint(v) >= limit {
			return nil, fmt.Errorf("%w: value %d does not fit in %d bits", device.ErrInvalidArgument, v, width)
		}
		out[i/perByte] |= v << (width * uint(i%perByte))
	}
	return out, nil
}

// Expand is the inverse of Condense.
func Expand(b []byte, perByte int) ([]uint8, error) {
	width, err := fieldWidth(perByte)
	if err != nil {
		return nil, err
	}
	mask := byte(1)<<width - 1
	out := make([]uint8, 0, len(b)*perByte)
	for _, x := range b {
		for j := 0; j < perByte; j++ {
			out = append(out, x>>(width*uint(j))&mask)
		}
	}
	return out, nil
}

// CRC32 returns the IEEE CRC-32 of payload as 4 little-endian bytes.
func CRC32(payload []byte) []byte {
	out := make([]byte, CRCSize)
	binary.LittleEndian.PutUint32(out, crc32.ChecksumIEEE(payload))
	return out
}

// WithCRC32 returns a copy of payload followed by its CRC-32.
func WithCRC32(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+CRCSize)
	out = append(out, payload...)
	return append(out, CRC32(payload)...)
}

// StripCRC32 splits a framed payload into its body and trailing CRC bytes.
func StripCRC32(framed []byte) (payload, crc []byte, err error) {
	if len(framed) < CRCSize {
		return nil, nil, fmt.Errorf("%w: %d bytes (want at least %d)", ErrInvalidLength, len(framed), CRCSize)
	}
	n := len(framed) - CRCSize
	return framed[:n], framed[n:], nil
}

// VerifyCRC32 reports whether the trailing CRC of framed matches its body.
func VerifyCRC32(framed []byte) bool {
	payload, crc, err := StripCRC32(framed)
	if err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(crc) == crc32.ChecksumIEEE(payload)
}

// TrimPad drops every trailing pad byte.
func TrimPad(b []byte, pad byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == pad {
		end--
	}
	return b[:end]
}

// TrimBytes removes suffix from the end of b when b is longer than suffix
// and ends with it. Otherwise b is returned unchanged.
func TrimBytes(b, suffix []byte) []byte {
	if len(b) > len(suffix) && bytes.HasSuffix(b, suffix) {
		return b[:len(b)-len(suffix)]
	}
	return b
}

// String decodes a fixed-width text field. Only the first size bytes are
// used. When reverse is set the field is stored back to front on the wire.
// A non-nil pad is trimmed from the tail after reversal.
func String(b []byte, size int, reverse bool, pad *byte) (string, error) {
	if size < 0 || size > len(b) {
		return "", fmt.Errorf("%w: field of %d bytes in %d-byte buffer", ErrInvalidLength, size, len(b))
	}
	field := make([]byte, size)
	copy(field, b[:size])
	if reverse {
		for i, j := 0, len(field)-1; i < j; i, j = i+1, j-1 {
			field[i], field[j] = field[j], field[i]
		}
	}
	if pad != nil {
		field = TrimPad(field, *pad)
	}
	return string(field), nil
}

// Chunks splits b into consecutive groups of at most n bytes.
func Chunks(b []byte, n int) [][]byte {
	if n <= 0 || len(b) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(b)+n-1)/n)
	for len(b) > n {
		out = append(out, b[:n])
		b = b[n:]
	}
	return append(out, b)
}

// Hex formats b as space separated upper-case byte pairs.
func Hex(b []byte) string {
	var sb strings.Builder
	for i, x := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", x)
	}
	return sb.String()
}
