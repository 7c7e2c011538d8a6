// Package codec is the transfer encoding for mesh buffers: little-endian
// float32 arrays wrapped in a single gzip member.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
)

var (
	// ErrCorrupt is returned when a payload is not a valid gzip stream.
	ErrCorrupt = errors.New("corrupt payload")
	// ErrMisaligned is returned when a decoded byte length is not a whole
	// number of float32 values.
	ErrMisaligned = errors.New("payload is not float32 aligned")
)

// ContentEncoding is the HTTP Content-Encoding of an encoded payload.
const ContentEncoding = "gzip"

// Encode gzips raw. An empty input produces a valid, empty gzip member.
func Encode(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(raw)/4 + 64)

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(compressed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return raw, nil
}

// Float32sToBytes lays values out as consecutive little-endian float32s.
func Float32sToBytes(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// BytesToFloat32s reverses Float32sToBytes.
func BytesToFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMisaligned, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// EncodeFloat32s is Encode(Float32sToBytes(values)).
func EncodeFloat32s(values []float32) ([]byte, error) {
	return Encode(Float32sToBytes(values))
}

// DecodeFloat32s is BytesToFloat32s(Decode(compressed)).
func DecodeFloat32s(compressed []byte) ([]float32, error) {
	raw, err := Decode(compressed)
	if err != nil {
		return nil, err
	}
	return BytesToFloat32s(raw)
}
