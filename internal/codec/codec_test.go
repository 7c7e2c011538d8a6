package codec

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	large := make([]float32, 300_000) // 1.2 MB raw
	for i := range large {
		large[i] = float32(math.Sin(float64(i) * 0.001))
	}
	cases := []struct {
		name   string
		values []float32
	}{
		{"empty", nil},
		{"single", []float32{-999.9}},
		{"large", large},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := EncodeFloat32s(tc.values)
			if err != nil {
				t.Fatalf("EncodeFloat32s: %v", err)
			}
			got, err := DecodeFloat32s(enc)
			if err != nil {
				t.Fatalf("DecodeFloat32s: %v", err)
			}
			if len(got) != len(tc.values) {
				t.Fatalf("len = %d, want %d", len(got), len(tc.values))
			}
			for i := range got {
				if math.Float32bits(got[i]) != math.Float32bits(tc.values[i]) {
					t.Fatalf("value %d = %v, want %v", i, got[i], tc.values[i])
				}
			}
		})
	}
}

func TestLittleEndianLayout(t *testing.T) {
	got := Float32sToBytes([]float32{1, -2})
	want := []byte{0x00, 0x00, 0x80, 0x3f, 0x00, 0x00, 0x00, 0xc0}
	if !bytes.Equal(got, want) {
		t.Fatalf("Float32sToBytes = % x, want % x", got, want)
	}
}

func TestEncodeIsGzip(t *testing.T) {
	enc, err := Encode([]byte("abc"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(enc) < 2 || enc[0] != 0x1f || enc[1] != 0x8b {
		t.Fatalf("Encode output does not start with the gzip magic: % x", enc)
	}
}

func TestDecodeTruncated(t *testing.T) {
	enc, err := EncodeFloat32s(make([]float32, 1000))
	if err != nil {
		t.Fatalf("EncodeFloat32s: %v", err)
	}
	if _, err := Decode(enc[:len(enc)/2]); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Decode truncated error = %v, want ErrCorrupt", err)
	}
	if _, err := Decode([]byte("not gzip")); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Decode garbage error = %v, want ErrCorrupt", err)
	}
}

func TestMisaligned(t *testing.T) {
	enc, err := Encode([]byte{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodeFloat32s(enc); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("DecodeFloat32s error = %v, want ErrMisaligned", err)
	}
}
