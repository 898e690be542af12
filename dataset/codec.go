package dataset

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses one block's payload. The payload layout is
// channel-major little-endian float32, one chunk per block, so a block
// can be read back without touching its neighbours.
type Codec struct {
	Algorithm string // "none", "gzip" or "zstd"
	Level     int
}

func (c Codec) String() string {
	return fmt.Sprintf("%s:%d", c.Algorithm, c.Level)
}

// ParseCodec reads the "algorithm:level" form a target records in its
// metadata.
func ParseCodec(s string) (Codec, error) {
	algo, levelStr, found := strings.Cut(s, ":")
	if !found {
		return Codec{}, fmt.Errorf("malformed codec %q", s)
	}
	var level int
	if _, err := fmt.Sscanf(levelStr, "%d", &level); err != nil {
		return Codec{}, fmt.Errorf("malformed codec level in %q: %v", s, err)
	}
	c := Codec{Algorithm: algo, Level: level}
	if err := c.Validate(); err != nil {
		return Codec{}, err
	}
	return c, nil
}

// Validate rejects unknown algorithms and out-of-range levels.
func (c Codec) Validate() error {
	switch c.Algorithm {
	case "none":
		return nil
	case "gzip":
		if c.Level < gzip.HuffmanOnly || c.Level > gzip.BestCompression {
			return fmt.Errorf("gzip level %d out of range", c.Level)
		}
		return nil
	case "zstd":
		if c.Level < 1 || c.Level > 4 {
			return fmt.Errorf("zstd level %d out of range (1=fastest .. 4=best)", c.Level)
		}
		return nil
	default:
		return fmt.Errorf("unknown compression algorithm %q", c.Algorithm)
	}
}

// Encode serializes and compresses one block's channel data.
func (c Codec) Encode(data [][]float32) ([]byte, error) {
	raw := make([]byte, 0, len(data)*len(data[0])*4)
	var scratch [4]byte
	for _, row := range data {
		for _, v := range row {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
			raw = append(raw, scratch[:]...)
		}
	}

	switch c.Algorithm {
	case "none":
		return raw, nil
	case "gzip":
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, c.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %v", err)
		}
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("gzip write failed: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close failed: %v", err)
		}
		return buf.Bytes(), nil
	case "zstd":
		zw, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(c.Level)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %v", err)
		}
		defer zw.Close()
		return zw.EncodeAll(raw, nil), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", c.Algorithm)
	}
}

// Decode reverses Encode into a channels x samples array.
func (c Codec) Decode(payload []byte, channels, samples int) ([][]float32, error) {
	var raw []byte
	switch c.Algorithm {
	case "none":
		raw = payload
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip payload: %v", err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("gzip read failed: %v", err)
		}
	case "zstd":
		zr, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %v", err)
		}
		defer zr.Close()
		if raw, err = zr.DecodeAll(payload, nil); err != nil {
			return nil, fmt.Errorf("zstd read failed: %v", err)
		}
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", c.Algorithm)
	}

	if len(raw) != channels*samples*4 {
		return nil, fmt.Errorf("payload is %d bytes, expected %d for %dx%d block",
			len(raw), channels*samples*4, channels, samples)
	}

	data := make([][]float32, channels)
	for ch := range data {
		row := make([]float32, samples)
		for i := range row {
			bits := binary.LittleEndian.Uint32(raw[(ch*samples+i)*4:])
			row[i] = math.Float32frombits(bits)
		}
		data[ch] = row
	}
	return data, nil
}
