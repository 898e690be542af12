package dataset

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBlock(channels, samples int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float32, channels)
	for ch := range data {
		row := make([]float32, samples)
		for i := range row {
			row[i] = rng.Float32()
		}
		data[ch] = row
	}
	return data
}

func TestCodecRoundTrip(t *testing.T) {
	codecs := []Codec{
		{Algorithm: "none", Level: 0},
		{Algorithm: "gzip", Level: 1},
		{Algorithm: "gzip", Level: 9},
		{Algorithm: "zstd", Level: 1},
		{Algorithm: "zstd", Level: 3},
	}

	data := randomBlock(19, 1250, 1)
	for _, codec := range codecs {
		t.Run(codec.String(), func(t *testing.T) {
			payload, err := codec.Encode(data)
			require.NoError(t, err)

			decoded, err := codec.Decode(payload, 19, 1250)
			require.NoError(t, err)
			require.Equal(t, data, decoded, "round trip must be lossless")
		})
	}
}

func TestCodecShapeMismatchOnDecode(t *testing.T) {
	codec := Codec{Algorithm: "none"}
	payload, err := codec.Encode(randomBlock(2, 100, 2))
	require.NoError(t, err)

	_, err = codec.Decode(payload, 3, 100)
	require.Error(t, err)
}

func TestCodecValidate(t *testing.T) {
	assert.NoError(t, Codec{Algorithm: "none"}.Validate())
	assert.NoError(t, Codec{Algorithm: "gzip", Level: 6}.Validate())
	assert.NoError(t, Codec{Algorithm: "zstd", Level: 2}.Validate())

	assert.Error(t, Codec{Algorithm: "lz77"}.Validate())
	assert.Error(t, Codec{Algorithm: "gzip", Level: 42}.Validate())
	assert.Error(t, Codec{Algorithm: "zstd", Level: 0}.Validate())
}

func TestParseCodec(t *testing.T) {
	for _, want := range []Codec{
		{Algorithm: "none", Level: 0},
		{Algorithm: "gzip", Level: 6},
		{Algorithm: "zstd", Level: 3},
	} {
		got, err := ParseCodec(want.String())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseCodec("gzip")
	require.Error(t, err)
	_, err = ParseCodec(fmt.Sprintf("flate:%d", 6))
	require.Error(t, err)
}
