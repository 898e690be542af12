package block_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eeg-pipeline/block"
	"eeg-pipeline/models"
)

func testRecording(channels, samples int, rate float64) *models.Recording {
	rec := &models.Recording{SampleRate: rate}
	for ch := 0; ch < channels; ch++ {
		row := make([]float64, samples)
		for i := range row {
			row[i] = float64(ch*samples + i)
		}
		rec.Data = append(rec.Data, row)
	}
	return rec
}

func TestGenerateBlockCount(t *testing.T) {
	// 23s segment, 5s blocks, stride = block length: floor(23/5) = 4
	rec := testRecording(2, 3000, 100)
	seg := models.Segment{Label: "Baseline", StartSample: 200, EndSample: 200 + 2300}

	blocks := block.Generate(rec, seg, block.Config{BlockLength: 5})
	require.Len(t, blocks, 4)

	for i, b := range blocks {
		assert.Equal(t, i, b.Index)
		require.Len(t, b.Data, 2)
		assert.Equal(t, 500, b.Samples())
	}

	// no block crosses the segment boundary: last block ends at
	// 200 + 4*500 = 2200 <= 2500
	assert.InDelta(t, float64(200+3*500), float64(blocks[3].Data[0][0]), 1e-9)
}

func TestGenerateExactFit(t *testing.T) {
	rec := testRecording(1, 1000, 100)
	seg := models.Segment{StartSample: 0, EndSample: 1000}

	blocks := block.Generate(rec, seg, block.Config{BlockLength: 5})
	assert.Len(t, blocks, 2)
}

func TestGenerateSegmentShorterThanBlock(t *testing.T) {
	rec := testRecording(1, 1000, 100)
	seg := models.Segment{StartSample: 0, EndSample: 300}

	blocks := block.Generate(rec, seg, block.Config{BlockLength: 5})
	assert.Empty(t, blocks)
}

func TestGenerateOverlappingStride(t *testing.T) {
	rec := testRecording(1, 1000, 100)
	seg := models.Segment{StartSample: 0, EndSample: 1000}

	// 5s windows every 2.5s: starts at 0, 250, 500 samples
	blocks := block.Generate(rec, seg, block.Config{BlockLength: 5, Stride: 2.5})
	require.Len(t, blocks, 3)
	assert.InDelta(t, 250.0, float64(blocks[1].Data[0][0]), 1e-9)
}

func TestGenerateSnapshotIsIndependent(t *testing.T) {
	rec := testRecording(1, 1000, 100)
	seg := models.Segment{StartSample: 0, EndSample: 500}

	blocks := block.Generate(rec, seg, block.Config{BlockLength: 5})
	require.Len(t, blocks, 1)

	before := blocks[0].Data[0][10]
	rec.Data[0][10] = -12345
	assert.Equal(t, before, blocks[0].Data[0][10])
}

func TestGenerateDeterministic(t *testing.T) {
	rec := testRecording(3, 5000, 250)
	seg := models.Segment{StartSample: 123, EndSample: 4321}
	cfg := block.Config{BlockLength: 2}

	a := block.Generate(rec, seg, cfg)
	b := block.Generate(rec, seg, cfg)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i], b[i])
	}
}
