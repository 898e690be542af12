// Package block slices labeled segments into the fixed-duration,
// fixed-sample-count windows stored for model consumption.
package block

import (
	"math"

	"eeg-pipeline/models"
)

// Config controls the windowing. Stride defaults to BlockLength, i.e.
// no overlap between consecutive blocks.
type Config struct {
	BlockLength float64 // seconds
	Stride      float64 // seconds, 0 means BlockLength
}

// Samples returns the window length in samples at the given rate.
func (c Config) Samples(rate float64) int {
	return int(math.Round(c.BlockLength * rate))
}

// Generate cuts seg into windows of BlockLength seconds, advancing by
// Stride, starting at the segment's first sample. The trailing partial
// window is dropped, never padded, so every block carries exactly the
// same sample count. Each block's data is an independent float32
// snapshot; blocks are numbered from 0 in extraction order.
func Generate(rec *models.Recording, seg models.Segment, cfg Config) []models.Block {
	window := cfg.Samples(rec.SampleRate)
	if window <= 0 {
		return nil
	}
	stride := int(math.Round(cfg.Stride * rec.SampleRate))
	if stride <= 0 {
		stride = window
	}

	var blocks []models.Block
	for start := seg.StartSample; start+window <= seg.EndSample; start += stride {
		data := make([][]float32, len(rec.Data))
		for ch, row := range rec.Data {
			snapshot := make([]float32, window)
			for i, v := range row[start : start+window] {
				snapshot[i] = float32(v)
			}
			data[ch] = snapshot
		}
		blocks = append(blocks, models.Block{Index: len(blocks), Data: data})
	}
	return blocks
}
