package preprocess

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peakIndex returns the sample with the largest absolute value.
func peakIndex(x []float64) int {
	best, idx := 0.0, 0
	for i, v := range x {
		if math.Abs(v) > best {
			best, idx = math.Abs(v), i
		}
	}
	return idx
}

func TestFilteringIsZeroPhase(t *testing.T) {
	const rate = 250.0
	x := make([]float64, 1000)
	x[500] = 1 // impulse

	filtered := Bandpass(x, rate, 0.5, 45)
	for _, f := range []float64{50, 60} {
		filtered = Notch(filtered, rate, f)
	}

	require.Len(t, filtered, len(x))
	assert.Equal(t, 500, peakIndex(filtered), "impulse peak moved: filter chain is not zero-phase")
}

func TestBandpassRemovesOutOfBandTones(t *testing.T) {
	const rate = 250.0
	n := 2500
	inBand := make([]float64, n)
	low := make([]float64, n)
	for i := range inBand {
		ts := float64(i) / rate
		inBand[i] = math.Sin(2 * math.Pi * 10 * ts)
		low[i] = math.Sin(2 * math.Pi * 0.05 * ts) // drift below the passband
	}

	keptRMS := rms(Bandpass(inBand, rate, 0.5, 45)[500 : n-500])
	dropRMS := rms(Bandpass(low, rate, 0.5, 45)[500 : n-500])

	assert.Greater(t, keptRMS, 0.6, "in-band tone should pass nearly unattenuated")
	assert.Less(t, dropRMS, 0.25, "sub-band drift should be attenuated")
}

func TestNotchSuppressesLineFrequency(t *testing.T) {
	const rate = 250.0
	n := 2500
	line := make([]float64, n)
	for i := range line {
		line[i] = math.Sin(2 * math.Pi * 50 * float64(i) / rate)
	}

	out := Notch(line, rate, 50)
	assert.Less(t, rms(out[500:n-500]), 0.1, "50 Hz tone should be suppressed")
}

func TestBandpassDisabledEdges(t *testing.T) {
	const rate = 100.0
	x := []float64{1, 2, 3, 4, 5}

	// hi at Nyquist and lo of zero leave the signal untouched
	out := Bandpass(x, rate, 0, 50)
	assert.Equal(t, x, out)

	// but it must still be an independent copy
	out[0] = 99
	assert.Equal(t, 1.0, x[0])
}

func rms(x []float64) float64 {
	var acc float64
	for _, v := range x {
		acc += v * v
	}
	return math.Sqrt(acc / float64(len(x)))
}
