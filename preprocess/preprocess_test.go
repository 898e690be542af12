package preprocess

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eeg-pipeline/models"
)

func testRecording(channels, seconds int, rate float64) *models.Recording {
	rec := &models.Recording{SampleRate: rate}
	n := int(float64(seconds) * rate)
	for ch := 0; ch < channels; ch++ {
		row := make([]float64, n)
		for i := range row {
			ts := float64(i) / rate
			row[i] = math.Sin(2*math.Pi*(5+float64(ch))*ts) * 50
		}
		rec.Data = append(rec.Data, row)
		rec.Channels = append(rec.Channels, models.Channel{
			Name: "ch", Site: "C3", Kind: models.ChannelEEG,
		})
	}
	return rec
}

func baseConfig() Config {
	return Config{
		TrimSeconds:  5,
		BandpassLow:  0.5,
		BandpassHigh: 45,
		OutlierSigma: 3,
	}
}

func TestRunTrimsExactSampleCount(t *testing.T) {
	rec := testRecording(2, 60, 250)
	rec.Annotations = []models.Annotation{
		{Onset: 0, Duration: 60, Label: "Фоновая запись"},
		{Onset: 2, Duration: 1, Label: "inside the trimmed head"},
		{Onset: 30, Duration: 5, Label: "kept"},
	}

	out, warnings, err := Run(rec, baseConfig())
	require.NoError(t, err)
	assert.Empty(t, warnings)

	// output samples = input - 2 * trim * rate
	assert.Equal(t, rec.Samples()-2*int(5*250), out.Samples())
	assert.Equal(t, rec.SampleRate, out.SampleRate)
	assert.Len(t, out.Data, 2)

	// annotations rebased onto the trimmed timebase
	require.Len(t, out.Annotations, 2)
	assert.InDelta(t, 0.0, out.Annotations[0].Onset, 1e-9)
	assert.InDelta(t, 50.0, out.Annotations[0].Duration, 1e-9)
	assert.InDelta(t, 25.0, out.Annotations[1].Onset, 1e-9)

	// the input recording is untouched
	assert.Equal(t, 60*250, rec.Samples())
}

func TestRunInsufficientDuration(t *testing.T) {
	rec := testRecording(2, 8, 250)

	_, _, err := Run(rec, baseConfig()) // 8s - 2*5s <= 0
	var short *InsufficientDurationError
	require.ErrorAs(t, err, &short)
	assert.InDelta(t, 8.0, short.Duration, 1e-9)
}

func TestRunNormalizesToUnitRange(t *testing.T) {
	rec := testRecording(3, 60, 250)

	out, _, err := Run(rec, baseConfig())
	require.NoError(t, err)

	for _, row := range out.Data {
		lo, hi := row[0], row[0]
		for _, v := range row {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		assert.InDelta(t, 0.0, lo, 1e-12)
		assert.InDelta(t, 1.0, hi, 1e-12)
	}
}

func TestRunSkipsECGNormalization(t *testing.T) {
	rec := testRecording(2, 60, 250)
	rec.Channels[1].Kind = models.ChannelECG
	rec.Channels[1].Site = "ECG"

	out, _, err := Run(rec, baseConfig())
	require.NoError(t, err)

	// the ECG row keeps physical-scale values
	hi := 0.0
	for _, v := range out.Data[1] {
		if math.Abs(v) > hi {
			hi = math.Abs(v)
		}
	}
	assert.Greater(t, hi, 1.5, "ECG channel should not be rescaled to [0,1]")
}

func TestRunFlatChannel(t *testing.T) {
	rec := testRecording(2, 60, 250)
	for i := range rec.Data[1] {
		rec.Data[1][i] = 7.5
	}

	_, _, err := Run(rec, baseConfig())
	var flat *FlatChannelError
	require.ErrorAs(t, err, &flat)
}

func TestClipOutliers(t *testing.T) {
	row := make([]float64, 1000)
	for i := range row {
		row[i] = math.Sin(float64(i))
	}
	row[100] = 50 // spike

	m := mean(row)
	sd := stddev(row, m)
	clipOutliers(row, 3)

	for _, v := range row {
		assert.LessOrEqual(t, v, m+3*sd+1e-9)
		assert.GreaterOrEqual(t, v, m-3*sd-1e-9)
	}
	// the spike is clamped to the threshold, not removed
	assert.InDelta(t, m+3*sd, row[100], 1e-9)
	assert.Len(t, row, 1000)
}

func TestRunDeterministic(t *testing.T) {
	cfg := baseConfig()
	cfg.NotchFrequencies = []float64{50}
	cfg.Artifact = ArtifactConfig{
		Enabled: true, CorrThreshold: 0.8, KurtThreshold: 10,
		VarianceKeep: 0.999, MaxIter: 200, Tolerance: 1e-4,
	}

	a, _, err := Run(testRecording(4, 30, 250), cfg)
	require.NoError(t, err)
	b, _, err := Run(testRecording(4, 30, 250), cfg)
	require.NoError(t, err)

	for ch := range a.Data {
		for i := range a.Data[ch] {
			require.Equal(t, a.Data[ch][i], b.Data[ch][i])
		}
	}
}
