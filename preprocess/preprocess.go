// Package preprocess conditions one decoded recording: temporal trim,
// zero-phase bandpass and notch filtering, artifact-component removal,
// outlier clipping, and per-channel normalization. The whole chain is
// deterministic for identical input and configuration.
package preprocess

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"eeg-pipeline/models"
)

// Config holds the conditioning parameters for one run.
type Config struct {
	TrimSeconds      float64   // dropped from each end of the recording
	BandpassLow      float64   // Hz, 0 disables the high-pass stage
	BandpassHigh     float64   // Hz, 0 or >= Nyquist disables the low-pass stage
	NotchFrequencies []float64 // Hz, typically the power-line frequency and harmonics
	OutlierSigma     float64   // clip threshold in per-channel standard deviations
	Artifact         ArtifactConfig
}

// ArtifactConfig controls the independent-component artifact removal
// step.
type ArtifactConfig struct {
	Enabled       bool
	CorrThreshold float64 // |correlation| with an ocular proxy above this flags a component
	KurtThreshold float64 // excess kurtosis above this flags a component, 0 disables
	VarianceKeep  float64 // share of variance retained by the whitening projection
	MaxIter       int
	Tolerance     float64
}

// InsufficientDurationError reports a recording too short to survive
// the configured trim.
type InsufficientDurationError struct {
	Duration float64 // seconds before trimming
	Trim     float64 // seconds removed from each end
}

func (e *InsufficientDurationError) Error() string {
	return fmt.Sprintf("recording too short: %.1fs with %.1fs trimmed from each end", e.Duration, e.Trim)
}

// FlatChannelError reports a channel with zero value range, which
// cannot be min-max normalized.
type FlatChannelError struct {
	Channel string
}

func (e *FlatChannelError) Error() string {
	return fmt.Sprintf("channel %q is flat: zero value range, cannot normalize", e.Channel)
}

// ocularSites are the frontal electrodes used as EOG proxies when
// flagging eye-movement components; the source hardware records no
// dedicated ocular channel.
var ocularSites = map[string]bool{"FP1": true, "FP2": true}

// Run conditions rec and returns a derived Recording with the same
// channel count and sampling rate and the sample count reduced by the
// trim. Annotation onsets are shifted to the trimmed timebase. The
// input recording is never modified. Warnings carry recoverable
// conditions (an unconverged decomposition); errors are fatal for the
// file.
func Run(rec *models.Recording, cfg Config) (*models.Recording, []string, error) {
	var warnings []string

	out, err := trim(rec, cfg.TrimSeconds)
	if err != nil {
		return nil, nil, err
	}

	if err := filterAll(out.Data, out.SampleRate, cfg); err != nil {
		return nil, nil, err
	}

	if cfg.Artifact.Enabled {
		eegIdx, ocularIdx := channelIndexes(out.Channels)
		removed, err := RemoveArtifacts(out.Data, eegIdx, ocularIdx, cfg.Artifact)
		if err != nil {
			// an unconverged decomposition keeps the filtered signal
			warnings = append(warnings, fmt.Sprintf("artifact removal skipped: %v", err))
		} else if removed > 0 {
			warnings = append(warnings, fmt.Sprintf("removed %d artifact components", removed))
		}
	}

	for _, row := range out.Data {
		clipOutliers(row, cfg.OutlierSigma)
	}

	for i, row := range out.Data {
		if out.Channels[i].Kind == models.ChannelECG {
			continue // ECG is stored in physical units, as recorded
		}
		if err := normalize(row); err != nil {
			return nil, nil, &FlatChannelError{Channel: out.Channels[i].Name}
		}
	}

	return out, warnings, nil
}

// trim drops seconds from both ends and rebases the annotations onto
// the shortened recording. Annotations that fall entirely inside a
// trimmed region are dropped; ones straddling an edge are clipped.
func trim(rec *models.Recording, seconds float64) (*models.Recording, error) {
	cut := int(math.Round(seconds * rec.SampleRate))
	remaining := rec.Samples() - 2*cut
	if remaining <= 0 {
		return nil, &InsufficientDurationError{Duration: rec.Duration(), Trim: seconds}
	}

	out := &models.Recording{
		SampleRate: rec.SampleRate,
		Channels:   append([]models.Channel(nil), rec.Channels...),
		Patient:    rec.Patient,
		Source:     rec.Source,
		StartTime:  rec.StartTime,
		Data:       make([][]float64, len(rec.Data)),
	}
	for i, row := range rec.Data {
		out.Data[i] = append([]float64(nil), row[cut:cut+remaining]...)
	}

	end := float64(remaining) / rec.SampleRate
	for _, a := range rec.Annotations {
		onset := a.Onset - seconds
		stop := onset + a.Duration
		if stop <= 0 || onset >= end {
			continue
		}
		if onset < 0 {
			onset = 0
		}
		if stop > end {
			stop = end
		}
		out.Annotations = append(out.Annotations, models.Annotation{
			Onset:    onset,
			Duration: stop - onset,
			Label:    a.Label,
		})
	}

	return out, nil
}

// filterAll runs the zero-phase bandpass and notch chain over every
// channel, channels in parallel across a bounded group.
func filterAll(data [][]float64, rate float64, cfg Config) error {
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())

	for i := range data {
		row := data[i]
		g.Go(func() error {
			filtered := Bandpass(row, rate, cfg.BandpassLow, cfg.BandpassHigh)
			for _, freq := range cfg.NotchFrequencies {
				if freq <= 0 || freq >= rate/2 {
					continue
				}
				filtered = Notch(filtered, rate, freq)
			}
			copy(row, filtered)
			return nil
		})
	}
	return g.Wait()
}

// clipOutliers clamps values beyond sigma standard deviations from the
// channel mean to the threshold. Clipping instead of dropping keeps
// annotation-to-sample alignment intact.
func clipOutliers(row []float64, sigma float64) {
	if sigma <= 0 || len(row) == 0 {
		return
	}
	m := mean(row)
	sd := stddev(row, m)
	if sd == 0 {
		return
	}
	lo, hi := m-sigma*sd, m+sigma*sd
	for i, v := range row {
		if v < lo {
			row[i] = lo
		} else if v > hi {
			row[i] = hi
		}
	}
}

// normalize rescales the channel to [0,1] in place.
func normalize(row []float64) error {
	if len(row) == 0 {
		return nil
	}
	lo, hi := row[0], row[0]
	for _, v := range row[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		return fmt.Errorf("zero value range")
	}
	scale := 1 / (hi - lo)
	for i, v := range row {
		row[i] = (v - lo) * scale
	}
	return nil
}

// channelIndexes splits the channel list into EEG rows eligible for
// decomposition and the frontal rows serving as ocular proxies.
func channelIndexes(channels []models.Channel) (eeg, ocular []int) {
	for i, ch := range channels {
		if ch.Kind != models.ChannelEEG {
			continue
		}
		eeg = append(eeg, i)
		if ocularSites[ch.Site] {
			ocular = append(ocular, i)
		}
	}
	return eeg, ocular
}
