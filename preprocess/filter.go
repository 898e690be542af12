package preprocess

import "math"

// biquad is one second-order IIR section in transposed direct form II.
// Coefficients follow the RBJ audio-EQ cookbook with a0 normalized
// to 1.
type biquad struct {
	b0, b1, b2 float64 // feedforward
	a1, a2     float64 // feedback
}

// butterworthQ gives a maximally flat passband for a single
// second-order section.
const butterworthQ = math.Sqrt2 / 2

// notchQ sets the notch width; power-line interference is narrow, so
// the stopband should be too.
const notchQ = 30.0

func lowpassBiquad(cutoff, rate float64) biquad {
	w0 := 2 * math.Pi * cutoff / rate
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	alpha := sinw / (2 * butterworthQ)

	a0 := 1 + alpha
	return biquad{
		b0: (1 - cosw) / 2 / a0,
		b1: (1 - cosw) / a0,
		b2: (1 - cosw) / 2 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

func highpassBiquad(cutoff, rate float64) biquad {
	w0 := 2 * math.Pi * cutoff / rate
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	alpha := sinw / (2 * butterworthQ)

	a0 := 1 + alpha
	return biquad{
		b0: (1 + cosw) / 2 / a0,
		b1: -(1 + cosw) / a0,
		b2: (1 + cosw) / 2 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

func notchBiquad(freq, rate float64) biquad {
	w0 := 2 * math.Pi * freq / rate
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	alpha := sinw / (2 * notchQ)

	a0 := 1 + alpha
	return biquad{
		b0: 1 / a0,
		b1: -2 * cosw / a0,
		b2: 1 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

// apply runs the section over src into dst. dst and src may be the
// same slice.
func (f biquad) apply(dst, src []float64) {
	var z1, z2 float64
	for i, x := range src {
		y := f.b0*x + z1
		z1 = f.b1*x - f.a1*y + z2
		z2 = f.b2*x - f.a2*y
		dst[i] = y
	}
}

// filtfilt applies the section forward and then backward over a
// reversed pass, which cancels the section's phase response. The
// input is extended by odd reflection at both ends so the filter
// state has settled by the time it reaches real samples.
func filtfilt(f biquad, x []float64) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}

	pad := 9 // three section lengths of reflected edge
	if pad > n-1 {
		pad = n - 1
	}

	ext := make([]float64, 0, n+2*pad)
	for i := pad; i >= 1; i-- {
		ext = append(ext, 2*x[0]-x[i])
	}
	ext = append(ext, x...)
	for i := n - 2; i >= n-1-pad; i-- {
		ext = append(ext, 2*x[n-1]-x[i])
	}

	f.apply(ext, ext)
	reverse(ext)
	f.apply(ext, ext)
	reverse(ext)

	out := make([]float64, n)
	copy(out, ext[pad:pad+n])
	return out
}

// Bandpass applies a zero-phase Butterworth band-pass between lo and
// hi Hz: a high-pass at lo followed by a low-pass at hi, each run
// forward-backward. A hi at or above the Nyquist frequency leaves the
// upper band untouched.
func Bandpass(x []float64, rate, lo, hi float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	out, filtered := x, false
	if lo > 0 {
		out, filtered = filtfilt(highpassBiquad(lo, rate), out), true
	}
	if hi > 0 && hi < rate/2 {
		out, filtered = filtfilt(lowpassBiquad(hi, rate), out), true
	}
	if !filtered {
		out = append([]float64(nil), x...)
	}
	return out
}

// Notch applies a zero-phase notch at freq Hz. Frequencies at or
// above Nyquist are ignored by the caller.
func Notch(x []float64, rate, freq float64) []float64 {
	return filtfilt(notchBiquad(freq, rate), x)
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
