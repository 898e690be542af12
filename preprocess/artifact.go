package preprocess

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ErrNoConvergence reports that the component decomposition did not
// settle within the iteration budget. Callers treat it as a warning
// and keep the unmodified signal.
var ErrNoConvergence = errors.New("component decomposition did not converge")

// icaSeed fixes the random initialization so identical input and
// configuration always produce identical output.
const icaSeed = 42

// RemoveArtifacts decomposes the EEG channels into independent
// components, zeroes components that track an ocular proxy channel or
// whose kurtosis marks them as non-stationary spikes, and writes the
// reconstructed signal back over the EEG rows of data. Non-EEG rows
// are never touched. Returns the number of components removed.
func RemoveArtifacts(data [][]float64, eegIdx, ocularIdx []int, cfg ArtifactConfig) (int, error) {
	if len(eegIdx) < 2 {
		return 0, fmt.Errorf("need at least 2 EEG channels, have %d", len(eegIdx))
	}
	n := len(data[eegIdx[0]])
	if n < len(eegIdx) {
		return 0, fmt.Errorf("too few samples (%d) for %d-channel decomposition", n, len(eegIdx))
	}

	// center a working copy of the EEG rows
	c := len(eegIdx)
	x := make([][]float64, c)
	means := make([]float64, c)
	for i, ch := range eegIdx {
		row := make([]float64, n)
		copy(row, data[ch])
		m := mean(row)
		for k := range row {
			row[k] -= m
		}
		x[i] = row
		means[i] = m
	}

	// whiten: project onto the leading principal components and scale
	// each to unit variance
	cov := covariance(x)
	vals, vecs := jacobiEigen(cov)
	keep := leadingComponents(vals, cfg.VarianceKeep)
	if len(keep) < 2 {
		return 0, fmt.Errorf("signal rank too low for decomposition (%d usable components)", len(keep))
	}
	m := len(keep)

	white := make([][]float64, m) // m x c projection
	for i, ki := range keep {
		row := make([]float64, c)
		scale := 1 / math.Sqrt(vals[ki])
		for k := 0; k < c; k++ {
			row[k] = vecs[k][ki] * scale
		}
		white[i] = row
	}
	z := matMul(white, x) // m x n, unit covariance

	b, err := fastICA(z, cfg.MaxIter, cfg.Tolerance)
	if err != nil {
		return 0, err
	}

	sources := matMul(b, z) // m x n

	flagged := selectArtifacts(sources, data, ocularIdx, cfg)
	if len(flagged) == 0 {
		// reconstruction without whitening losses is pointless when
		// nothing was removed
		return 0, nil
	}
	for _, i := range flagged {
		for k := range sources[i] {
			sources[i][k] = 0
		}
	}

	// mixing matrix: undo the rotation, then undo the whitening
	mixing := make([][]float64, c) // c x m
	for ch := 0; ch < c; ch++ {
		row := make([]float64, m)
		for i, ki := range keep {
			scale := math.Sqrt(vals[ki])
			for j := 0; j < m; j++ {
				row[j] += vecs[ch][ki] * scale * b[j][i]
			}
		}
		mixing[ch] = row
	}

	clean := matMul(mixing, sources) // c x n
	for i, ch := range eegIdx {
		for k := 0; k < n; k++ {
			data[ch][k] = clean[i][k] + means[i]
		}
	}

	return len(flagged), nil
}

// fastICA runs the symmetric fixed-point iteration with a tanh
// nonlinearity on whitened data, returning the orthogonal unmixing
// rotation.
func fastICA(z [][]float64, maxIter int, tol float64) ([][]float64, error) {
	m, n := len(z), len(z[0])
	rng := rand.New(rand.NewSource(icaSeed))

	b := make([][]float64, m)
	for i := range b {
		b[i] = make([]float64, m)
		for j := range b[i] {
			b[i][j] = rng.NormFloat64()
		}
	}
	b, err := orthonormalize(b)
	if err != nil {
		return nil, err
	}

	for iter := 0; iter < maxIter; iter++ {
		y := matMul(b, z) // m x n projections

		// g = tanh(y), reused buffer; gPrime row means accumulate as we go
		gPrimeMean := make([]float64, m)
		for i := range y {
			var acc float64
			for k := 0; k < n; k++ {
				g := math.Tanh(y[i][k])
				y[i][k] = g
				acc += 1 - g*g
			}
			gPrimeMean[i] = acc / float64(n)
		}

		next := matMulABt(y, z) // m x m
		for i := range next {
			for j := range next[i] {
				next[i][j] = next[i][j]/float64(n) - gPrimeMean[i]*b[i][j]
			}
		}

		next, err = orthonormalize(next)
		if err != nil {
			return nil, err
		}

		// convergence: every component direction stable up to sign
		delta := 0.0
		for i := range next {
			var dot float64
			for j := range next[i] {
				dot += next[i][j] * b[i][j]
			}
			if d := math.Abs(math.Abs(dot) - 1); d > delta {
				delta = d
			}
		}
		b = next
		if delta < tol {
			return b, nil
		}
	}

	return nil, ErrNoConvergence
}

// selectArtifacts flags source components correlated with an ocular
// channel or exceeding the kurtosis threshold.
func selectArtifacts(sources, data [][]float64, ocularIdx []int, cfg ArtifactConfig) []int {
	var flagged []int
	for i, src := range sources {
		bad := false
		for _, oc := range ocularIdx {
			if math.Abs(correlation(src, data[oc])) > cfg.CorrThreshold {
				bad = true
				break
			}
		}
		if !bad && cfg.KurtThreshold > 0 && kurtosis(src) > cfg.KurtThreshold {
			bad = true
		}
		if bad {
			flagged = append(flagged, i)
		}
	}
	return flagged
}

// orthonormalize performs symmetric decorrelation: M <- (M Mt)^(-1/2) M.
func orthonormalize(m [][]float64) ([][]float64, error) {
	k := matMulABt(m, m)
	vals, vecs := jacobiEigen(k)
	for _, v := range vals {
		if v <= 1e-12 {
			return nil, errors.New("degenerate rotation during decorrelation")
		}
	}

	dim := len(m)
	// W = V diag(1/sqrt(vals)) Vt
	w := make([][]float64, dim)
	for i := range w {
		w[i] = make([]float64, dim)
		for j := range w[i] {
			var acc float64
			for e := 0; e < dim; e++ {
				acc += vecs[i][e] * vecs[j][e] / math.Sqrt(vals[e])
			}
			w[i][j] = acc
		}
	}
	return matMul(w, m), nil
}

// leadingComponents picks eigenvalue indices, largest first, until the
// kept share of total variance reaches varianceKeep. Non-positive and
// numerically dead eigenvalues are never kept.
func leadingComponents(vals []float64, varianceKeep float64) []int {
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return vals[idx[a]] > vals[idx[b]] })

	var total float64
	for _, v := range vals {
		if v > 0 {
			total += v
		}
	}
	if total <= 0 {
		return nil
	}
	if varianceKeep <= 0 || varianceKeep > 1 {
		varianceKeep = 1
	}

	cutoff := vals[idx[0]] * 1e-10
	var keep []int
	var acc float64
	for _, i := range idx {
		if vals[i] <= cutoff {
			break
		}
		keep = append(keep, i)
		acc += vals[i]
		if acc/total >= varianceKeep {
			break
		}
	}
	return keep
}

// jacobiEigen diagonalizes a symmetric matrix by cyclic Jacobi
// rotations. Returns eigenvalues and the matrix whose columns are the
// matching eigenvectors.
func jacobiEigen(in [][]float64) ([]float64, [][]float64) {
	n := len(in)
	a := make([][]float64, n)
	v := make([][]float64, n)
	for i := 0; i < n; i++ {
		a[i] = append([]float64(nil), in[i]...)
		v[i] = make([]float64, n)
		v[i][i] = 1
	}

	for sweep := 0; sweep < 64; sweep++ {
		var off float64
		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				off += a[p][q] * a[p][q]
			}
		}
		if off < 1e-24 {
			break
		}

		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				apq := a[p][q]
				if math.Abs(apq) < 1e-30 {
					continue
				}
				theta := (a[q][q] - a[p][p]) / (2 * apq)
				t := 1 / (math.Abs(theta) + math.Sqrt(theta*theta+1))
				if theta < 0 {
					t = -t
				}
				c := 1 / math.Sqrt(t*t+1)
				s := t * c

				app, aqq := a[p][p], a[q][q]
				a[p][p] = app - t*apq
				a[q][q] = aqq + t*apq
				a[p][q], a[q][p] = 0, 0

				for k := 0; k < n; k++ {
					if k == p || k == q {
						continue
					}
					akp, akq := a[k][p], a[k][q]
					a[k][p] = c*akp - s*akq
					a[p][k] = a[k][p]
					a[k][q] = s*akp + c*akq
					a[q][k] = a[k][q]
				}
				for k := 0; k < n; k++ {
					vkp, vkq := v[k][p], v[k][q]
					v[k][p] = c*vkp - s*vkq
					v[k][q] = s*vkp + c*vkq
				}
			}
		}
	}

	vals := make([]float64, n)
	for i := 0; i < n; i++ {
		vals[i] = a[i][i]
	}
	return vals, v
}

func covariance(x [][]float64) [][]float64 {
	c, n := len(x), len(x[0])
	cov := make([][]float64, c)
	for i := range cov {
		cov[i] = make([]float64, c)
	}
	for i := 0; i < c; i++ {
		for j := i; j < c; j++ {
			var acc float64
			for k := 0; k < n; k++ {
				acc += x[i][k] * x[j][k]
			}
			cov[i][j] = acc / float64(n)
			cov[j][i] = cov[i][j]
		}
	}
	return cov
}

// matMul multiplies (p x q) by (q x r).
func matMul(a, b [][]float64) [][]float64 {
	p, q, r := len(a), len(b), len(b[0])
	out := make([][]float64, p)
	for i := 0; i < p; i++ {
		row := make([]float64, r)
		for k := 0; k < q; k++ {
			aik := a[i][k]
			if aik == 0 {
				continue
			}
			bk := b[k]
			for j := 0; j < r; j++ {
				row[j] += aik * bk[j]
			}
		}
		out[i] = row
	}
	return out
}

// matMulABt multiplies a by the transpose of b; both are (rows x n).
func matMulABt(a, b [][]float64) [][]float64 {
	p, r := len(a), len(b)
	out := make([][]float64, p)
	for i := 0; i < p; i++ {
		row := make([]float64, r)
		for j := 0; j < r; j++ {
			var acc float64
			for k := range a[i] {
				acc += a[i][k] * b[j][k]
			}
			row[j] = acc
		}
		out[i] = row
	}
	return out
}

func mean(x []float64) float64 {
	var acc float64
	for _, v := range x {
		acc += v
	}
	return acc / float64(len(x))
}

func stddev(x []float64, m float64) float64 {
	var acc float64
	for _, v := range x {
		d := v - m
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(x)))
}

func correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	ma, mb := mean(a[:n]), mean(b[:n])
	var num, da, db float64
	for k := 0; k < n; k++ {
		x, y := a[k]-ma, b[k]-mb
		num += x * y
		da += x * x
		db += y * y
	}
	if da == 0 || db == 0 {
		return 0
	}
	return num / math.Sqrt(da*db)
}

// kurtosis returns the excess kurtosis of x.
func kurtosis(x []float64) float64 {
	m := mean(x)
	sd := stddev(x, m)
	if sd == 0 {
		return 0
	}
	var acc float64
	for _, v := range x {
		d := (v - m) / sd
		acc += d * d * d * d
	}
	return acc/float64(len(x)) - 3
}
