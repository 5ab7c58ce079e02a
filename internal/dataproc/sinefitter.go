package dataproc

import "math"

// SineFitter fits the amplitude of a sinusoidal stimulus at a known
// frequency against a polynomial baseline, inferred from calib.py's
// usage (SineFitter(N, FREQ, NHARM, NPOLY).fit(yall, flabel, freq,
// stage)) — the class body itself was not present in the retrieved
// sources, so the projection below is this repo's own least-squares
// reconstruction of "amplitude of a known-frequency sine plus an
// NPOLY-degree drift", not a literal translation. See DESIGN.md.
type SineFitter struct {
	n     int
	freq  float64 // ADC sampling rate in MHz
	nharm int
	npoly int
}

// NewSineFitter builds a fitter over N-sample columns sampled at
// freqMHz MSa/s, projecting out nharm harmonics and an npoly-degree
// polynomial baseline.
func NewSineFitter(n int, freqMHz float64, nharm, npoly int) *SineFitter {
	if nharm < 1 {
		nharm = 1
	}
	if npoly < 1 {
		npoly = 1
	}
	return &SineFitter{n: n, freq: freqMHz, nharm: nharm, npoly: npoly}
}

// SineFitResult holds the fundamental amplitude, fit residual (chi),
// and the raw harmonic/polynomial coefficients per column.
type SineFitResult struct {
	Ampli  []float64
	Chi    []float64
	Params [][]float64 // per column: [cos1, sin1, ..., cosH, sinH, poly0, ..., polyP]
}

// Fit performs an ordinary least-squares decomposition of each column
// in yall against sin/cos at stimFreqHz (and its harmonics up to
// nharm) plus a Vandermonde polynomial baseline up to npoly, matching
// calib.py's x = (2*t+1)/N - 1 basis convention for the drift term.
func (s *SineFitter) Fit(yall [][]float64, stimFreqHz float64) SineFitResult {
	ncol := len(yall)
	nbasis := 2*s.nharm + s.npoly + 1
	omega := 2 * math.Pi * stimFreqHz / (s.freq * 1e6)

	basis := make([][]float64, s.n)
	for t := 0; t < s.n; t++ {
		row := make([]float64, nbasis)
		for h := 1; h <= s.nharm; h++ {
			row[2*(h-1)] = math.Cos(float64(h) * omega * float64(t))
			row[2*(h-1)+1] = math.Sin(float64(h) * omega * float64(t))
		}
		x := (2*float64(t) + 1) / float64(s.n) - 1
		xp := 1.0
		for p := 0; p <= s.npoly; p++ {
			row[2*s.nharm+p] = xp
			xp *= x
		}
		basis[t] = row
	}

	res := SineFitResult{Ampli: make([]float64, ncol), Chi: make([]float64, ncol), Params: make([][]float64, ncol)}
	for ci, col := range yall {
		params, resid := leastSquares(basis, col, nbasis)
		res.Params[ci] = params
		var chi float64
		for _, r := range resid {
			chi += r * r
		}
		res.Chi[ci] = math.Sqrt(chi / float64(s.n))
		res.Ampli[ci] = math.Hypot(params[0], params[1])
	}
	return res
}

// leastSquares solves the normal equations for basis*params = y via
// Gaussian elimination (nbasis is small: 2*nharm+npoly+1 terms), then
// returns the fitted parameters and the residual y - basis*params.
func leastSquares(basis [][]float64, y []float64, nbasis int) (params, residual []float64) {
	n := len(y)
	ata := make([][]float64, nbasis)
	atb := make([]float64, nbasis)
	for i := 0; i < nbasis; i++ {
		ata[i] = make([]float64, nbasis)
		for j := 0; j < nbasis; j++ {
			var sum float64
			for t := 0; t < n; t++ {
				sum += basis[t][i] * basis[t][j]
			}
			ata[i][j] = sum
		}
		var sum float64
		for t := 0; t < n; t++ {
			sum += basis[t][i] * y[t]
		}
		atb[i] = sum
	}

	params = solveLinear(ata, atb)
	residual = make([]float64, n)
	for t := 0; t < n; t++ {
		var pred float64
		for i := 0; i < nbasis; i++ {
			pred += basis[t][i] * params[i]
		}
		residual[t] = y[t] - pred
	}
	return params, residual
}

// solveLinear solves a*x = b for small, well-conditioned square
// systems via Gaussian elimination with partial pivoting.
func solveLinear(a [][]float64, b []float64) []float64 {
	n := len(b)
	m := make([][]float64, n)
	for i := range a {
		row := make([]float64, n+1)
		copy(row, a[i])
		row[n] = b[i]
		m[i] = row
	}
	for col := 0; col < n; col++ {
		piv := col
		for r := col + 1; r < n; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[piv][col]) {
				piv = r
			}
		}
		m[col], m[piv] = m[piv], m[col]
		if m[col][col] == 0 {
			continue
		}
		for r := col + 1; r < n; r++ {
			factor := m[r][col] / m[col][col]
			for c := col; c <= n; c++ {
				m[r][c] -= factor * m[col][c]
			}
		}
	}
	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := m[r][n]
		for c := r + 1; c < n; c++ {
			sum -= m[r][c] * x[c]
		}
		if m[r][r] != 0 {
			x[r] = sum / m[r][r]
		}
	}
	return x
}
