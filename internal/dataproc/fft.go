package dataproc

import "math/cmplx"

// fft computes the discrete Fourier transform of x in place, using an
// iterative radix-2 Cooley-Tukey algorithm. len(x) must be a power of
// two. The half-sine model is built with N samples (2048 by default,
// matching original_source/hsfitter.py's fixed bin count); data
// columns are transformed at the length the caller passes, and a
// length that is not a power of two panics.
func fft(x []complex128) []complex128 {
	n := len(x)
	out := make([]complex128, n)
	copy(out, x)
	if n <= 1 {
		return out
	}
	if n&(n-1) != 0 {
		panic("dataproc: fft requires a power-of-two length")
	}

	// bit-reversal permutation
	for i, j := 0, 0; i < n; i++ {
		if i < j {
			out[i], out[j] = out[j], out[i]
		}
		bit := n >> 1
		for ; bit > 0 && j&bit != 0; bit >>= 1 {
			j &^= bit
		}
		j |= bit
	}

	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		theta := -2 * 3.141592653589793 / float64(size)
		wStep := cmplx.Exp(complex(0, theta))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < half; k++ {
				a := out[start+k]
				b := out[start+k+half] * w
				out[start+k] = a + b
				out[start+k+half] = a - b
				w *= wStep
			}
		}
	}
	return out
}

// realFFT is a convenience wrapper for real-valued input columns.
func realFFT(x []float64) []complex128 {
	c := make([]complex128, len(x))
	for i, v := range x {
		c[i] = complex(v, 0)
	}
	return fft(c)
}

// abs2 returns the squared magnitude of each complex coefficient,
// matching hsfitter.py's numba-vectorized abs2 helper.
func abs2(c []complex128) []float64 {
	out := make([]float64, len(c))
	for i, v := range c {
		out[i] = real(v)*real(v) + imag(v)*imag(v)
	}
	return out
}

func dotf(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
