// Package dsp implements the streaming sample-processing stages of the receiver:
// raw IQ normalization, DC blocking and averaged power spectra.
package dsp

// DefaultPole is the DC blocker pole used when none is configured
const DefaultPole = 0.998

// DCBlocker is a single-pole IIR high-pass filter applied to the I and Q rails
// independently: y[n] = x[n] - x[n-1] + r*y[n-1].
//
// The filter is stateful; every sample of the stream must pass through it exactly
// once, in arrival order.
type DCBlocker struct {
	r      float32
	xi, xq float32 // previous input
	yi, yq float32 // previous output
}

// NewDCBlocker creates a DC blocker with pole r, which must lie in (0, 1)
func NewDCBlocker(r float64) *DCBlocker {
	return &DCBlocker{r: float32(r)}
}

// Execute filters one sample and returns the result
func (b *DCBlocker) Execute(s complex64) complex64 {
	i, q := real(s), imag(s)

	b.yi = i - b.xi + b.r*b.yi
	b.xi = i

	b.yq = q - b.xq + b.r*b.yq
	b.xq = q

	return complex(b.yi, b.yq)
}

// Process filters samples in place
func (b *DCBlocker) Process(samples []complex64) {
	for n, s := range samples {
		samples[n] = b.Execute(s)
	}
}

// Reset clears the filter memory
func (b *DCBlocker) Reset() {
	b.xi, b.xq, b.yi, b.yq = 0, 0, 0, 0
}
