package dsp

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
)

// SpectralAverager frames complex samples into blocks of the transform length,
// transforms every complete block and keeps a per-bin backlog of magnitude-squared
// power values that DrainAverage consumes in batches.
//
// Partial blocks persist across PushSamples calls. There is no windowing,
// zero-padding or overlap. Even block positions are negated before the transform,
// which shifts the spectrum by half the band so the RF centre lands in the middle
// bin (index N/2) instead of at the band edge.
type SpectralAverager struct {
	length int
	fft    *fourier.CmplxFFT
	in     []complex128
	out    []complex128
	head   int

	transforms uint64
	backlog    powerBacklog
}

// NewSpectralAverager creates an averager for the given transform length
func NewSpectralAverager(length int) (*SpectralAverager, error) {
	a := &SpectralAverager{}
	if err := a.SetLength(length); err != nil {
		return nil, err
	}
	return a, nil
}

// SetLength changes the transform length. All partial blocks, backlogs and
// counters are discarded.
func (a *SpectralAverager) SetLength(length int) error {
	if length < 2 || length%2 != 0 {
		return fmt.Errorf("transform length must be even and at least 2: %d given", length)
	}

	a.length = length
	a.fft = fourier.NewCmplxFFT(length)
	a.in = make([]complex128, length)
	a.out = make([]complex128, length)
	a.Reset()
	return nil
}

// Reset drops the partial block, the backlog and the transform counter
func (a *SpectralAverager) Reset() {
	a.head = 0
	a.transforms = 0
	a.backlog.reset(a.length)
}

// Length returns the transform length N
func (a *SpectralAverager) Length() int {
	return a.length
}

// Transforms returns the number of blocks transformed since the last reset
func (a *SpectralAverager) Transforms() uint64 {
	return a.transforms
}

// Pending returns the number of power values waiting in every bin's backlog
func (a *SpectralAverager) Pending() int {
	return a.backlog.count
}

// Buffered returns the number of samples in the current partial block
func (a *SpectralAverager) Buffered() int {
	return a.head
}

// PushSamples appends samples to the current block and transforms each block that
// becomes full. It returns the number of blocks completed by this call.
func (a *SpectralAverager) PushSamples(samples []complex64) int {
	completed := 0

	for _, s := range samples {
		v := complex128(s)
		if a.head%2 == 0 {
			v = -v
		}
		a.in[a.head] = v

		a.head++
		if a.head == a.length {
			a.head = 0
			a.transform()
			completed++
		}
	}

	return completed
}

func (a *SpectralAverager) transform() {
	a.fft.Coefficients(a.out, a.in)
	a.transforms++

	row := a.backlog.push()
	scale := 1 / float64(a.length)
	for k, c := range a.out {
		re := real(c) * scale
		im := imag(c) * scale
		row[k] = re*re + im*im
	}
}

// DrainAverage consumes averageLength values from every bin and writes their mean
// into dst, reusing its capacity. It returns false, leaving the backlog untouched,
// while fewer than averageLength values are pending. Callers repeat it until it
// returns false since one input burst may complete several intervals.
func (a *SpectralAverager) DrainAverage(averageLength int, dst []float64) ([]float64, bool) {
	if averageLength < 1 || a.backlog.count < averageLength {
		return dst, false
	}

	if cap(dst) < a.length {
		dst = make([]float64, a.length)
	}
	dst = dst[:a.length]
	clear(dst)

	for n := 0; n < averageLength; n++ {
		row := a.backlog.row(n)
		for k, p := range row {
			dst[k] += p
		}
	}
	a.backlog.drop(averageLength)

	inv := 1 / float64(averageLength)
	for k := range dst {
		dst[k] *= inv
	}
	return dst, true
}

// powerBacklog is a FIFO of per-block power rows. All bins share one row index so
// every bin always holds the same number of values and drains happen together.
type powerBacklog struct {
	bins  int
	rows  [][]float64
	start int
	count int
}

func (b *powerBacklog) reset(bins int) {
	if b.bins != bins {
		b.rows = nil
	}
	b.bins = bins
	b.start = 0
	b.count = 0
}

// push returns the row to fill for the next block, growing the ring when full
func (b *powerBacklog) push() []float64 {
	if b.count == len(b.rows) {
		b.grow()
	}
	row := b.rows[(b.start+b.count)%len(b.rows)]
	b.count++
	return row
}

func (b *powerBacklog) grow() {
	size := len(b.rows) * 2
	if size == 0 {
		size = 8
	}

	rows := make([][]float64, size)
	for n := 0; n < b.count; n++ {
		rows[n] = b.rows[(b.start+n)%len(b.rows)]
	}
	for n := b.count; n < size; n++ {
		rows[n] = make([]float64, b.bins)
	}

	b.rows = rows
	b.start = 0
}

// row returns the n-th oldest pending row
func (b *powerBacklog) row(n int) []float64 {
	return b.rows[(b.start+n)%len(b.rows)]
}

func (b *powerBacklog) drop(n int) {
	b.start = (b.start + n) % len(b.rows)
	b.count -= n
}
