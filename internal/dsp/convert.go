package dsp

const (
	// CenterOffset is the theoretical zero level of unsigned 8-bit IQ samples
	CenterOffset = 127.5

	// Scale normalizes centred 8-bit samples to roughly [-1, 1]
	Scale = 1.0 / 128.0
)

// EstimateDCOffset returns the mean bias of interleaved u8 IQ data around CenterOffset.
// I and Q bytes are averaged together.
func EstimateDCOffset(raw []byte) float32 {
	if len(raw) == 0 {
		return 0
	}

	var sum float64
	for _, b := range raw {
		sum += float64(b) - CenterOffset
	}
	return float32(sum / float64(len(raw)))
}

// Converter turns raw interleaved u8 IQ buffers into normalized complex samples:
// value = (raw - offset) * Scale.
//
// When estimation is enabled the offset is refined once, from the first buffer
// converted, and then frozen for the lifetime of the converter.
type Converter struct {
	estimate bool
	frozen   bool
	dc       float32
	offset   float32
}

// NewConverter creates a converter. With estimate false the offset stays at CenterOffset.
func NewConverter(estimate bool) *Converter {
	return &Converter{
		estimate: estimate,
		frozen:   !estimate,
		offset:   CenterOffset,
	}
}

// Convert normalizes raw into dst, reusing its capacity, and returns the filled slice.
// A trailing unpaired byte is ignored.
func (c *Converter) Convert(raw []byte, dst []complex64) []complex64 {
	if !c.frozen && len(raw) >= 2 {
		c.dc = EstimateDCOffset(raw[:len(raw)&^1])
		c.offset = CenterOffset + c.dc
		c.frozen = true
	}

	n := len(raw) / 2
	if cap(dst) < n {
		dst = make([]complex64, n)
	}
	dst = dst[:n]

	offset := c.offset
	for k := 0; k < n; k++ {
		i := (float32(raw[2*k]) - offset) * Scale
		q := (float32(raw[2*k+1]) - offset) * Scale
		dst[k] = complex(i, q)
	}
	return dst
}

// DCOffset returns the measured bias added to CenterOffset (zero until estimated)
func (c *Converter) DCOffset() float32 {
	return c.dc
}

// Offset returns the value subtracted from every raw byte
func (c *Converter) Offset() float32 {
	return c.offset
}

// Frozen reports whether the offset is final
func (c *Converter) Frozen() bool {
	return c.frozen
}

// Estimating reports whether DC compensation from the first buffer is enabled
func (c *Converter) Estimating() bool {
	return c.estimate
}
