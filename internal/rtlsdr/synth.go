package rtlsdr

import (
	"math"
	"math/rand/v2"
	"time"
)

// Keying is an on/off transmit pattern: Clicks carriers of On separated by Off,
// followed by Pause of silence before the pattern repeats.
type Keying struct {
	On     time.Duration
	Off    time.Duration
	Clicks int
	Pause  time.Duration
}

// DefaultKeying is five 100 ms clicks 200 ms apart every 10 seconds
var DefaultKeying = Keying{
	On:     100 * time.Millisecond,
	Off:    200 * time.Millisecond,
	Clicks: 5,
	Pause:  8500 * time.Millisecond,
}

// Synthesizer produces raw u8 IQ bytes of a keyed carrier offset from the tuned
// frequency, on top of uniform noise of a few LSB.
type Synthesizer struct {
	step      float64 // carrier phase increment per sample
	phase     float64
	amplitude float64 // carrier amplitude in LSB
	noise     float64 // peak noise in LSB

	on, period, group, cycle uint64 // keying in samples
	position                 uint64
	rng                      *rand.Rand
}

// NewSynthesizer creates a synthesizer for sampleRate with the carrier offsetHz
// from the centre
func NewSynthesizer(sampleRate uint32, offsetHz float64, keying Keying) *Synthesizer {
	rate := float64(sampleRate)
	samples := func(d time.Duration) uint64 {
		return uint64(math.Round(d.Seconds() * rate))
	}

	s := &Synthesizer{
		step:      2 * math.Pi * offsetHz / rate,
		amplitude: 60,
		noise:     1.5,
		on:        samples(keying.On),
		period:    samples(keying.On + keying.Off),
		rng:       rand.New(rand.NewPCG(uint64(sampleRate), 0x41524341)),
	}
	s.group = s.period * uint64(max(keying.Clicks, 0))
	s.cycle = s.group + samples(keying.Pause)
	return s
}

// Keyed reports whether the carrier is on at sample position n
func (s *Synthesizer) Keyed(n uint64) bool {
	if s.cycle == 0 || s.period == 0 {
		return false
	}
	pos := n % s.cycle
	if pos >= s.group {
		return false
	}
	return pos%s.period < s.on
}

// Fill writes len(buf)/2 samples of interleaved IQ into buf
func (s *Synthesizer) Fill(buf []byte) {
	for k := 0; k+1 < len(buf); k += 2 {
		i := CenterLevel + s.noise*(2*s.rng.Float64()-1)
		q := CenterLevel + s.noise*(2*s.rng.Float64()-1)

		if s.Keyed(s.position) {
			i += s.amplitude * math.Cos(s.phase)
			q += s.amplitude * math.Sin(s.phase)
		}
		s.phase = math.Mod(s.phase+s.step, 2*math.Pi)
		s.position++

		buf[k] = quantize(i)
		buf[k+1] = quantize(q)
	}
}

// Position returns the number of samples produced
func (s *Synthesizer) Position() uint64 {
	return s.position
}

// CenterLevel is the zero level of u8 IQ samples
const CenterLevel = 127.5

func quantize(v float64) byte {
	return byte(math.Round(min(max(v, 0), 255)))
}
