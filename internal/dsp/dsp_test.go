package dsp

import (
	"math"
	"math/cmplx"
	"testing"
)

func TestDCBlockerRejectsConstantOffset(t *testing.T) {
	for _, r := range []float64{0.5, 0.9, 0.998} {
		b := NewDCBlocker(r)

		var out complex64
		for n := 0; n < 20000; n++ {
			out = b.Execute(complex(0.3, -0.2))
		}

		if math.Abs(float64(real(out))) > 1e-3 || math.Abs(float64(imag(out))) > 1e-3 {
			t.Errorf("r=%g: expected output near zero after settling, got %v", r, out)
		}
	}
}

func TestDCBlockerIsStateful(t *testing.T) {
	a := NewDCBlocker(DefaultPole)
	b := NewDCBlocker(DefaultPole)

	a.Execute(complex(1, 1))

	if a.Execute(complex(0.5, 0.5)) == b.Execute(complex(0.5, 0.5)) {
		t.Fatal("Expected different output for the same sample with different history")
	}

	a.Reset()
	b.Reset()
	if a.Execute(complex(0.5, 0.5)) != b.Execute(complex(0.5, 0.5)) {
		t.Fatal("Expected identical output after reset")
	}
}

func TestDCBlockerProcessMatchesExecute(t *testing.T) {
	samples := []complex64{1, complex(0.5, -1), complex(-0.25, 0.75), 0}
	want := make([]complex64, len(samples))

	ref := NewDCBlocker(DefaultPole)
	for n, s := range samples {
		want[n] = ref.Execute(s)
	}

	NewDCBlocker(DefaultPole).Process(samples)
	for n := range samples {
		if samples[n] != want[n] {
			t.Errorf("Sample %d: expected %v, got %v", n, want[n], samples[n])
		}
	}
}

func TestEstimateDCOffset(t *testing.T) {
	raw := make([]byte, 256)
	for n := range raw {
		if n%2 == 0 {
			raw[n] = 127
		} else {
			raw[n] = 128
		}
	}

	if got := EstimateDCOffset(raw); math.Abs(float64(got)) > 1e-6 {
		t.Errorf("Expected zero DC offset for balanced 127/128 input, got %g", got)
	}

	for n := range raw {
		raw[n] = 130
	}
	if got := EstimateDCOffset(raw); math.Abs(float64(got)-2.5) > 1e-6 {
		t.Errorf("Expected DC offset 2.5, got %g", got)
	}

	if got := EstimateDCOffset(nil); got != 0 {
		t.Errorf("Expected zero for empty input, got %g", got)
	}
}

func TestConverterFreezesOffsetOnFirstBuffer(t *testing.T) {
	c := NewConverter(true)

	first := []byte{130, 130, 130, 130}
	samples := c.Convert(first, nil)
	if !c.Frozen() {
		t.Fatal("Expected offset to be frozen after the first buffer")
	}
	if math.Abs(float64(c.Offset())-130) > 1e-6 {
		t.Fatalf("Expected offset 130, got %g", c.Offset())
	}
	for _, s := range samples {
		if s != 0 {
			t.Errorf("Expected compensated samples to be zero, got %v", s)
		}
	}

	// A later buffer with a different bias must not move the offset
	samples = c.Convert([]byte{200, 200}, samples)
	if math.Abs(float64(c.Offset())-130) > 1e-6 {
		t.Fatalf("Offset changed after the first buffer: %g", c.Offset())
	}
	want := float32(70) * Scale
	if len(samples) != 1 || math.Abs(float64(real(samples[0])-want)) > 1e-6 {
		t.Errorf("Expected one sample with I=%g, got %v", want, samples)
	}
}

func TestConverterWithoutEstimation(t *testing.T) {
	c := NewConverter(false)
	samples := c.Convert([]byte{0, 255, 128}, nil)

	if c.Offset() != CenterOffset {
		t.Fatalf("Expected offset to stay at %g, got %g", CenterOffset, c.Offset())
	}
	if len(samples) != 1 {
		t.Fatalf("Expected trailing byte to be ignored, got %d samples", len(samples))
	}
	if math.Abs(float64(real(samples[0]))+127.5/128) > 1e-6 || math.Abs(float64(imag(samples[0]))-127.5/128) > 1e-6 {
		t.Errorf("Unexpected normalized sample %v", samples[0])
	}
}

func tone(n, bin, length int, amplitude float64) []complex64 {
	out := make([]complex64, n)
	for k := range out {
		out[k] = complex64(cmplx.Rect(amplitude, 2*math.Pi*float64(bin*k)/float64(length)))
	}
	return out
}

func TestSpectralAveragerChunkInvariance(t *testing.T) {
	const length = 16
	samples := tone(1000, 3, length, 0.5)

	chunkings := [][]int{
		{1000},
		{1, 2, 3, 994},
		{15, 1, 17, 300, 667},
		{7, 7, 7, 7, 972},
	}

	var reference []float64
	for _, sizes := range chunkings {
		a, err := NewSpectralAverager(length)
		if err != nil {
			t.Fatalf("Failed to create averager: %v", err)
		}

		total := 0
		offset := 0
		for _, size := range sizes {
			total += a.PushSamples(samples[offset : offset+size])
			offset += size
		}

		if total != 1000/length {
			t.Errorf("Chunking %v: expected %d transforms, got %d", sizes, 1000/length, total)
		}
		if a.Transforms() != uint64(1000/length) || a.Pending() != 1000/length {
			t.Errorf("Chunking %v: counters out of step: transforms=%d pending=%d", sizes, a.Transforms(), a.Pending())
		}
		if a.Buffered() != 1000%length {
			t.Errorf("Chunking %v: expected %d buffered samples, got %d", sizes, 1000%length, a.Buffered())
		}

		avg, ok := a.DrainAverage(a.Pending(), nil)
		if !ok {
			t.Fatalf("Chunking %v: expected a drain", sizes)
		}
		if reference == nil {
			reference = append([]float64(nil), avg...)
			continue
		}
		for k := range avg {
			if math.Abs(avg[k]-reference[k]) > 1e-9 {
				t.Errorf("Chunking %v: bin %d differs: %g vs %g", sizes, k, avg[k], reference[k])
			}
		}
	}
}

func TestSpectralAveragerCentresSpectrum(t *testing.T) {
	const length = 64
	a, err := NewSpectralAverager(length)
	if err != nil {
		t.Fatalf("Failed to create averager: %v", err)
	}

	// A DC input must land in the middle bin
	dc := make([]complex64, length)
	for k := range dc {
		dc[k] = complex(0.5, 0)
	}
	a.PushSamples(dc)
	avg, ok := a.DrainAverage(1, nil)
	if !ok {
		t.Fatal("Expected a completed interval")
	}
	if math.Abs(avg[length/2]-0.25) > 1e-6 {
		t.Errorf("Expected DC power 0.25 in bin %d, got %g", length/2, avg[length/2])
	}
	if avg[0] > 1e-9 {
		t.Errorf("Expected bin 0 to be empty for DC input, got %g", avg[0])
	}

	// A tone at +10 bins lands ten bins above the centre
	a.PushSamples(tone(length, 10, length, 0.5))
	avg, _ = a.DrainAverage(1, avg)
	peak := 0
	for k := range avg {
		if avg[k] > avg[peak] {
			peak = k
		}
	}
	if peak != length/2+10 {
		t.Errorf("Expected tone peak at bin %d, got %d", length/2+10, peak)
	}
	if math.Abs(avg[peak]-0.25) > 1e-5 {
		t.Errorf("Expected tone power 0.25, got %g", avg[peak])
	}
}

func TestSpectralAveragerDrain(t *testing.T) {
	const length = 8
	a, err := NewSpectralAverager(length)
	if err != nil {
		t.Fatalf("Failed to create averager: %v", err)
	}

	a.PushSamples(make([]complex64, 5*length))

	if _, ok := a.DrainAverage(6, nil); ok {
		t.Fatal("Drain must not happen with fewer pending values than the average length")
	}
	if a.Pending() != 5 {
		t.Fatalf("Failed drain must not consume values, pending=%d", a.Pending())
	}

	if _, ok := a.DrainAverage(2, nil); !ok {
		t.Fatal("Expected first drain")
	}
	if a.Pending() != 3 {
		t.Errorf("Expected backlog to shrink by exactly 2, pending=%d", a.Pending())
	}

	if _, ok := a.DrainAverage(2, nil); !ok {
		t.Fatal("Expected second drain")
	}
	if _, ok := a.DrainAverage(2, nil); ok {
		t.Fatal("Expected third drain to wait for more blocks")
	}
	if a.Pending() != 1 {
		t.Errorf("Expected remaining backlog of 1, pending=%d", a.Pending())
	}

	if _, ok := a.DrainAverage(0, nil); ok {
		t.Error("Zero average length must never drain")
	}
}

func TestSpectralAveragerMeanOverInterval(t *testing.T) {
	const length = 4
	a, err := NewSpectralAverager(length)
	if err != nil {
		t.Fatalf("Failed to create averager: %v", err)
	}

	loud := make([]complex64, length)
	for k := range loud {
		loud[k] = 1
	}

	a.PushSamples(loud)                        // DC power 1 in the centre bin
	a.PushSamples(make([]complex64, length))   // silence
	a.PushSamples(make([]complex64, length*2)) // two more blocks of silence

	avg, ok := a.DrainAverage(2, nil)
	if !ok {
		t.Fatal("Expected a drain")
	}
	if math.Abs(avg[length/2]-0.5) > 1e-9 {
		t.Errorf("Expected mean power 0.5 over two blocks, got %g", avg[length/2])
	}

	avg, ok = a.DrainAverage(2, avg)
	if !ok {
		t.Fatal("Expected a second drain")
	}
	if avg[length/2] != 0 {
		t.Errorf("Expected silent second interval, got %g", avg[length/2])
	}
}

func TestSpectralAveragerBacklogGrowthKeepsOrder(t *testing.T) {
	const length = 2
	a, err := NewSpectralAverager(length)
	if err != nil {
		t.Fatalf("Failed to create averager: %v", err)
	}

	// Interleave drains and pushes so the ring wraps before it grows
	a.PushSamples(make([]complex64, 6*length))
	if _, ok := a.DrainAverage(5, nil); !ok {
		t.Fatal("Expected a drain")
	}

	// Block power of the constant amplitude v is v^2 in the DC bin
	for v := 1; v <= 20; v++ {
		block := []complex64{complex(float32(v), 0), complex(float32(v), 0)}
		a.PushSamples(block)
	}

	// Pending: one silent block then v=1..20
	avg, ok := a.DrainAverage(1, nil)
	if !ok || avg[1] != 0 {
		t.Fatalf("Expected the silent block first, got %v", avg)
	}
	for v := 1; v <= 20; v++ {
		avg, ok = a.DrainAverage(1, avg)
		if !ok {
			t.Fatalf("Expected block %d", v)
		}
		if want := float64(v * v); math.Abs(avg[1]-want) > 1e-6 {
			t.Fatalf("Block %d out of order: expected %g, got %g", v, want, avg[1])
		}
	}
}

func TestSpectralAveragerSetLengthResets(t *testing.T) {
	a, err := NewSpectralAverager(8)
	if err != nil {
		t.Fatalf("Failed to create averager: %v", err)
	}

	a.PushSamples(make([]complex64, 8*3+5))
	if err := a.SetLength(16); err != nil {
		t.Fatalf("Failed to change length: %v", err)
	}

	if a.Pending() != 0 || a.Transforms() != 0 || a.Buffered() != 0 {
		t.Errorf("Expected clean state after length change: pending=%d transforms=%d buffered=%d",
			a.Pending(), a.Transforms(), a.Buffered())
	}
	if a.Length() != 16 {
		t.Errorf("Expected length 16, got %d", a.Length())
	}

	if got := a.PushSamples(make([]complex64, 15)); got != 0 {
		t.Errorf("Expected no transform before 16 samples, got %d", got)
	}
	if got := a.PushSamples(make([]complex64, 1)); got != 1 {
		t.Errorf("Expected one transform at 16 samples, got %d", got)
	}
}

func TestSpectralAveragerRejectsBadLength(t *testing.T) {
	for _, length := range []int{-2, 0, 1, 7} {
		if _, err := NewSpectralAverager(length); err == nil {
			t.Errorf("Expected error for length %d", length)
		}
	}
}
