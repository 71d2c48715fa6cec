// Package waterfall renders averaged spectra as one line of text per interval:
// each bin becomes a greyscale character, optionally coloured with ANSI codes,
// framed by a periodic UTC timestamp and the peak and total power in dB.
package waterfall

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"golang.org/x/term"

	"arcal-receiver/internal/config"
)

const (
	greyscale = " .:-=+*#%@"

	// floorDB replaces the logarithm of zero power
	floorDB = -200.0

	reset = "\033[0;0m"
)

var colors = [len(greyscale)]int{34, 34, 34, 34, 32, 32, 33, 33, 31, 31}

// Renderer writes waterfall lines to an io.Writer. It implements
// pipeline.SpectrumRenderer and must only be fed from one goroutine.
type Renderer struct {
	out       io.Writer
	reference float64
	scale     float64
	every     time.Duration
	showMax   bool
	showTotal bool
	color     bool

	now  func() time.Time
	last time.Time
	line []byte
}

// New creates a renderer for out. Colour "auto" is enabled when out is a terminal.
func New(out io.Writer, cfg config.WaterfallConfig) *Renderer {
	r := &Renderer{
		out:       out,
		reference: cfg.ReferenceLevel,
		scale:     cfg.Scale,
		every:     cfg.TimestampEvery,
		showMax:   cfg.ShowMax,
		showTotal: cfg.ShowTotal,
		now:       time.Now,
	}

	switch cfg.Color {
	case "always":
		r.color = true
	case "auto":
		r.color = isTerminal(out)
	}
	return r
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Level maps a power in dB above the reference level to a greyscale index 0..9
func (r *Renderer) Level(db float64) int {
	top := r.scale * float64(len(greyscale)-1)
	switch {
	case !(db > 0):
		return 0
	case db >= top:
		return len(greyscale) - 1
	}
	return int(float64(len(greyscale)-1) * db / top)
}

// PublishSpectrum writes one line for an averaged interval
func (r *Renderer) PublishSpectrum(bins []float64, total float64) {
	line := r.line[:0]

	if r.every > 0 {
		now := r.now()
		if r.last.IsZero() || now.Sub(r.last) >= r.every {
			r.last = now
			line = r.appendColor(line, -1)
			line = now.UTC().AppendFormat(line, "[15:04:05]    ")
		} else {
			line = append(line, "              "...)
		}
	}

	var peak float64
	for n, p := range bins {
		if n == 0 || p > peak {
			peak = p
		}
		level := r.Level(decibels(p) - r.reference)
		line = r.appendColor(line, level)
		line = append(line, greyscale[level])
	}

	if r.showMax {
		db := decibels(peak)
		line = append(line, "    "...)
		line = r.appendColor(line, -1)
		line = append(line, "Max: "...)
		line = r.appendColor(line, r.Level(db-r.reference))
		line = fmt.Appendf(line, "%+.4f", db)
	}

	if r.showTotal {
		db := decibels(total)
		line = append(line, "    "...)
		line = r.appendColor(line, -1)
		line = append(line, "Total: "...)
		line = r.appendColor(line, r.Level(db-r.reference))
		line = fmt.Appendf(line, "%+.4f", db)
	}

	if r.color {
		line = append(line, reset...)
	}
	line = append(line, '\n')

	r.line = line
	r.out.Write(line)
}

// appendColor appends the escape for a greyscale level, or the reset for -1
func (r *Renderer) appendColor(line []byte, level int) []byte {
	if !r.color {
		return line
	}
	if level < 0 {
		return append(line, reset...)
	}
	return fmt.Appendf(line, "\033[0;%dm", colors[level])
}

func decibels(p float64) float64 {
	if !(p > 0) {
		return floorDB
	}
	return 10 * math.Log10(p)
}
