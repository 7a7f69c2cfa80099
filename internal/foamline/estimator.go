// Package foamline estimates the row where the foam head of a poured stout
// meets the liquid below it.
//
// The estimator works on a narrow vertical strip of grayscale pixels cut from
// the centre of the logo box. It blurs the strip, binarises it with an Otsu
// threshold, collapses every row to its mean and takes the sharpest
// row-to-row change as the foam line.
package foamline

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// DefaultStripWidth is the width in pixels of the column strip.
	DefaultStripWidth = 5
	// DefaultMinGradient is the smallest peak gradient (0-255 scale) accepted
	// as a transition: one fifth of a row has to flip.
	DefaultMinGradient = 51.0
	// DefaultMinContrast is the smallest gap between the Otsu class means.
	DefaultMinContrast = 8.0
)

var (
	// ErrNoTransition reports a strip without a visible foam/liquid boundary.
	ErrNoTransition = errors.New("foamline: no foam/liquid transition detected")
	// ErrStripTooSmall reports a strip that cannot carry a gradient.
	ErrStripTooSmall = errors.New("foamline: strip needs at least two rows and one column")
)

// Options tunes the estimator.
type Options struct {
	MinGradient float64
	MinContrast float64
	// Sink receives intermediate images. Nil disables capture.
	Sink DebugSink
}

// DefaultOptions returns the production thresholds without a debug sink.
func DefaultOptions() Options {
	return Options{
		MinGradient: DefaultMinGradient,
		MinContrast: DefaultMinContrast,
	}
}

// Measurement is the full outcome of one estimation.
type Measurement struct {
	// Row is the foam line in the strip's coordinate frame (global image rows).
	Row       int
	Threshold uint8
	Contrast  float64
	Peak      float64
	Profile   []float64
}

// Estimate returns the global image row of the foam line in strip.
//
// A step against the first or last row of the strip is reported one row
// inwards: the reflected blur leaves the single edge row and its neighbour on
// the same side of the Otsu threshold. A two-row strip blurs to a constant
// and yields ErrNoTransition.
func Estimate(strip *image.Gray, opts Options) (int, error) {
	m, err := Measure(strip, opts)
	if err != nil {
		return 0, err
	}
	return m.Row, nil
}

// Measure runs the estimator and returns every intermediate figure. On
// ErrNoTransition the returned Measurement is still populated.
func Measure(strip *image.Gray, opts Options) (Measurement, error) {
	if strip == nil {
		return Measurement{}, ErrStripTooSmall
	}
	b := strip.Bounds()
	if b.Dx() < 1 || b.Dy() < 2 {
		return Measurement{}, ErrStripTooSmall
	}

	capture(opts.Sink, StageStrip, strip)

	blurred := gaussianBlur3(strip)
	capture(opts.Sink, StageBlurred, blurred)

	threshold, contrast := otsuThreshold(blurred)
	binary := binarize(blurred, threshold)
	capture(opts.Sink, StageBinary, binary)

	profile := rowProfile(binary)
	gradient := absGradient(profile)
	peakIdx := floats.MaxIdx(gradient)

	m := Measurement{
		// the transition sits between peakIdx and peakIdx+1; the foam line is
		// the first row of the lower region
		Row:       b.Min.Y + peakIdx + 1,
		Threshold: threshold,
		Contrast:  contrast,
		Peak:      gradient[peakIdx],
		Profile:   profile,
	}

	if m.Contrast < opts.MinContrast || m.Peak < opts.MinGradient {
		return m, fmt.Errorf("%w (peak gradient %.1f, class contrast %.1f)", ErrNoTransition, m.Peak, m.Contrast)
	}
	return m, nil
}

// rowProfile averages every row of g across its width.
func rowProfile(g *image.Gray) []float64 {
	b := g.Bounds()
	profile := make([]float64, b.Dy())
	row := make([]float64, b.Dx())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			row[x-b.Min.X] = float64(g.Pix[g.PixOffset(x, y)])
		}
		profile[y-b.Min.Y] = floats.Sum(row) / float64(len(row))
	}
	return profile
}

// absGradient returns |p[i+1]-p[i]|; len(p) must be at least 2.
func absGradient(p []float64) []float64 {
	diff := make([]float64, len(p)-1)
	floats.SubTo(diff, p[1:], p[:len(p)-1])
	for i, v := range diff {
		diff[i] = math.Abs(v)
	}
	return diff
}
