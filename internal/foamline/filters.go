package foamline

import (
	"image"
	"math"
)

// gaussianBlur3 applies the separable 3x3 Gaussian kernel [1 2 1]/4 with
// reflect-101 borders. The result keeps the bounds of src.
func gaussianBlur3(src *image.Gray) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	at := func(x, y int) float64 {
		return float64(src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)])
	}

	horiz := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			l := at(reflect101(x-1, w), y)
			r := at(reflect101(x+1, w), y)
			horiz[y*w+x] = 0.25*l + 0.5*at(x, y) + 0.25*r
		}
	}

	dst := image.NewGray(b)
	for y := 0; y < h; y++ {
		up := reflect101(y-1, h)
		down := reflect101(y+1, h)
		for x := 0; x < w; x++ {
			v := 0.25*horiz[up*w+x] + 0.5*horiz[y*w+x] + 0.25*horiz[down*w+x]
			dst.Pix[dst.PixOffset(b.Min.X+x, b.Min.Y+y)] = clamp8(v)
		}
	}
	return dst
}

// reflect101 maps i into [0,n) mirroring around the edge pixels (dcb|abcd|cba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func clamp8(v float64) uint8 {
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

// otsuThreshold returns the cut t maximising the between-class variance of
// the 256-bin histogram (first maximum wins) together with the distance
// between the two class means at t. A single-valued histogram yields (0, 0).
func otsuThreshold(g *image.Gray) (uint8, float64) {
	var hist [256]float64
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[g.Pix[g.PixOffset(x, y)]]++
		}
	}

	total := float64(b.Dx() * b.Dy())
	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i) * c
	}

	var (
		w0, sum0 float64
		best     float64
		t        uint8
		contrast float64
	)
	for i := 0; i < 256; i++ {
		w0 += hist[i]
		sum0 += float64(i) * hist[i]
		if w0 == 0 {
			continue
		}
		w1 := total - w0
		if w1 == 0 {
			break
		}
		mu0 := sum0 / w0
		mu1 := (sumAll - sum0) / w1
		between := w0 * w1 * (mu1 - mu0) * (mu1 - mu0)
		if between > best {
			best = between
			t = uint8(i)
			contrast = mu1 - mu0
		}
	}
	return t, contrast
}

// binarize maps pixels above t to 255 and the rest to 0.
func binarize(src *image.Gray, t uint8) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if src.Pix[src.PixOffset(x, y)] > t {
				dst.Pix[dst.PixOffset(x, y)] = 255
			}
		}
	}
	return dst
}
