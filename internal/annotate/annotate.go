// Package annotate draws the measured foam line and the logo centre line on
// the submitted photo so a person can check the score.
package annotate

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Line colours.
var (
	BoxColor    = color.RGBA{R: 255, G: 193, B: 7, A: 255}
	FoamColor   = color.RGBA{R: 30, G: 90, B: 255, A: 255}
	CenterColor = color.RGBA{R: 40, G: 200, B: 80, A: 255}
)

const lineThickness = 2

// Marks are the coordinates computed by the measurement.
type Marks struct {
	Box       image.Rectangle
	FoamRow   int
	CenterRow int
}

// Render returns a copy of src with the logo box, the foam line and the centre
// line drawn across the box.
func Render(src image.Image, m Marks) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	box := m.Box.Intersect(b)
	if box.Empty() {
		return dst
	}

	outline(dst, box, BoxColor)
	hline(dst, box.Min.X, box.Max.X, m.CenterRow, CenterColor)
	hline(dst, box.Min.X, box.Max.X, m.FoamRow, FoamColor)

	label(dst, "Center", box.Max.X+4, m.CenterRow+4, CenterColor)
	label(dst, "Foam Line", box.Max.X+4, m.FoamRow-6, FoamColor)
	return dst
}

// EncodeJPEG encodes img at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func hline(dst *image.RGBA, x0, x1, y int, c color.RGBA) {
	r := image.Rect(x0, y-lineThickness/2, x1, y-lineThickness/2+lineThickness)
	draw.Draw(dst, r.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}

func outline(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+lineThickness),
		image.Rect(r.Min.X, r.Max.Y-lineThickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+lineThickness, r.Max.Y),
		image.Rect(r.Max.X-lineThickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, draw.Src)
	}
}

func label(dst *image.RGBA, text string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
