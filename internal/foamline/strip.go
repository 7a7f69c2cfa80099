package foamline

import (
	"image"

	"golang.org/x/image/draw"
)

// ColumnStrip converts the part of img inside rect to grayscale and returns a
// strip width pixels wide, centred horizontally in rect and spanning its full
// height. The strip keeps img's coordinates, so Bounds().Min.Y is the crop's
// top offset. Width is clamped to the rect; a non-positive width selects
// DefaultStripWidth.
func ColumnStrip(img image.Image, rect image.Rectangle, width int) *image.Gray {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return image.NewGray(image.Rectangle{})
	}
	if width <= 0 {
		width = DefaultStripWidth
	}
	if width > rect.Dx() {
		width = rect.Dx()
	}

	x0 := (rect.Min.X+rect.Max.X)/2 - width/2
	if x0 < rect.Min.X {
		x0 = rect.Min.X
	}
	if x0+width > rect.Max.X {
		x0 = rect.Max.X - width
	}

	r := image.Rect(x0, rect.Min.Y, x0+width, rect.Max.Y)
	gray := image.NewGray(r)
	draw.Draw(gray, r, img, r.Min, draw.Src)
	return gray
}
