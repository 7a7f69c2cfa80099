// Package detection locates the reference logo on the glass through an
// external object-detection service and picks the box the estimator measures.
package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	// ErrNoDetection reports that the locator found no instance of the target class.
	ErrNoDetection = errors.New("detection: target logo not found")
	// ErrAmbiguousDetection reports more than one candidate under the strict policy.
	ErrAmbiguousDetection = errors.New("detection: more than one candidate logo")
)

// Image is the payload handed to a Locator.
type Image struct {
	Data        []byte
	ContentType string
	// URL is the source location when the image was fetched remotely.
	URL string
}

// Locator finds objects in an image.
type Locator interface {
	Locate(ctx context.Context, img Image) ([]Detection, error)
}

// LocatorError wraps a failure of the detection backend itself, as opposed
// to a successful call that found nothing.
type LocatorError struct {
	Backend string
	Err     error
}

// Error implements the error interface.
func (e *LocatorError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s locator: %v", e.Backend, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LocatorError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Detection is one object reported by a locator, as centre and size.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Box converts the centre/size geometry into integer corners, truncating
// toward zero.
func (d Detection) Box() Box {
	return Box{
		X1: int(d.X - d.Width/2),
		Y1: int(d.Y - d.Height/2),
		X2: int(d.X + d.Width/2),
		Y2: int(d.Y + d.Height/2),
	}
}

// Box is an integer pixel rectangle, X2 and Y2 exclusive.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Valid reports whether X1<X2 and Y1<Y2.
func (b Box) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Height returns Y2-Y1.
func (b Box) Height() int {
	return b.Y2 - b.Y1
}

// Rect returns the box as an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Clamp intersects the box with bounds. The second result is false when
// nothing of the box is left.
func (b Box) Clamp(bounds image.Rectangle) (Box, bool) {
	if !b.Valid() {
		return Box{}, false
	}
	r := b.Rect().Intersect(bounds)
	if r.Empty() {
		return Box{}, false
	}
	return Box{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}, true
}
