// Package scoring turns a foam line and a logo box into a split score and a
// letter grade.
package scoring

import "math"

// Score rates how close foamRow is to the vertical centre of the box spanning
// [top, bottom]: 1 at the centre, falling linearly to 0 at either edge and
// clamped to 0 beyond. Degenerate boxes score 0.
func Score(foamRow, top, bottom float64) float64 {
	half := (bottom - top) / 2
	if !(half > 0) {
		return 0
	}
	distance := math.Abs(foamRow - (top + half))
	return math.Max(0, 1-distance/half)
}

// Result is a scored foam line.
type Result struct {
	FoamRow   int     `json:"foamRow"`
	CenterRow float64 `json:"centerRow"`
	Distance  float64 `json:"distance"`
	Score     float64 `json:"score"`
	Percent   float64 `json:"percent"`
	Grade     Grade   `json:"letterGrade"`
}

// Evaluate scores foamRow against the box rows [top, bottom].
func Evaluate(foamRow, top, bottom int) Result {
	center := float64(top+bottom) / 2
	score := Score(float64(foamRow), float64(top), float64(bottom))
	return Result{
		FoamRow:   foamRow,
		CenterRow: center,
		Distance:  math.Abs(float64(foamRow) - center),
		Score:     score,
		Percent:   Percent(score),
		Grade:     GradeFor(score),
	}
}
