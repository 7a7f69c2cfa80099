package scoring

import "math"

// Grade is a letter grade for a split.
type Grade string

// Grades from best to worst.
const (
	GradeAPlus  Grade = "A+"
	GradeA      Grade = "A"
	GradeAMinus Grade = "A-"
	GradeBPlus  Grade = "B+"
	GradeB      Grade = "B"
	GradeBMinus Grade = "B-"
	GradeC      Grade = "C"
	GradeD      Grade = "D"
	GradeF      Grade = "F"
)

type band struct {
	min   float64
	grade Grade
}

// bands is ordered from the highest lower edge down. Lower edges are inclusive.
var bands = []band{
	{95, GradeAPlus},
	{90, GradeA},
	{85, GradeAMinus},
	{80, GradeBPlus},
	{75, GradeB},
	{70, GradeBMinus},
	{60, GradeC},
	{50, GradeD},
	{0, GradeF},
}

// Percent converts a score to a percentage rounded to one decimal place.
func Percent(score float64) float64 {
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*1000) / 10
}

// GradeForPercent maps a percentage in [0,100] to its grade.
func GradeForPercent(percent float64) Grade {
	for _, b := range bands {
		if percent >= b.min {
			return b.grade
		}
	}
	return GradeF
}

// GradeFor maps a score in [0,1] to its grade.
func GradeFor(score float64) Grade {
	return GradeForPercent(Percent(score))
}

// Rank orders grades: F is 0, A+ is the highest. Unknown labels rank -1.
func (g Grade) Rank() int {
	for i, b := range bands {
		if b.grade == g {
			return len(bands) - 1 - i
		}
	}
	return -1
}

// Grades lists every grade from worst to best.
func Grades() []Grade {
	out := make([]Grade, len(bands))
	for i, b := range bands {
		out[len(bands)-1-i] = b.grade
	}
	return out
}
