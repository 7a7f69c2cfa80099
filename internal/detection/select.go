package detection

import (
	"fmt"
	"sort"
	"strings"
)

// Policy decides what happens when several candidates match.
type Policy string

const (
	// PolicyStrict fails with ErrAmbiguousDetection on more than one candidate.
	PolicyStrict Policy = "strict"
	// PolicyHighestConfidence keeps the most confident candidate.
	PolicyHighestConfidence Policy = "highest_confidence"
)

// ParsePolicy validates a policy name. The empty string selects PolicyStrict.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyHighestConfidence:
		return p, nil
	default:
		return "", fmt.Errorf("unknown detection policy %q", s)
	}
}

// Select returns the single detection of class with at least minConfidence.
// Candidates without a positive size are ignored.
//
// With PolicyHighestConfidence ties are broken by larger area, then smaller
// Y, then smaller X, so the choice never depends on the order the locator
// returned them in.
func Select(dets []Detection, class string, minConfidence float64, policy Policy) (Detection, error) {
	candidates := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Class != class || d.Confidence < minConfidence {
			continue
		}
		if !(d.Width > 0 && d.Height > 0) {
			continue
		}
		candidates = append(candidates, d)
	}

	switch {
	case len(candidates) == 0:
		return Detection{}, fmt.Errorf("%w: no %q above confidence %.2f", ErrNoDetection, class, minConfidence)
	case len(candidates) == 1:
		return candidates[0], nil
	}

	if policy != PolicyHighestConfidence {
		return Detection{}, fmt.Errorf("%w: %d candidates for %q", ErrAmbiguousDetection, len(candidates), class)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if areaA, areaB := a.Width*a.Height, b.Width*b.Height; areaA != areaB {
			return areaA > areaB
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return candidates[0], nil
}
