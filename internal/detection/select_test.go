package detection

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const logoClass = "G_logo"

func TestSelect(t *testing.T) {
	single := Detection{Class: logoClass, Confidence: 0.8, X: 20, Y: 50, Width: 20, Height: 100}
	weaker := Detection{Class: logoClass, Confidence: 0.6, X: 80, Y: 60, Width: 18, Height: 90}
	other := Detection{Class: "harp", Confidence: 0.99, X: 5, Y: 5, Width: 4, Height: 4}

	testCases := []struct {
		name        string
		dets        []Detection
		policy      Policy
		want        Detection
		expectedErr error
	}{
		{
			name:   "single match",
			dets:   []Detection{other, single},
			policy: PolicyStrict,
			want:   single,
		},
		{
			name:        "no detections at all",
			dets:        nil,
			policy:      PolicyStrict,
			expectedErr: ErrNoDetection,
		},
		{
			name:        "only other classes",
			dets:        []Detection{other},
			policy:      PolicyHighestConfidence,
			expectedErr: ErrNoDetection,
		},
		{
			name:        "below confidence floor",
			dets:        []Detection{{Class: logoClass, Confidence: 0.39, Width: 10, Height: 10}},
			policy:      PolicyStrict,
			expectedErr: ErrNoDetection,
		},
		{
			name:        "zero sized box ignored",
			dets:        []Detection{{Class: logoClass, Confidence: 0.9, Width: 0, Height: 10}},
			policy:      PolicyStrict,
			expectedErr: ErrNoDetection,
		},
		{
			name:        "strict policy rejects multiple",
			dets:        []Detection{single, weaker},
			policy:      PolicyStrict,
			expectedErr: ErrAmbiguousDetection,
		},
		{
			name:   "highest confidence wins",
			dets:   []Detection{weaker, single},
			policy: PolicyHighestConfidence,
			want:   single,
		},
		{
			name:   "low confidence duplicate filtered before ambiguity",
			dets:   []Detection{single, {Class: logoClass, Confidence: 0.2, X: 1, Y: 1, Width: 5, Height: 5}},
			policy: PolicyStrict,
			want:   single,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Select(tc.dets, logoClass, 0.4, tc.policy)
			if tc.expectedErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.expectedErr), "expected %v, got %v", tc.expectedErr, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSelectTieBreakIsOrderIndependent(t *testing.T) {
	small := Detection{Class: logoClass, Confidence: 0.9, X: 10, Y: 10, Width: 10, Height: 10}
	large := Detection{Class: logoClass, Confidence: 0.9, X: 50, Y: 50, Width: 20, Height: 20}
	upper := Detection{Class: logoClass, Confidence: 0.9, X: 90, Y: 5, Width: 20, Height: 20}

	a, err := Select([]Detection{small, large, upper}, logoClass, 0.4, PolicyHighestConfidence)
	require.NoError(t, err)
	b, err := Select([]Detection{upper, large, small}, logoClass, 0.4, PolicyHighestConfidence)
	require.NoError(t, err)

	assert.Equal(t, upper, a)
	assert.Equal(t, a, b)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyStrict, p)

	p, err = ParsePolicy(" Highest_Confidence ")
	require.NoError(t, err)
	assert.Equal(t, PolicyHighestConfidence, p)

	_, err = ParsePolicy("first")
	assert.Error(t, err)
}

func TestDetectionBox(t *testing.T) {
	d := Detection{X: 20, Y: 50, Width: 20, Height: 100}
	assert.Equal(t, Box{X1: 10, Y1: 0, X2: 30, Y2: 100}, d.Box())

	odd := Detection{X: 20.5, Y: 40.7, Width: 9, Height: 15}
	assert.Equal(t, Box{X1: 16, Y1: 33, X2: 25, Y2: 48}, odd.Box())
}

func TestBoxClamp(t *testing.T) {
	bounds := image.Rect(0, 0, 40, 80)

	b, ok := Box{X1: -5, Y1: 10, X2: 30, Y2: 120}.Clamp(bounds)
	require.True(t, ok)
	assert.Equal(t, Box{X1: 0, Y1: 10, X2: 30, Y2: 80}, b)
	assert.Equal(t, 70, b.Height())

	_, ok = Box{X1: 50, Y1: 10, X2: 60, Y2: 20}.Clamp(bounds)
	assert.False(t, ok)

	_, ok = Box{X1: 10, Y1: 10, X2: 10, Y2: 20}.Clamp(bounds)
	assert.False(t, ok)
}
