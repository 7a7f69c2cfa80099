package detection

import (
	"context"
	"errors"
	"fmt"
	"math"

	gvision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
)

// VisionLocator finds logos with Google Cloud Vision LOGO_DETECTION. The logo
// description is reported as the detection class.
type VisionLocator struct {
	client     *gvision.ImageAnnotatorClient
	maxResults int32
}

var _ Locator = (*VisionLocator)(nil)

// NewVisionLocator creates a client using Application Default Credentials.
func NewVisionLocator(ctx context.Context) (*VisionLocator, error) {
	client, err := gvision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}
	return &VisionLocator{client: client, maxResults: 10}, nil
}

// Close releases the underlying client.
func (v *VisionLocator) Close() error {
	return v.client.Close()
}

// Locate runs logo detection on the image bytes.
func (v *VisionLocator) Locate(ctx context.Context, img Image) ([]Detection, error) {
	if len(img.Data) == 0 {
		return nil, &LocatorError{Backend: "vision", Err: errors.New("empty image")}
	}
	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{Content: img.Data},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_LOGO_DETECTION, MaxResults: v.maxResults},
				},
			},
		},
	}

	resp, err := v.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return nil, &LocatorError{Backend: "vision", Err: err}
	}
	if len(resp.Responses) == 0 {
		return nil, nil
	}
	if e := resp.Responses[0].Error; e != nil {
		return nil, &LocatorError{Backend: "vision", Err: fmt.Errorf("api error: %s", e.Message)}
	}
	return detectionsFromLogos(resp.Responses[0].LogoAnnotations), nil
}

func detectionsFromLogos(logos []*visionpb.EntityAnnotation) []Detection {
	dets := make([]Detection, 0, len(logos))
	for _, logo := range logos {
		d, ok := detectionFromPoly(logo.GetDescription(), float64(logo.GetScore()), logo.GetBoundingPoly())
		if ok {
			dets = append(dets, d)
		}
	}
	return dets
}

// detectionFromPoly converts the axis-aligned hull of a bounding polygon to
// centre/size geometry.
func detectionFromPoly(class string, score float64, poly *visionpb.BoundingPoly) (Detection, bool) {
	vertices := poly.GetVertices()
	if len(vertices) == 0 {
		return Detection{}, false
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, vtx := range vertices {
		x, y := float64(vtx.GetX()), float64(vtx.GetY())
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	w, h := maxX-minX, maxY-minY
	if w <= 0 || h <= 0 {
		return Detection{}, false
	}
	return Detection{
		Class:      class,
		Confidence: score,
		X:          minX + w/2,
		Y:          minY + h/2,
		Width:      w,
		Height:     h,
	}, true
}
