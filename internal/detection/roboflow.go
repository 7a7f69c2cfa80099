package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/foamline/internal/logging"
)

// DefaultRoboflowBaseURL is the hosted inference endpoint.
const DefaultRoboflowBaseURL = "https://detect.roboflow.com"

// RoboflowConfig holds settings for the hosted Roboflow model.
type RoboflowConfig struct {
	APIKey  string
	BaseURL string
	Project string
	Version int
	// ConfidencePercent and OverlapPercent are passed to the model as 0-100 values.
	ConfidencePercent int
	OverlapPercent    int
}

// RoboflowClient calls a Roboflow hosted object-detection model.
type RoboflowClient struct {
	cfg    RoboflowConfig
	client *http.Client
	logger *zap.Logger
}

var _ Locator = (*RoboflowClient)(nil)

type roboflowResponse struct {
	Predictions []roboflowPrediction `json:"predictions"`
}

type roboflowPrediction struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// NewRoboflowClient constructs a client; a nil http.Client uses http.DefaultClient.
func NewRoboflowClient(cfg RoboflowConfig, client *http.Client, logger *zap.Logger) *RoboflowClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRoboflowBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &RoboflowClient{cfg: cfg, client: client, logger: logger.Named("roboflow")}
}

// Locate posts the base64 encoded image to the model and returns its predictions.
func (c *RoboflowClient) Locate(ctx context.Context, img Image) ([]Detection, error) {
	if len(img.Data) == 0 {
		return nil, &LocatorError{Backend: "roboflow", Err: errors.New("empty image")}
	}

	q := url.Values{}
	q.Set("api_key", c.cfg.APIKey)
	q.Set("confidence", strconv.Itoa(c.cfg.ConfidencePercent))
	q.Set("overlap", strconv.Itoa(c.cfg.OverlapPercent))
	q.Set("format", "json")
	endpoint := fmt.Sprintf("%s/%s/%d?%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Project, c.cfg.Version, q.Encode())

	body := base64.StdEncoding.EncodeToString(img.Data)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, &LocatorError{Backend: "roboflow", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.client.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("roboflow.infer", "", err)
		c.logger.Error("inference request failed", zap.Error(wrapped), zap.String("project", c.cfg.Project))
		return nil, &LocatorError{Backend: "roboflow", Err: wrapped}
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	if res.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		c.logger.Error("inference rejected",
			zap.Int("status", res.StatusCode),
			zap.String("project", c.cfg.Project),
			zap.ByteString("body", snippet))
		return nil, &LocatorError{Backend: "roboflow", Err: fmt.Errorf("http %d", res.StatusCode)}
	}

	var payload roboflowResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, &LocatorError{Backend: "roboflow", Err: fmt.Errorf("decode response: %w", err)}
	}

	dets := make([]Detection, 0, len(payload.Predictions))
	for _, p := range payload.Predictions {
		dets = append(dets, Detection{
			Class:      p.Class,
			Confidence: p.Confidence,
			X:          p.X,
			Y:          p.Y,
			Width:      p.Width,
			Height:     p.Height,
		})
	}
	c.logger.Debug("inference complete", zap.Int("predictions", len(dets)))
	return dets, nil
}
