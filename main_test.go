package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/foamline/internal/config"
	"github.com/example/foamline/internal/imagefetch"
	"github.com/example/foamline/internal/repository"
	"github.com/example/foamline/internal/usecase"
)

func pourPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 100))
	for y := 0; y < 100; y++ {
		c := color.RGBA{R: 20, G: 20, B: 20, A: 255}
		if y >= 50 {
			c = color.RGBA{R: 220, G: 215, B: 200, A: 255}
		}
		for x := 0; x < 40; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// TestRouterEndToEnd wires the real components against sqlite, a fake
// Roboflow endpoint and the local publisher.
func TestRouterEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	photo := pourPNG(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/pint.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(photo)
		case strings.HasPrefix(r.URL.Path, "/findtheg/"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"predictions":[{"x":20,"y":50,"width":20,"height":100,"class":"G_logo","confidence":0.93}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	publishDir := t.TempDir()
	cfg, err := config.FromLookup(func(key string) (string, bool) {
		v, ok := map[string]string{
			"API_KEY":           "key",
			"DATABASE_DRIVER":   "sqlite",
			"DATABASE_DSN":      "file:" + filepath.Join(t.TempDir(), "foamline.db"),
			"ROBOFLOW_API_KEY":  "rf",
			"ROBOFLOW_BASE_URL": upstream.URL,
			"LOCAL_PUBLISH_DIR": publishDir,
			"PUBLIC_BASE_URL":   "http://foam.test",
		}[key]
		return v, ok
	})
	require.NoError(t, err)

	ctx := context.Background()
	logger := zap.NewNop()
	db, err := initDatabase(ctx, cfg, logger)
	require.NoError(t, err)
	repo := repository.NewAnalysisRepository(db, logger)
	require.NoError(t, repo.AutoMigrate(ctx))

	cache, redisClient, err := initCache(ctx, cfg, logger)
	require.NoError(t, err)
	assert.Nil(t, redisClient)

	locator, closeLocator, err := initLocator(ctx, cfg, logger)
	require.NoError(t, err)
	defer closeLocator()

	pub, localDir, closePublisher, err := initPublisher(ctx, cfg)
	require.NoError(t, err)
	defer closePublisher()
	assert.Equal(t, publishDir, localDir)

	uc := usecase.NewAnalysisUseCase(repo, cache, imagefetch.NewFetcher(upstream.Client()), locator, pub, usecase.Settings{
		TargetClass:   cfg.TargetClass,
		MinConfidence: cfg.MinConfidence,
		Policy:        cfg.DetectionPolicy,
		StripWidth:    cfg.StripWidth,
		Estimator:     cfg.EstimatorOptions(),
		JPEGQuality:   cfg.JPEGQuality,
	}, logger)
	router := newRouter(cfg, uc, localDir, logger)

	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(`{"url":"`+upstream.URL+`/pint.png"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("API-Key", "key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		RequestID    string  `json:"requestId"`
		Score        float64 `json:"score"`
		LetterGrade  string  `json:"letterGrade"`
		ProcessedURL string  `json:"processedUrl"`
		FoamRow      int     `json:"foamRow"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1.0, body.Score)
	assert.Equal(t, "A+", body.LetterGrade)
	assert.Equal(t, 50, body.FoamRow)
	assert.Equal(t, "http://foam.test/media/processed/"+body.RequestID+".jpg", body.ProcessedURL)

	_, err = os.Stat(filepath.Join(publishDir, "processed", body.RequestID+".jpg"))
	require.NoError(t, err)

	media := httptest.NewRecorder()
	router.ServeHTTP(media, httptest.NewRequest(http.MethodGet, "/media/processed/"+body.RequestID+".jpg", nil))
	assert.Equal(t, http.StatusOK, media.Code)

	result := httptest.NewRecorder()
	resultReq := httptest.NewRequest(http.MethodGet, "/result/"+body.RequestID, nil)
	resultReq.Header.Set("API-Key", "key")
	router.ServeHTTP(result, resultReq)
	assert.Equal(t, http.StatusOK, result.Code)
	assert.Contains(t, result.Body.String(), `"letterGrade":"A+"`)

	board := httptest.NewRecorder()
	router.ServeHTTP(board, httptest.NewRequest(http.MethodGet, "/leaderboard", nil))
	assert.Equal(t, http.StatusOK, board.Code)
	assert.Contains(t, board.Body.String(), body.RequestID)

	assign := httptest.NewRecorder()
	assignReq := httptest.NewRequest(http.MethodPost, "/result/"+body.RequestID+"/bar", strings.NewReader(`{"barId":"brazen-head","barName":"The Brazen Head"}`))
	assignReq.Header.Set("Content-Type", "application/json")
	assignReq.Header.Set("API-Key", "key")
	router.ServeHTTP(assign, assignReq)
	require.Equal(t, http.StatusOK, assign.Code, assign.Body.String())
	assert.Contains(t, assign.Body.String(), `"barId":"brazen-head"`)

	barBoard := httptest.NewRecorder()
	router.ServeHTTP(barBoard, httptest.NewRequest(http.MethodGet, "/bars/brazen-head/leaderboard", nil))
	assert.Equal(t, http.StatusOK, barBoard.Code)
	assert.Contains(t, barBoard.Body.String(), body.RequestID)

	otherBoard := httptest.NewRecorder()
	router.ServeHTTP(otherBoard, httptest.NewRequest(http.MethodGet, "/bars/elsewhere/leaderboard", nil))
	assert.Equal(t, http.StatusOK, otherBoard.Code)
	assert.NotContains(t, otherBoard.Body.String(), body.RequestID)
}
