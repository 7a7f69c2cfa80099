package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/foamline/internal/auth"
	"github.com/example/foamline/internal/detection"
	"github.com/example/foamline/internal/logging"
	"github.com/example/foamline/internal/scoring"
	"github.com/example/foamline/internal/usecase"
)

// MaxRequestBodySize bounds the JSON body of POST /analyze.
const MaxRequestBodySize = 64 << 10

// AnalysisService is the use case surface used by the HTTP layer.
type AnalysisService interface {
	Analyze(ctx context.Context, userID, imageURL string) (*usecase.Analysis, error)
	GetResult(ctx context.Context, userID, requestID string) (*usecase.Analysis, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	GetUserStats(ctx context.Context, userID string) (*usecase.UserSummary, error)
	Leaderboard(ctx context.Context, limit int) ([]usecase.LeaderboardEntry, error)
	BarLeaderboard(ctx context.Context, barID string, limit int) ([]usecase.LeaderboardEntry, error)
	AssignBar(ctx context.Context, userID, requestID, barID, barName string) (*usecase.Analysis, error)
}

var _ AnalysisService = (*usecase.AnalysisUseCase)(nil)

type analyzeRequest struct {
	URL string `json:"url" binding:"required"`
}

type assignBarRequest struct {
	BarID   string `json:"barId" binding:"required"`
	BarName string `json:"barName" binding:"required"`
}

type analysisResponse struct {
	Status       string        `json:"status"`
	RequestID    string        `json:"requestId"`
	Score        float64       `json:"score"`
	Percent      float64       `json:"percent"`
	LetterGrade  scoring.Grade `json:"letterGrade"`
	ProcessedURL string        `json:"processedUrl"`
	FoamRow      int           `json:"foamRow"`
	CenterRow    float64       `json:"centerRow"`
	Box          detection.Box `json:"box"`
	Confidence   float64       `json:"confidence"`
	ImageURL     string        `json:"imageUrl,omitempty"`
	BarID        string        `json:"barId,omitempty"`
	BarName      string        `json:"barName,omitempty"`
	CreatedAt    *time.Time    `json:"createdAt,omitempty"`
}

type errorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

var failureMessages = map[usecase.FailureKind]string{
	usecase.KindNoDetection:        "Could not find the logo on the glass. Try a straight-on photo of the pint.",
	usecase.KindAmbiguousDetection: "Found more than one logo. Make sure only one pint is in the photo.",
	usecase.KindNoTransition:       "Could not find the line between the stout and the head inside the logo.",
	usecase.KindInvalidImage:       "The file at the given URL is not a supported image.",
	usecase.KindFetchFailed:        "The image could not be downloaded from the given URL.",
	usecase.KindLocatorFailed:      "The logo detector is unavailable. Please try again later.",
	usecase.KindPublishFailed:      "The annotated image could not be stored. Please try again later.",
	usecase.KindStorageFailed:      "The result could not be saved. Please try again later.",
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc AnalysisService, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/leaderboard", func(c *gin.Context) {
		limit, ok := leaderboardLimit(c)
		if !ok {
			return
		}
		entries, err := svc.Leaderboard(c.Request.Context(), limit)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load leaderboard"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})

	router.GET("/bars/:id/leaderboard", func(c *gin.Context) {
		limit, ok := leaderboardLimit(c)
		if !ok {
			return
		}
		barID := c.Param("id")
		entries, err := svc.BarLeaderboard(c.Request.Context(), barID, limit)
		if errors.Is(err, usecase.ErrInvalidBar) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bar id is required"})
			return
		}
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load leaderboard"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"barId": barID, "entries": entries})
	})

	authorized := router.Group("/")
	authorized.Use(authMiddleware)

	authorized.POST("/analyze", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		var req analyzeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Status: "error", Error: "invalid_request", Message: "body must be JSON with a url field"})
			return
		}
		imageURL := strings.TrimSpace(req.URL)
		if !validImageURL(imageURL) {
			c.JSON(http.StatusBadRequest, errorResponse{Status: "error", Error: "invalid_url", Message: "url must be an absolute http or https URL"})
			return
		}

		analysis, err := svc.Analyze(c.Request.Context(), userID, imageURL)
		if err != nil {
			writeAnalysisError(c, err)
			return
		}

		c.Set(logging.RequestIDKey, analysis.RequestID)
		c.JSON(http.StatusOK, toResponse(analysis, false))
	})

	authorized.GET("/result/:id", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		requestID := c.Param("id")
		c.Set(logging.RequestIDKey, requestID)

		analysis, err := svc.GetResult(c.Request.Context(), userID, requestID)
		switch {
		case errors.Is(err, usecase.ErrResultPending):
			c.JSON(http.StatusAccepted, gin.H{"status": "processing", "requestId": requestID})
			return
		case errors.Is(err, usecase.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		case err != nil:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}

		if !analysis.Success {
			c.JSON(http.StatusOK, errorResponse{
				Status:    "error",
				Error:     string(analysis.FailureKind),
				Message:   failureMessages[analysis.FailureKind],
				RequestID: analysis.RequestID,
			})
			return
		}
		c.JSON(http.StatusOK, toResponse(analysis, true))
	})

	authorized.GET("/result/:id/duplicates", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		requestID := c.Param("id")
		c.Set(logging.RequestIDKey, requestID)

		report, err := svc.GetDuplicateReport(c.Request.Context(), userID, requestID)
		if errors.Is(err, usecase.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load duplicates"})
			return
		}

		duplicates := make([]analysisResponse, 0, len(report.Duplicates))
		for _, d := range report.Duplicates {
			duplicates = append(duplicates, toResponse(d, true))
		}
		c.JSON(http.StatusOK, gin.H{
			"request":    toResponse(report.Request, true),
			"duplicates": duplicates,
		})
	})

	authorized.POST("/result/:id/bar", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		requestID := c.Param("id")
		c.Set(logging.RequestIDKey, requestID)

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		var req assignBarRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Status: "error", Error: "invalid_request", Message: "body must be JSON with barId and barName fields"})
			return
		}

		analysis, err := svc.AssignBar(c.Request.Context(), userID, requestID, req.BarID, req.BarName)
		switch {
		case errors.Is(err, usecase.ErrInvalidBar):
			c.JSON(http.StatusBadRequest, errorResponse{Status: "error", Error: "invalid_request", Message: "body must be JSON with barId and barName fields"})
			return
		case errors.Is(err, usecase.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		case errors.Is(err, usecase.ErrNotScored):
			c.JSON(http.StatusConflict, errorResponse{Status: "error", Error: "not_scored", Message: "Only scored pours can be added to a bar.", RequestID: requestID})
			return
		case err != nil:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add pour to bar"})
			return
		}
		c.JSON(http.StatusOK, toResponse(analysis, true))
	})

	authorized.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	authorized.GET("/me/stats", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		stats, err := svc.GetUserStats(c.Request.Context(), userID)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}

// leaderboardLimit parses the optional limit query parameter and writes a 400
// when it is out of range.
func leaderboardLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return usecase.DefaultLeaderboardSize, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > usecase.MaxLeaderboardSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 100"})
		return 0, false
	}
	return n, true
}

func writeAnalysisError(c *gin.Context, err error) {
	_ = c.Error(err)

	var ae *usecase.AnalysisError
	if !errors.As(err, &ae) {
		c.JSON(http.StatusInternalServerError, errorResponse{Status: "error", Error: "internal", Message: "unexpected error"})
		return
	}
	c.Set(logging.RequestIDKey, ae.RequestID)
	c.JSON(statusForKind(ae.Kind), errorResponse{
		Status:    "error",
		Error:     string(ae.Kind),
		Message:   failureMessages[ae.Kind],
		RequestID: ae.RequestID,
	})
}

func statusForKind(kind usecase.FailureKind) int {
	switch {
	case kind.IsContentFailure():
		return http.StatusUnprocessableEntity
	case kind == usecase.KindFetchFailed:
		return http.StatusBadRequest
	case kind == usecase.KindLocatorFailed, kind == usecase.KindPublishFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func validImageURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func toResponse(a *usecase.Analysis, withMeta bool) analysisResponse {
	resp := analysisResponse{
		Status:       "success",
		RequestID:    a.RequestID,
		Score:        a.Score,
		Percent:      a.Percent,
		LetterGrade:  a.Grade,
		ProcessedURL: a.ProcessedURL,
		FoamRow:      a.FoamRow,
		CenterRow:    a.CenterRow,
		Box:          a.Box,
		Confidence:   a.Confidence,
	}
	if !a.Success {
		resp.Status = "error"
	}
	if withMeta {
		resp.ImageURL = a.ImageURL
		resp.BarID = a.BarID
		resp.BarName = a.BarName
		if !a.CreatedAt.IsZero() {
			created := a.CreatedAt
			resp.CreatedAt = &created
		}
	}
	return resp
}
