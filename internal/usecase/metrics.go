package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/example/foamline/internal/repository"
	"github.com/example/foamline/internal/scoring"
)

const (
	// DefaultLeaderboardSize is used when no limit is requested.
	DefaultLeaderboardSize = 10
	// MaxLeaderboardSize caps the leaderboard page.
	MaxLeaderboardSize = 100
)

// MetricsSummary represents aggregated scoring insights.
type MetricsSummary struct {
	TotalRequests              int64            `json:"total_requests"`
	SuccessfulRequests         int64            `json:"successful_requests"`
	SuccessRate                float64          `json:"success_rate"`
	AverageScore               float64          `json:"average_score"`
	AverageProcessingLatencyMs float64          `json:"average_processing_latency_ms"`
	FailuresByKind             map[string]int64 `json:"failures_by_kind"`
}

// UserSummary describes one user's successful pours.
type UserSummary struct {
	UserID         string        `json:"user_id"`
	Analyses       int64         `json:"analyses"`
	AverageScore   float64       `json:"average_score"`
	AveragePercent float64       `json:"average_percent"`
	BestScore      float64       `json:"best_score"`
	BestGrade      scoring.Grade `json:"best_grade,omitempty"`
}

// LeaderboardEntry is one ranked pour.
type LeaderboardEntry struct {
	Rank         int           `json:"rank"`
	RequestID    string        `json:"request_id"`
	UserID       string        `json:"user_id"`
	Score        float64       `json:"score"`
	Percent      float64       `json:"percent"`
	Grade        scoring.Grade `json:"letter_grade"`
	ProcessedURL string        `json:"processed_url"`
	BarID        string        `json:"bar_id,omitempty"`
	BarName      string        `json:"bar_name,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// GetMetricsSummary aggregates scoring metrics from persisted records.
func (uc *AnalysisUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		SuccessfulRequests:         aggregation.SuccessCount,
		AverageScore:               aggregation.AverageScore,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
		FailuresByKind:             aggregation.FailuresByKind,
	}
	if summary.FailuresByKind == nil {
		summary.FailuresByKind = map[string]int64{}
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

// GetUserStats summarises the caller's scored pours.
func (uc *AnalysisUseCase) GetUserStats(ctx context.Context, userID string) (*UserSummary, error) {
	stats, err := uc.repo.UserStats(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &UserSummary{
		UserID:       userID,
		Analyses:     stats.Count,
		AverageScore: stats.AverageScore,
		BestScore:    stats.BestScore,
	}
	if stats.Count > 0 {
		summary.AveragePercent = scoring.Percent(stats.AverageScore)
		summary.BestGrade = scoring.GradeFor(stats.BestScore)
	}
	return summary, nil
}

// Leaderboard returns the best pours across all users. A limit outside
// 1..MaxLeaderboardSize is clamped; zero selects the default size.
func (uc *AnalysisUseCase) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	recs, err := uc.repo.TopScores(ctx, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return rankEntries(recs), nil
}

// BarLeaderboard ranks the pours attached to one bar, limited like Leaderboard.
func (uc *AnalysisUseCase) BarLeaderboard(ctx context.Context, barID string, limit int) ([]LeaderboardEntry, error) {
	barID = strings.TrimSpace(barID)
	if barID == "" {
		return nil, ErrInvalidBar
	}
	recs, err := uc.repo.BarTopScores(ctx, barID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return rankEntries(recs), nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLeaderboardSize
	case limit > MaxLeaderboardSize:
		return MaxLeaderboardSize
	}
	return limit
}

func rankEntries(recs []*repository.AnalysisRecord) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(recs))
	for i, rec := range recs {
		entries = append(entries, LeaderboardEntry{
			Rank:         i + 1,
			RequestID:    rec.RequestID,
			UserID:       rec.UserID,
			Score:        rec.Score,
			Percent:      scoring.Percent(rec.Score),
			Grade:        scoring.GradeFor(rec.Score),
			ProcessedURL: rec.ProcessedURL,
			BarID:        rec.BarID,
			BarName:      rec.BarName,
			CreatedAt:    rec.CreatedAt,
		})
	}
	return entries
}
