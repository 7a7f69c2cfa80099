package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/foamline/internal/logging"
)

// ErrNotFound reports a missing analysis record.
var ErrNotFound = errors.New("analysis record not found")

// AnalysisRecord represents one persisted scoring request, successful or not.
type AnalysisRecord struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	RequestID    string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	UserID       string    `gorm:"column:user_id;index;size:128" json:"user_id"`
	ImageURL     string    `gorm:"column:image_url;type:text" json:"image_url"`
	ProcessedURL string    `gorm:"column:processed_url;type:text" json:"processed_url,omitempty"`
	Success      bool      `gorm:"column:success;index" json:"success"`
	FailureKind  string    `gorm:"column:failure_kind;size:32" json:"failure_kind,omitempty"`
	Score        float64   `gorm:"column:score;index" json:"score"`
	Grade        string    `gorm:"column:grade;size:4" json:"grade,omitempty"`
	FoamRow      int       `gorm:"column:foam_row" json:"foam_row"`
	CenterRow    float64   `gorm:"column:center_row" json:"center_row"`
	BoxX1        int       `gorm:"column:box_x1" json:"box_x1"`
	BoxY1        int       `gorm:"column:box_y1" json:"box_y1"`
	BoxX2        int       `gorm:"column:box_x2" json:"box_x2"`
	BoxY2        int       `gorm:"column:box_y2" json:"box_y2"`
	Confidence   float64   `gorm:"column:confidence" json:"confidence"`
	LatencyMs    int64     `gorm:"column:latency_ms" json:"latency_ms"`
	SHA1Hash     string    `gorm:"column:sha1_hash;index;size:40" json:"sha1_hash"`
	BarID        string    `gorm:"column:bar_id;index;size:128" json:"bar_id,omitempty"`
	BarName      string    `gorm:"column:bar_name;size:256" json:"bar_name,omitempty"`
	Details      string    `gorm:"column:details;type:text" json:"details"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (AnalysisRecord) TableName() string {
	return "analysis_records"
}

// MetricsAggregation holds raw aggregates over every record.
type MetricsAggregation struct {
	TotalCount                 int64
	SuccessCount               int64
	AverageScore               float64
	AverageProcessingLatencyMs float64
	FailuresByKind             map[string]int64
}

// UserStats summarises the successful analyses of one user.
type UserStats struct {
	Count        int64
	AverageScore float64
	BestScore    float64
}

// AnalysisRepository provides persistence APIs for analysis records.
type AnalysisRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAnalysisRepository creates a new repository instance.
func NewAnalysisRepository(db *gorm.DB, logger *zap.Logger) *AnalysisRepository {
	return &AnalysisRepository{
		db:             db,
		logger:         logger.Named("analysis_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AnalysisRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AnalysisRecord{})
}

// Ping checks the database connection.
func (r *AnalysisRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveRecord persists an analysis record.
func (r *AnalysisRepository) SaveRecord(ctx context.Context, rec *AnalysisRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", rec.RequestID, func() error {
		return r.db.WithContext(ctx).Create(rec).Error
	})
}

// FindByRequestIDAndUser retrieves a record matching the request and owner.
func (r *AnalysisRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*AnalysisRecord, error) {
	var rec AnalysisRecord
	err := r.executeWithRetry(ctx, "repository.find_record", requestID, func() error {
		return r.db.WithContext(ctx).First(&rec, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindDuplicatesByHash lists other records of the user for the same photo.
func (r *AnalysisRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*AnalysisRecord, error) {
	var recs []*AnalysisRecord
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND sha1_hash = ? AND request_id <> ?", userID, hash, excludeRequestID).
			Order("created_at ASC").
			Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// AggregateMetrics computes totals, averages and failure counts.
func (r *AnalysisRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var totals struct {
		TotalCount     int64
		SuccessCount   int64
		AverageLatency float64
	}
	var scores struct {
		AverageScore float64
	}
	var failures []struct {
		FailureKind string
		Count       int64
	}

	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		db := r.db.WithContext(ctx).Model(&AnalysisRecord{})
		if err := db.Select(
			"COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency",
		).Scan(&totals).Error; err != nil {
			return err
		}
		if err := r.db.WithContext(ctx).Model(&AnalysisRecord{}).
			Select("COALESCE(AVG(score), 0) AS average_score").
			Where("success = ?", true).
			Scan(&scores).Error; err != nil {
			return err
		}
		failures = failures[:0]
		return r.db.WithContext(ctx).Model(&AnalysisRecord{}).
			Select("failure_kind, COUNT(*) AS count").
			Where("success = ?", false).
			Group("failure_kind").
			Scan(&failures).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &MetricsAggregation{
		TotalCount:                 totals.TotalCount,
		SuccessCount:               totals.SuccessCount,
		AverageScore:               scores.AverageScore,
		AverageProcessingLatencyMs: totals.AverageLatency,
		FailuresByKind:             make(map[string]int64, len(failures)),
	}
	for _, f := range failures {
		agg.FailuresByKind[f.FailureKind] = f.Count
	}
	return agg, nil
}

// UserStats returns count, average and best score of a user's successful analyses.
func (r *AnalysisRepository) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	var stats UserStats
	err := r.executeWithRetry(ctx, "repository.user_stats", "", func() error {
		return r.db.WithContext(ctx).Model(&AnalysisRecord{}).
			Select("COUNT(*) AS count, COALESCE(AVG(score), 0) AS average_score, COALESCE(MAX(score), 0) AS best_score").
			Where("user_id = ? AND success = ?", userID, true).
			Scan(&stats).Error
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// TopScores returns the best successful analyses, highest score first and
// earliest first among equal scores.
func (r *AnalysisRepository) TopScores(ctx context.Context, limit int) ([]*AnalysisRecord, error) {
	return r.topScores(ctx, "repository.top_scores", "", limit)
}

// BarTopScores is TopScores restricted to the pours attached to barID.
func (r *AnalysisRepository) BarTopScores(ctx context.Context, barID string, limit int) ([]*AnalysisRecord, error) {
	return r.topScores(ctx, "repository.bar_top_scores", barID, limit)
}

func (r *AnalysisRepository) topScores(ctx context.Context, operation, barID string, limit int) ([]*AnalysisRecord, error) {
	var recs []*AnalysisRecord
	err := r.executeWithRetry(ctx, operation, "", func() error {
		q := r.db.WithContext(ctx).Where("success = ?", true)
		if barID != "" {
			q = q.Where("bar_id = ?", barID)
		}
		return q.Order("score DESC").
			Order("created_at ASC").
			Limit(limit).
			Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// AssignBar attaches a successful analysis owned by userID to a bar.
// ErrNotFound is returned when no such analysis exists.
func (r *AnalysisRepository) AssignBar(ctx context.Context, requestID, userID, barID, barName string) error {
	var affected int64
	err := r.executeWithRetry(ctx, "repository.assign_bar", requestID, func() error {
		res := r.db.WithContext(ctx).Model(&AnalysisRecord{}).
			Where("request_id = ? AND user_id = ? AND success = ?", requestID, userID, true).
			Updates(map[string]interface{}{"bar_id": barID, "bar_name": barName})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AnalysisRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewRetriedOperationError(operation, requestID, attempt+1, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewRetriedOperationError(operation, requestID, attempts, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
