package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/foamline/internal/annotate"
	"github.com/example/foamline/internal/detection"
	"github.com/example/foamline/internal/foamline"
	"github.com/example/foamline/internal/imagefetch"
	"github.com/example/foamline/internal/logging"
	"github.com/example/foamline/internal/publisher"
	"github.com/example/foamline/internal/repository"
	"github.com/example/foamline/internal/scoring"
)

const (
	processingPrefix = "processing:"
	processingTTL    = time.Minute
	resultTTL        = 10 * time.Minute
)

// AnalysisRepository defines the persistence operations needed by the use case.
type AnalysisRepository interface {
	SaveRecord(ctx context.Context, rec *repository.AnalysisRecord) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.AnalysisRecord, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.AnalysisRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
	UserStats(ctx context.Context, userID string) (*repository.UserStats, error)
	TopScores(ctx context.Context, limit int) ([]*repository.AnalysisRecord, error)
	BarTopScores(ctx context.Context, barID string, limit int) ([]*repository.AnalysisRecord, error)
	AssignBar(ctx context.Context, requestID, userID, barID, barName string) error
}

// ImageFetcher downloads and decodes the submitted photo.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (*imagefetch.Fetched, error)
}

// Settings are the measurement parameters of the pipeline.
type Settings struct {
	TargetClass   string
	MinConfidence float64
	Policy        detection.Policy
	StripWidth    int
	Estimator     foamline.Options
	// DebugDir receives intermediate estimator images when set.
	DebugDir    string
	JPEGQuality int
}

// DefaultSettings matches the hosted G logo model.
func DefaultSettings() Settings {
	return Settings{
		TargetClass:   "G_logo",
		MinConfidence: 0.4,
		Policy:        detection.PolicyStrict,
		StripWidth:    foamline.DefaultStripWidth,
		Estimator:     foamline.DefaultOptions(),
		JPEGQuality:   90,
	}
}

// Analysis is the outcome of one scoring request.
type Analysis struct {
	RequestID    string
	UserID       string
	ImageURL     string
	ProcessedURL string
	Success      bool
	FailureKind  FailureKind
	Box          detection.Box
	Confidence   float64
	FoamRow      int
	CenterRow    float64
	Score        float64
	Percent      float64
	Grade        scoring.Grade
	LatencyMs    int64
	BarID        string
	BarName      string
	CreatedAt    time.Time
}

// DuplicateReport lists earlier submissions of the same photo.
type DuplicateReport struct {
	Request    *Analysis
	Duplicates []*Analysis
}

// AnalysisUseCase encapsulates the scoring pipeline.
type AnalysisUseCase struct {
	repo           AnalysisRepository
	cache          Cache
	fetcher        ImageFetcher
	locator        detection.Locator
	publisher      publisher.Publisher
	settings       Settings
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
	newID          func() string
}

// NewAnalysisUseCase constructs a new use case instance.
func NewAnalysisUseCase(
	repo AnalysisRepository,
	cache Cache,
	fetcher ImageFetcher,
	locator detection.Locator,
	pub publisher.Publisher,
	settings Settings,
	logger *zap.Logger,
) *AnalysisUseCase {
	if cache == nil {
		cache = NoopCache{}
	}
	return &AnalysisUseCase{
		repo:           repo,
		cache:          cache,
		fetcher:        fetcher,
		locator:        locator,
		publisher:      pub,
		settings:       settings,
		logger:         logger.Named("analysis_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// Analyze fetches the photo at imageURL, measures the foam line against the
// logo and returns the score. Content failures come back as *AnalysisError
// with a content kind; they are persisted like successes so metrics see them.
func (uc *AnalysisUseCase) Analyze(ctx context.Context, userID, imageURL string) (*Analysis, error) {
	start := uc.now()
	requestID := uc.newID()
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze", requestID)
	s := uc.settings

	cacheKey := resultCacheKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, processingPrefix+userID, processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, &AnalysisError{Kind: KindStorageFailed, RequestID: requestID, Err: err}
	}

	rec := &repository.AnalysisRecord{
		RequestID: requestID,
		UserID:    userID,
		ImageURL:  imageURL,
		CreatedAt: start.UTC(),
	}

	fetched, err := uc.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		kind := KindFetchFailed
		if errors.Is(err, imagefetch.ErrUnsupportedImage) || errors.Is(err, imagefetch.ErrImageTooLarge) {
			kind = KindInvalidImage
		}
		return nil, uc.fail(ctx, rec, start, kind, err)
	}
	sum := sha1.Sum(fetched.Data)
	rec.SHA1Hash = hex.EncodeToString(sum[:])

	// The locator gets the decoded pixels, not the upload, so its boxes are in
	// the same frame as the image the estimator reads.
	payload, err := annotate.EncodeJPEG(fetched.Image, s.JPEGQuality)
	if err != nil {
		return nil, uc.fail(ctx, rec, start, KindInvalidImage, fmt.Errorf("re-encode photo: %w", err))
	}
	dets, err := uc.locator.Locate(ctx, detection.Image{
		Data:        payload,
		ContentType: "image/jpeg",
		URL:         imageURL,
	})
	if err != nil {
		return nil, uc.fail(ctx, rec, start, KindLocatorFailed, err)
	}

	det, err := detection.Select(dets, s.TargetClass, s.MinConfidence, s.Policy)
	if err != nil {
		kind := KindNoDetection
		if errors.Is(err, detection.ErrAmbiguousDetection) {
			kind = KindAmbiguousDetection
		}
		return nil, uc.fail(ctx, rec, start, kind, err)
	}
	rec.Confidence = det.Confidence

	box, ok := det.Box().Clamp(fetched.Image.Bounds())
	if !ok || box.Height() < 2 {
		err := fmt.Errorf("%w: box %+v does not overlap the image", detection.ErrNoDetection, det.Box())
		return nil, uc.fail(ctx, rec, start, KindNoDetection, err)
	}
	rec.BoxX1, rec.BoxY1, rec.BoxX2, rec.BoxY2 = box.X1, box.Y1, box.X2, box.Y2

	opts := s.Estimator
	if s.DebugDir != "" {
		opts.Sink = foamline.NewDirSink(s.DebugDir, requestID, opLogger)
	}
	strip := foamline.ColumnStrip(fetched.Image, box.Rect(), s.StripWidth)
	foamRow, err := foamline.Estimate(strip, opts)
	if err != nil {
		return nil, uc.fail(ctx, rec, start, KindNoTransition, err)
	}

	result := scoring.Evaluate(foamRow, box.Y1, box.Y2)
	rec.FoamRow = result.FoamRow
	rec.CenterRow = result.CenterRow
	rec.Score = result.Score
	rec.Grade = string(result.Grade)

	annotated := annotate.Render(fetched.Image, annotate.Marks{
		Box:       box.Rect(),
		FoamRow:   foamRow,
		CenterRow: int(math.Round(result.CenterRow)),
	})
	data, err := annotate.EncodeJPEG(annotated, s.JPEGQuality)
	if err != nil {
		return nil, uc.fail(ctx, rec, start, KindPublishFailed, fmt.Errorf("encode annotated image: %w", err))
	}
	processedURL, err := uc.publisher.Publish(ctx, publisher.ObjectName(requestID), data, "image/jpeg")
	if err != nil {
		wrapped := logging.NewOperationError("publisher.publish", requestID, err)
		return nil, uc.fail(ctx, rec, start, KindPublishFailed, wrapped)
	}

	rec.ProcessedURL = processedURL
	rec.Success = true
	rec.LatencyMs = uc.now().Sub(start).Milliseconds()
	rec.Details = fmt.Sprintf("foam_row:%d center_row:%.1f distance:%.1f score:%.4f grade:%s hash:%s",
		result.FoamRow, result.CenterRow, result.Distance, result.Score, result.Grade, rec.SHA1Hash)

	if err := uc.repo.SaveRecord(ctx, rec); err != nil {
		opLogger.Error("failed to persist analysis", zap.Error(err))
		uc.clearProcessing(ctx, opLogger, requestID)
		return nil, &AnalysisError{Kind: KindStorageFailed, RequestID: requestID, Err: err}
	}
	uc.cacheRecord(ctx, opLogger, rec)

	opLogger.Info("analysis complete",
		zap.String("user_id", userID),
		zap.Int("foam_row", result.FoamRow),
		zap.Float64("center_row", result.CenterRow),
		zap.Float64("score", result.Score),
		zap.String("grade", string(result.Grade)),
		zap.Int64("latency_ms", rec.LatencyMs))

	return analysisFromRecord(rec), nil
}

func (uc *AnalysisUseCase) fail(ctx context.Context, rec *repository.AnalysisRecord, start time.Time, kind FailureKind, err error) error {
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze", rec.RequestID)
	if kind.IsContentFailure() {
		opLogger.Info("photo could not be scored", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		opLogger.Error("analysis failed", zap.String("kind", string(kind)), zap.Error(err))
	}

	rec.Success = false
	rec.FailureKind = string(kind)
	rec.LatencyMs = uc.now().Sub(start).Milliseconds()
	rec.Details = err.Error()
	if saveErr := uc.repo.SaveRecord(ctx, rec); saveErr != nil {
		opLogger.Warn("failed to persist failed analysis", zap.Error(saveErr))
		uc.clearProcessing(ctx, opLogger, rec.RequestID)
	} else {
		uc.cacheRecord(ctx, opLogger, rec)
	}

	return &AnalysisError{Kind: kind, RequestID: rec.RequestID, Err: err}
}

func (uc *AnalysisUseCase) cacheRecord(ctx context.Context, opLogger *zap.Logger, rec *repository.AnalysisRecord) {
	serialized, err := json.Marshal(rec)
	if err != nil {
		opLogger.Warn("failed to serialize analysis", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, rec.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultCacheKey(rec.RequestID), string(serialized), resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache analysis", zap.Error(err))
	}
}

// clearProcessing drops the processing flag of a request whose record could
// not be stored, so later lookups report it as unknown instead of pending.
func (uc *AnalysisUseCase) clearProcessing(ctx context.Context, opLogger *zap.Logger, requestID string) {
	if err := uc.withRedisRetry(ctx, requestID, "cache.del.processing", func() error {
		return uc.cache.Del(ctx, resultCacheKey(requestID))
	}); err != nil {
		opLogger.Warn("failed to clear processing flag", zap.Error(err))
	}
}

// GetResult retrieves an analysis from the cache or, on a miss, from persistence.
func (uc *AnalysisUseCase) GetResult(ctx context.Context, userID, requestID string) (*Analysis, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultCacheKey(requestID))
	switch {
	case err == nil && strings.HasPrefix(cached, processingPrefix):
		if strings.TrimPrefix(cached, processingPrefix) == userID {
			return nil, ErrResultPending
		}
	case err == nil:
		var rec repository.AnalysisRecord
		if err := json.Unmarshal([]byte(cached), &rec); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if rec.UserID == userID {
			return analysisFromRecord(&rec), nil
		}
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	rec, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return analysisFromRecord(rec), nil
}

// GetDuplicateReport lists the caller's other submissions of the same photo.
func (uc *AnalysisUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	rec, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	report := &DuplicateReport{Request: analysisFromRecord(rec), Duplicates: []*Analysis{}}
	if rec.SHA1Hash == "" {
		return report, nil
	}
	dups, err := uc.repo.FindDuplicatesByHash(ctx, userID, rec.SHA1Hash, rec.RequestID)
	if err != nil {
		return nil, err
	}
	for _, d := range dups {
		report.Duplicates = append(report.Duplicates, analysisFromRecord(d))
	}
	return report, nil
}

// AssignBar attaches the caller's scored pour to a bar so it appears on
// that bar's leaderboard. Reassigning moves the pour to the new bar.
func (uc *AnalysisUseCase) AssignBar(ctx context.Context, userID, requestID, barID, barName string) (*Analysis, error) {
	barID, barName = strings.TrimSpace(barID), strings.TrimSpace(barName)
	if barID == "" || barName == "" {
		return nil, ErrInvalidBar
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.assign_bar", requestID)

	rec, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !rec.Success {
		return nil, ErrNotScored
	}

	if err := uc.repo.AssignBar(ctx, requestID, userID, barID, barName); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.BarID, rec.BarName = barID, barName
	uc.cacheRecord(ctx, opLogger, rec)

	opLogger.Info("pour assigned to bar", zap.String("user_id", userID), zap.String("bar_id", barID))
	return analysisFromRecord(rec), nil
}

func analysisFromRecord(rec *repository.AnalysisRecord) *Analysis {
	a := &Analysis{
		RequestID:    rec.RequestID,
		UserID:       rec.UserID,
		ImageURL:     rec.ImageURL,
		ProcessedURL: rec.ProcessedURL,
		Success:      rec.Success,
		FailureKind:  FailureKind(rec.FailureKind),
		Box:          detection.Box{X1: rec.BoxX1, Y1: rec.BoxY1, X2: rec.BoxX2, Y2: rec.BoxY2},
		Confidence:   rec.Confidence,
		FoamRow:      rec.FoamRow,
		CenterRow:    rec.CenterRow,
		Score:        rec.Score,
		Grade:        scoring.Grade(rec.Grade),
		LatencyMs:    rec.LatencyMs,
		BarID:        rec.BarID,
		BarName:      rec.BarName,
		CreatedAt:    rec.CreatedAt,
	}
	if rec.Success {
		a.Percent = scoring.Percent(rec.Score)
	}
	return a
}

func (uc *AnalysisUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return err
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewRetriedOperationError(operation, requestID, attempt+1, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewRetriedOperationError(operation, requestID, uc.retryAttempts, err)
}

func (uc *AnalysisUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
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
