package usecase

import (
	"context"
	"encoding/json"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/foamline/internal/detection"
	"github.com/example/foamline/internal/imagefetch"
	"github.com/example/foamline/internal/logging"
	"github.com/example/foamline/internal/repository"
	"github.com/example/foamline/internal/scoring"
)

type stubRepository struct {
	saved     []*repository.AnalysisRecord
	saveErr   error
	findRec   *repository.AnalysisRecord
	findErr   error
	findCalls int
	dups      []*repository.AnalysisRecord
	agg       *repository.MetricsAggregation
	stats     *repository.UserStats
	top       []*repository.AnalysisRecord
	topLimit  int
	topBarID  string
	assigned  []string
	assignErr error
}

func (s *stubRepository) SaveRecord(ctx context.Context, rec *repository.AnalysisRecord) error {
	copied := *rec
	s.saved = append(s.saved, &copied)
	return s.saveErr
}

func (s *stubRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.AnalysisRecord, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findRec != nil && s.findRec.RequestID == requestID && s.findRec.UserID == userID {
		return s.findRec, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.AnalysisRecord, error) {
	return s.dups, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.agg, nil
}

func (s *stubRepository) UserStats(ctx context.Context, userID string) (*repository.UserStats, error) {
	return s.stats, nil
}

func (s *stubRepository) TopScores(ctx context.Context, limit int) ([]*repository.AnalysisRecord, error) {
	s.topLimit = limit
	return s.top, nil
}

func (s *stubRepository) BarTopScores(ctx context.Context, barID string, limit int) ([]*repository.AnalysisRecord, error) {
	s.topBarID, s.topLimit = barID, limit
	return s.top, nil
}

func (s *stubRepository) AssignBar(ctx context.Context, requestID, userID, barID, barName string) error {
	if s.assignErr != nil {
		return s.assignErr
	}
	s.assigned = append(s.assigned, requestID+"@"+barID+"/"+barName)
	return nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []interface{}
	getKeys   []string
	delKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

func (s *stubCache) Del(ctx context.Context, key string) error {
	s.delKeys = append(s.delKeys, key)
	return nil
}

// memoryCache keeps values so reads observe earlier writes.
type memoryCache struct {
	values map[string]string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string]string{}}
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.values[key] = fmt.Sprint(value)
	return nil
}

func (m *memoryCache) Get(ctx context.Context, key string) (string, error) {
	value, ok := m.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func (m *memoryCache) Del(ctx context.Context, key string) error {
	delete(m.values, key)
	return nil
}

type stubFetcher struct {
	img image.Image
	err error
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (*imagefetch.Fetched, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &imagefetch.Fetched{Data: []byte("photo"), ContentType: "image/png", Format: "png", Image: s.img}, nil
}

type stubLocator struct {
	dets  []detection.Detection
	err   error
	calls int
	got   detection.Image
}

func (s *stubLocator) Locate(ctx context.Context, img detection.Image) ([]detection.Detection, error) {
	s.calls++
	s.got = img
	return s.dets, s.err
}

type stubPublisher struct {
	names []string
	err   error
}

func (s *stubPublisher) Publish(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.names = append(s.names, name)
	return "http://media.test/" + name, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

// pourImage is 40x100 with dark stout above row foamRow and light foam below.
func pourImage(foamRow int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 40, 100))
	for y := 0; y < 100; y++ {
		c := color.RGBA{R: 20, G: 20, B: 20, A: 255}
		if y >= foamRow {
			c = color.RGBA{R: 220, G: 215, B: 200, A: 255}
		}
		for x := 0; x < 40; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func uniformImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 40, 100))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

// logoDetection covers columns 10..30 and rows 0..100.
func logoDetection(confidence float64) detection.Detection {
	return detection.Detection{Class: "G_logo", Confidence: confidence, X: 20, Y: 50, Width: 20, Height: 100}
}

type fixture struct {
	repo      *stubRepository
	cache     *stubCache
	fetcher   *stubFetcher
	locator   *stubLocator
	publisher *stubPublisher
	uc        *AnalysisUseCase
}

func newFixture(t *testing.T, img image.Image, dets ...detection.Detection) *fixture {
	t.Helper()
	f := &fixture{
		repo:      &stubRepository{},
		cache:     &stubCache{},
		fetcher:   &stubFetcher{img: img},
		locator:   &stubLocator{dets: dets},
		publisher: &stubPublisher{},
	}
	f.uc = NewAnalysisUseCase(f.repo, f.cache, f.fetcher, f.locator, f.publisher, DefaultSettings(), zap.NewNop())
	f.uc.initialBackoff = time.Millisecond
	f.uc.maxBackoff = 2 * time.Millisecond
	f.uc.newID = func() string { return "req-1" }
	return f
}

func TestAnalyzeScoresCentredSplit(t *testing.T) {
	f := newFixture(t, pourImage(50), logoDetection(0.9))

	got, err := f.uc.Analyze(context.Background(), "user-1", "http://example.test/pint.png")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got.FoamRow != 50 || got.CenterRow != 50 {
		t.Fatalf("unexpected rows: foam=%d center=%.1f", got.FoamRow, got.CenterRow)
	}
	if got.Score != 1 || got.Grade != scoring.GradeAPlus || got.Percent != 100 {
		t.Fatalf("unexpected score: %+v", got)
	}
	if got.Box != (detection.Box{X1: 10, Y1: 0, X2: 30, Y2: 100}) {
		t.Fatalf("unexpected box: %+v", got.Box)
	}
	if got.ProcessedURL != "http://media.test/processed/req-1.jpg" {
		t.Fatalf("unexpected processed url: %s", got.ProcessedURL)
	}
	if len(f.repo.saved) != 1 || !f.repo.saved[0].Success || f.repo.saved[0].SHA1Hash == "" {
		t.Fatalf("expected one successful record, got %+v", f.repo.saved)
	}
	if len(f.cache.setKeys) != 2 || f.cache.setKeys[0] != "analysis:req-1" || f.cache.setKeys[1] != "analysis:req-1" {
		t.Fatalf("unexpected cache writes: %v", f.cache.setKeys)
	}
	if f.cache.setValues[0] != "processing:user-1" {
		t.Fatalf("unexpected processing marker: %v", f.cache.setValues[0])
	}
}

func TestAnalyzeFoamNearTopScoresLow(t *testing.T) {
	f := newFixture(t, pourImage(10), logoDetection(0.9))

	got, err := f.uc.Analyze(context.Background(), "user-1", "http://example.test/pint.png")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got.FoamRow != 10 {
		t.Fatalf("expected foam row 10, got %d", got.FoamRow)
	}
	if got.Percent != 20 || got.Grade != scoring.GradeF {
		t.Fatalf("expected 20%% and F, got %.1f %s", got.Percent, got.Grade)
	}
}

func TestAnalyzeContentFailures(t *testing.T) {
	tests := []struct {
		name string
		img  image.Image
		dets []detection.Detection
		want FailureKind
	}{
		{name: "no detections", img: pourImage(50), want: KindNoDetection},
		{name: "below confidence", img: pourImage(50), dets: []detection.Detection{logoDetection(0.2)}, want: KindNoDetection},
		{
			name: "other class",
			img:  pourImage(50),
			dets: []detection.Detection{{Class: "pint", Confidence: 0.9, X: 20, Y: 50, Width: 20, Height: 100}},
			want: KindNoDetection,
		},
		{
			name: "box outside image",
			img:  pourImage(50),
			dets: []detection.Detection{{Class: "G_logo", Confidence: 0.9, X: 500, Y: 500, Width: 20, Height: 20}},
			want: KindNoDetection,
		},
		{name: "ambiguous", img: pourImage(50), dets: []detection.Detection{logoDetection(0.9), logoDetection(0.8)}, want: KindAmbiguousDetection},
		{name: "no transition", img: uniformImage(), dets: []detection.Detection{logoDetection(0.9)}, want: KindNoTransition},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.img, tc.dets...)

			_, err := f.uc.Analyze(context.Background(), "user-1", "http://example.test/pint.png")
			kind, ok := KindOf(err)
			if !ok || kind != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
			if !kind.IsContentFailure() {
				t.Fatalf("expected content failure kind, got %s", kind)
			}
			if len(f.publisher.names) != 0 {
				t.Fatalf("nothing should be published on failure, got %v", f.publisher.names)
			}
			if len(f.repo.saved) != 1 || f.repo.saved[0].Success || f.repo.saved[0].FailureKind != string(tc.want) {
				t.Fatalf("expected failed record, got %+v", f.repo.saved)
			}
		})
	}
}

func TestAnalyzeHighestConfidencePolicyResolvesAmbiguity(t *testing.T) {
	decoy := detection.Detection{Class: "G_logo", Confidence: 0.5, X: 20, Y: 30, Width: 20, Height: 60}
	f := newFixture(t, pourImage(50), decoy, logoDetection(0.9))
	f.uc.settings.Policy = detection.PolicyHighestConfidence

	got, err := f.uc.Analyze(context.Background(), "user-1", "http://example.test/pint.png")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got.Confidence != 0.9 || got.Score != 1 {
		t.Fatalf("expected the confident detection to be scored, got %+v", got)
	}
}

func TestAnalyzeInfrastructureFailures(t *testing.T) {
	t.Run("locator", func(t *testing.T) {
		f := newFixture(t, pourImage(50))
		f.locator.err = &detection.LocatorError{Backend: "roboflow", Err: errors.New("http 503")}

		_, err := f.uc.Analyze(context.Background(), "user-1", "http://example.test/pint.png")
		if kind, _ := KindOf(err); kind != KindLocatorFailed {
			t.Fatalf("expected locator_failed, got %v", err)
		}
		var locErr *detection.LocatorError
		if !errors.As(err, &locErr) {
			t.Fatalf("expected LocatorError in chain, got %T", err)
		}
	})

	t.Run("fetch", func(t *testing.T) {
		f := newFixture(t, nil)
		f.fetcher.err = imagefetch.ErrFetch

		_, err := f.uc.Analyze(context.Background(), "user-1", "http://example.test/pint.png")
		if kind, _ := KindOf(err); kind != KindFetchFailed {
			t.Fatalf("expected fetch_failed, got %v", err)
		}
		if f.locator.calls != 0 {
			t.Fatal("locator must not run without an image")
		}
	})

	t.Run("unsupported image", func(t *testing.T) {
		f := newFixture(t, nil)
		f.fetcher.err = imagefetch.ErrUnsupportedImage

		_, err := f.uc.Analyze(context.Background(), "user-1", "http://example.test/pint.txt")
		if kind, _ := KindOf(err); kind != KindInvalidImage {
			t.Fatalf("expected invalid_image, got %v", err)
		}
	})

	t.Run("publish", func(t *testing.T) {
		f := newFixture(t, pourImage(50), logoDetection(0.9))
		f.publisher.err = errors.New("bucket unavailable")

		_, err := f.uc.Analyze(context.Background(), "user-1", "http://example.test/pint.png")
		if kind, _ := KindOf(err); kind != KindPublishFailed {
			t.Fatalf("expected publish_failed, got %v", err)
		}
		var opErr *logging.OperationError
		if !errors.As(err, &opErr) || opErr.Operation != "publisher.publish" {
			t.Fatalf("expected publisher OperationError, got %v", err)
		}
	})

	t.Run("storage", func(t *testing.T) {
		f := newFixture(t, pourImage(50), logoDetection(0.9))
		f.repo.saveErr = errors.New("disk full")

		_, err := f.uc.Analyze(context.Background(), "user-1", "http://example.test/pint.png")
		if kind, _ := KindOf(err); kind != KindStorageFailed {
			t.Fatalf("expected storage_failed, got %v", err)
		}
	})
}

func TestAnalyzeRetriesRedisSet(t *testing.T) {
	f := newFixture(t, pourImage(50), logoDetection(0.9))
	f.cache.setErrs = []error{transientRedisError{}}

	if _, err := f.uc.Analyze(context.Background(), "user-1", "http://example.test/pint.png"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(f.cache.setKeys) != 3 {
		t.Fatalf("expected 3 cache set calls (retry + result), got %d", len(f.cache.setKeys))
	}
	if f.cache.setKeys[0] != f.cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", f.cache.setKeys[0], f.cache.setKeys[1])
	}
}

func TestAnalyzeReturnsOperationErrorOnCacheFailure(t *testing.T) {
	f := newFixture(t, pourImage(50), logoDetection(0.9))
	f.cache.setErrs = []error{errors.New("boom")}

	_, err := f.uc.Analyze(context.Background(), "user-1", "http://example.test/pint.png")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if f.locator.calls != 0 {
		t.Fatal("pipeline must not start when the processing flag cannot be set")
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	f := newFixture(t, nil)
	f.cache.getErrs = []error{redis.Nil}
	f.repo.findRec = &repository.AnalysisRecord{RequestID: "req", UserID: "user", Success: true, Score: 0.8, Grade: "B+"}

	got, err := f.uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got.Score != 0.8 || got.Percent != 80 || got.Grade != scoring.GradeBPlus {
		t.Fatalf("unexpected analysis: %+v", got)
	}
	if f.repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", f.repo.findCalls)
	}
}

func TestGetResultServesCachedRecord(t *testing.T) {
	f := newFixture(t, nil)
	payload, err := json.Marshal(&repository.AnalysisRecord{RequestID: "req", UserID: "user", Success: true, Score: 1, Grade: "A+"})
	if err != nil {
		t.Fatal(err)
	}
	f.cache.getValues = []string{string(payload)}

	got, err := f.uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got.Grade != scoring.GradeAPlus || f.repo.findCalls != 0 {
		t.Fatalf("expected cached result without repository lookup, got %+v (calls=%d)", got, f.repo.findCalls)
	}
}

func TestGetResultPendingAndOwnership(t *testing.T) {
	f := newFixture(t, nil)
	f.cache.getValues = []string{"processing:user"}
	if _, err := f.uc.GetResult(context.Background(), "user", "req"); !errors.Is(err, ErrResultPending) {
		t.Fatalf("expected ErrResultPending, got %v", err)
	}

	f.cache.getValues = []string{"processing:someone-else"}
	if _, err := f.uc.GetResult(context.Background(), "user", "req"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user's request, got %v", err)
	}
}

func TestGetDuplicateReport(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.findRec = &repository.AnalysisRecord{RequestID: "req", UserID: "user", SHA1Hash: "abc", Success: true, Score: 0.5}
	f.repo.dups = []*repository.AnalysisRecord{{RequestID: "older", UserID: "user", SHA1Hash: "abc"}}

	report, err := f.uc.GetDuplicateReport(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Request.RequestID != "req" || len(report.Duplicates) != 1 || report.Duplicates[0].RequestID != "older" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestAnalyzeStorageFailureClearsProcessingFlag(t *testing.T) {
	tests := []struct {
		name string
		img  image.Image
		kind FailureKind
	}{
		{name: "scored pour", img: pourImage(50), kind: KindStorageFailed},
		{name: "unscorable pour", img: uniformImage(), kind: KindNoTransition},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.img, logoDetection(0.9))
			cache := newMemoryCache()
			f.uc.cache = cache
			f.repo.saveErr = errors.New("db down")

			_, err := f.uc.Analyze(context.Background(), "user-1", "https://example.test/pint.jpg")
			kind, ok := KindOf(err)
			if !ok || kind != tc.kind {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
			if _, ok := cache.values[resultCacheKey("req-1")]; ok {
				t.Fatalf("processing flag left behind: %q", cache.values[resultCacheKey("req-1")])
			}

			_, err = f.uc.GetResult(context.Background(), "user-1", "req-1")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestAnalyzeFailureRecordReplacesProcessingFlag(t *testing.T) {
	f := newFixture(t, uniformImage(), logoDetection(0.9))
	cache := newMemoryCache()
	f.uc.cache = cache

	_, err := f.uc.Analyze(context.Background(), "user-1", "https://example.test/pint.jpg")
	if kind, _ := KindOf(err); kind != KindNoTransition {
		t.Fatalf("expected no_transition, got %v", err)
	}

	got, err := f.uc.GetResult(context.Background(), "user-1", "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Success || got.FailureKind != KindNoTransition {
		t.Fatalf("expected stored failure, got %+v", got)
	}
	if f.repo.findCalls != 0 {
		t.Fatalf("expected cache hit, repository was queried %d times", f.repo.findCalls)
	}
}

func TestAnalyzeSendsDecodedPixelsToLocator(t *testing.T) {
	f := newFixture(t, pourImage(50), logoDetection(0.9))

	if _, err := f.uc.Analyze(context.Background(), "user-1", "https://example.test/pint.jpg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.locator.got.ContentType != "image/jpeg" {
		t.Fatalf("expected image/jpeg payload, got %q", f.locator.got.ContentType)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(f.locator.got.Data))
	if err != nil {
		t.Fatalf("locator payload is not a JPEG: %v", err)
	}
	if cfg.Width != 40 || cfg.Height != 100 {
		t.Fatalf("expected 40x100 payload, got %dx%d", cfg.Width, cfg.Height)
	}
	// The duplicate hash stays on the uploaded bytes.
	if got := f.repo.saved[0].SHA1Hash; got != "eeb35d331bddcddfdbb0a6d16f64120bb01356fd" {
		t.Fatalf("expected sha1 of upload, got %s", got)
	}
}

func TestAssignBar(t *testing.T) {
	scored := &repository.AnalysisRecord{RequestID: "req-9", UserID: "user-1", Success: true, Score: 0.93, CreatedAt: time.Now().UTC()}

	t.Run("attaches scored pour", func(t *testing.T) {
		f := newFixture(t, nil)
		cache := newMemoryCache()
		f.uc.cache = cache
		f.repo.findRec = scored

		got, err := f.uc.AssignBar(context.Background(), "user-1", "req-9", " bar-1 ", "The Brazen Head")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.BarID != "bar-1" || got.BarName != "The Brazen Head" {
			t.Fatalf("unexpected bar on result: %+v", got)
		}
		if len(f.repo.assigned) != 1 || f.repo.assigned[0] != "req-9@bar-1/The Brazen Head" {
			t.Fatalf("unexpected assignment: %v", f.repo.assigned)
		}

		var cached repository.AnalysisRecord
		if err := json.Unmarshal([]byte(cache.values[resultCacheKey("req-9")]), &cached); err != nil {
			t.Fatalf("expected cached record: %v", err)
		}
		if cached.BarID != "bar-1" {
			t.Fatalf("cache not refreshed: %+v", cached)
		}
	})

	cases := []struct {
		name      string
		rec       *repository.AnalysisRecord
		barID     string
		assignErr error
		want      error
	}{
		{name: "missing bar", rec: scored, barID: "  ", want: ErrInvalidBar},
		{name: "unknown request", barID: "bar-1", want: ErrNotFound},
		{name: "failed analysis", rec: &repository.AnalysisRecord{RequestID: "req-9", UserID: "user-1", FailureKind: "no_detection"}, barID: "bar-1", want: ErrNotScored},
		{name: "row vanished", rec: scored, barID: "bar-1", assignErr: repository.ErrNotFound, want: ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.repo.findRec = tc.rec
			f.repo.assignErr = tc.assignErr

			_, err := f.uc.AssignBar(context.Background(), "user-1", "req-9", tc.barID, "The Brazen Head")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if tc.assignErr == nil && len(f.repo.assigned) != 0 {
				t.Fatalf("nothing should be assigned, got %v", f.repo.assigned)
			}
		})
	}
}
