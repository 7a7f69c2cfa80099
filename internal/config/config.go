// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/foamline/internal/detection"
	"github.com/example/foamline/internal/foamline"
)

// Locator backends.
const (
	LocatorRoboflow = "roboflow"
	LocatorVision   = "vision"
)

// Publisher backends.
const (
	PublisherLocal = "local"
	PublisherGCS   = "gcs"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr       string
	GRPCHealthAddr string
	LogLevel       string
	AllowedOrigins []string

	APIKey      string
	JWTSecret   string
	JWTAudience string

	DatabaseDriver string
	DatabaseDSN    string
	RedisAddr      string

	LocatorBackend   string
	RoboflowAPIKey   string
	RoboflowBaseURL  string
	RoboflowProject  string
	RoboflowVersion  int
	TargetClass      string
	MinConfidence    float64
	DetectionPolicy  detection.Policy
	StripWidth       int
	MinGradient      float64
	MinContrast      float64
	DebugDir         string
	JPEGQuality      int
	FetchTimeout     time.Duration
	LocatorTimeout   time.Duration
	ShutdownTimeout  time.Duration
	Publisher        string
	GCSBucket        string
	LocalPublishDir  string
	PublicBaseURL    string
	HealthCheckEvery time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup, applying defaults for unset keys.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	p := parser{lookup: lookup}

	cfg := Config{
		HTTPAddr:       p.str("HTTP_ADDR", ":8080"),
		GRPCHealthAddr: p.str("GRPC_HEALTH_ADDR", ":50051"),
		LogLevel:       p.str("LOG_LEVEL", "info"),
		AllowedOrigins: p.list("CORS_ALLOWED_ORIGINS"),

		APIKey:      p.str("API_KEY", ""),
		JWTSecret:   p.str("JWT_SECRET", ""),
		JWTAudience: p.str("JWT_AUDIENCE", ""),

		DatabaseDriver: strings.ToLower(p.str("DATABASE_DRIVER", DriverPostgres)),
		DatabaseDSN:    p.str("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=foamline port=5432 sslmode=disable"),
		RedisAddr:      p.str("REDIS_ADDR", ""),

		LocatorBackend:   strings.ToLower(p.str("LOCATOR_BACKEND", LocatorRoboflow)),
		RoboflowAPIKey:   p.str("ROBOFLOW_API_KEY", ""),
		RoboflowBaseURL:  p.str("ROBOFLOW_BASE_URL", detection.DefaultRoboflowBaseURL),
		RoboflowProject:  p.str("ROBOFLOW_PROJECT", "findtheg"),
		RoboflowVersion:  p.integer("ROBOFLOW_VERSION", 1),
		TargetClass:      p.str("TARGET_CLASS", "G_logo"),
		MinConfidence:    p.number("MIN_CONFIDENCE", 0.40),
		StripWidth:       p.integer("STRIP_WIDTH", foamline.DefaultStripWidth),
		MinGradient:      p.number("MIN_GRADIENT", foamline.DefaultMinGradient),
		MinContrast:      p.number("MIN_CONTRAST", foamline.DefaultMinContrast),
		DebugDir:         p.str("DEBUG_DIR", ""),
		JPEGQuality:      p.integer("JPEG_QUALITY", 90),
		FetchTimeout:     p.duration("FETCH_TIMEOUT", 15*time.Second),
		LocatorTimeout:   p.duration("LOCATOR_TIMEOUT", 30*time.Second),
		ShutdownTimeout:  p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		Publisher:        strings.ToLower(p.str("PUBLISHER", PublisherLocal)),
		GCSBucket:        p.str("GCS_BUCKET", ""),
		LocalPublishDir:  p.str("LOCAL_PUBLISH_DIR", "./static"),
		PublicBaseURL:    strings.TrimRight(p.str("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		HealthCheckEvery: p.duration("HEALTH_CHECK_INTERVAL", 10*time.Second),
	}

	policy, err := detection.ParsePolicy(p.str("DETECTION_POLICY", string(detection.PolicyStrict)))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("DETECTION_POLICY: %w", err))
	}
	cfg.DetectionPolicy = policy

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the service cannot start with.
func (c Config) Validate() error {
	var errs []error

	if c.APIKey == "" && c.JWTSecret == "" {
		errs = append(errs, errors.New("one of API_KEY or JWT_SECRET is required"))
	}

	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q is not one of postgres, sqlite", c.DatabaseDriver))
	}
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN is required"))
	}

	switch c.LocatorBackend {
	case LocatorRoboflow:
		if c.RoboflowAPIKey == "" {
			errs = append(errs, errors.New("ROBOFLOW_API_KEY is required for the roboflow locator"))
		}
		if c.RoboflowVersion < 1 {
			errs = append(errs, errors.New("ROBOFLOW_VERSION must be positive"))
		}
	case LocatorVision:
	default:
		errs = append(errs, fmt.Errorf("LOCATOR_BACKEND %q is not one of roboflow, vision", c.LocatorBackend))
	}

	switch c.Publisher {
	case PublisherLocal:
		if c.LocalPublishDir == "" {
			errs = append(errs, errors.New("LOCAL_PUBLISH_DIR is required for the local publisher"))
		}
	case PublisherGCS:
		if c.GCSBucket == "" {
			errs = append(errs, errors.New("GCS_BUCKET is required for the gcs publisher"))
		}
	default:
		errs = append(errs, fmt.Errorf("PUBLISHER %q is not one of local, gcs", c.Publisher))
	}

	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, errors.New("MIN_CONFIDENCE must be within [0,1]"))
	}
	if c.StripWidth < 1 {
		errs = append(errs, errors.New("STRIP_WIDTH must be positive"))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, errors.New("JPEG_QUALITY must be within [1,100]"))
	}

	return errors.Join(errs...)
}

// EstimatorOptions returns the foam line thresholds.
func (c Config) EstimatorOptions() foamline.Options {
	return foamline.Options{MinGradient: c.MinGradient, MinContrast: c.MinContrast}
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) str(key, fallback string) string {
	if value, ok := p.lookup(key); ok {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return fallback
}

func (p *parser) list(key string) []string {
	raw := p.str(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (p *parser) integer(key string, fallback int) int {
	raw := p.str(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) number(key string, fallback float64) float64 {
	raw := p.str(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}
