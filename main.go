package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/foamline/internal/auth"
	"github.com/example/foamline/internal/config"
	"github.com/example/foamline/internal/detection"
	"github.com/example/foamline/internal/handlers"
	"github.com/example/foamline/internal/healthcheck"
	"github.com/example/foamline/internal/imagefetch"
	"github.com/example/foamline/internal/logging"
	"github.com/example/foamline/internal/publisher"
	"github.com/example/foamline/internal/repository"
	"github.com/example/foamline/internal/usecase"
)

const mediaRoute = "/media"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

// run wires every dependency from cfg and serves until a shutdown signal.
func run(cfg config.Config, logger *zap.Logger) error {
	initCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := initDatabase(initCtx, cfg, logger)
	if err != nil {
		return err
	}
	repo := repository.NewAnalysisRepository(db, logger)
	if err := repo.AutoMigrate(initCtx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	cache, redisClient, err := initCache(initCtx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	locator, closeLocator, err := initLocator(initCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocator()

	pub, localDir, closePublisher, err := initPublisher(initCtx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	fetcher := imagefetch.NewFetcher(imagefetch.NewHTTPClient(cfg.FetchTimeout))
	uc := usecase.NewAnalysisUseCase(repo, cache, fetcher, locator, pub, usecase.Settings{
		TargetClass:   cfg.TargetClass,
		MinConfidence: cfg.MinConfidence,
		Policy:        cfg.DetectionPolicy,
		StripWidth:    cfg.StripWidth,
		Estimator:     cfg.EstimatorOptions(),
		DebugDir:      cfg.DebugDir,
		JPEGQuality:   cfg.JPEGQuality,
	}, logger)

	router := newRouter(cfg, uc, localDir, logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}

	var (
		health       *healthcheck.Server
		healthListen net.Listener
	)
	if cfg.GRPCHealthAddr != "" {
		checks := []healthcheck.Check{{Name: "database", Probe: repo.Ping}}
		if redisClient != nil {
			checks = append(checks, healthcheck.Check{Name: "redis", Probe: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}})
		}
		health = healthcheck.NewServer(checks, cfg.HealthCheckEvery, logger)
		healthListen, err = net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			httpListener.Close()
			return fmt.Errorf("listen %s: %w", cfg.GRPCHealthAddr, err)
		}
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	g, gctx := errgroup.WithContext(sigCtx)

	logger.Info("foamline API listening", zap.String("addr", httpListener.Addr().String()))
	g.Go(func() error {
		return serveHTTP(gctx, server, httpListener, cfg.ShutdownTimeout, logger)
	})
	if health != nil {
		g.Go(func() error { return health.Serve(healthListen) })
		g.Go(func() error {
			health.Run(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			health.GracefulStop()
			return nil
		})
	}

	return g.Wait()
}

func newRouter(cfg config.Config, svc handlers.AnalysisService, localDir string, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(logging.GinMiddleware(logger), gin.Recovery(), corsMiddleware(cfg.AllowedOrigins))
	if localDir != "" {
		r.Static(mediaRoute, localDir)
	}

	authMiddleware := auth.Middleware(auth.Config{
		APIKey:      cfg.APIKey,
		JWTSecret:   cfg.JWTSecret,
		JWTAudience: cfg.JWTAudience,
	})
	handlers.RegisterRoutes(r, svc, authMiddleware)
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	c := cors.DefaultConfig()
	c.AllowHeaders = append(c.AllowHeaders, "Authorization", auth.APIKeyHeader)
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return cors.New(c)
}

func initDatabase(ctx context.Context, cfg config.Config, zapLogger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DatabaseDSN)
	default:
		dialector = postgres.Open(cfg.DatabaseDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	if cfg.DatabaseDriver == config.DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	zapLogger.Info("database connected", zap.String("driver", cfg.DatabaseDriver))
	return db, nil
}

func initCache(ctx context.Context, cfg config.Config, zapLogger *zap.Logger) (usecase.Cache, *redis.Client, error) {
	if cfg.RedisAddr == "" {
		zapLogger.Warn("REDIS_ADDR not set; results are served from the database only")
		return usecase.NoopCache{}, nil, nil
	}

	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(redisCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return usecase.NewRedisCache(client), client, nil
}

func initLocator(ctx context.Context, cfg config.Config, zapLogger *zap.Logger) (detection.Locator, func(), error) {
	switch cfg.LocatorBackend {
	case config.LocatorVision:
		v, err := detection.NewVisionLocator(ctx)
		if err != nil {
			return nil, nil, err
		}
		zapLogger.Info("using Cloud Vision logo detection", zap.String("target_class", cfg.TargetClass))
		return v, func() { v.Close() }, nil
	default:
		confidence := int(math.Round(cfg.MinConfidence * 100))
		client := detection.NewRoboflowClient(detection.RoboflowConfig{
			APIKey:            cfg.RoboflowAPIKey,
			BaseURL:           cfg.RoboflowBaseURL,
			Project:           cfg.RoboflowProject,
			Version:           cfg.RoboflowVersion,
			ConfidencePercent: confidence,
			OverlapPercent:    30,
		}, imagefetch.NewHTTPClient(cfg.LocatorTimeout), zapLogger)
		zapLogger.Info("using Roboflow model",
			zap.String("project", cfg.RoboflowProject),
			zap.Int("version", cfg.RoboflowVersion))
		return client, func() {}, nil
	}
}

func initPublisher(ctx context.Context, cfg config.Config) (publisher.Publisher, string, func(), error) {
	switch cfg.Publisher {
	case config.PublisherGCS:
		p, err := publisher.NewGCSPublisher(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, "", nil, err
		}
		return p, "", func() { p.Close() }, nil
	default:
		p, err := publisher.NewLocalPublisher(cfg.LocalPublishDir, cfg.PublicBaseURL+mediaRoute)
		if err != nil {
			return nil, "", nil, err
		}
		return p, p.Dir(), func() {}, nil
	}
}

// serveHTTP serves on listener until ctx is done, then drains in-flight
// requests for up to shutdownTimeout.
func serveHTTP(ctx context.Context, server *http.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server", zap.Duration("timeout", shutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}
