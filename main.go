package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/helmet-detect/internal/auth"
	"github.com/example/helmet-detect/internal/config"
	"github.com/example/helmet-detect/internal/detector"
	"github.com/example/helmet-detect/internal/grpcclient"
	"github.com/example/helmet-detect/internal/handlers"
	"github.com/example/helmet-detect/internal/logging"
	"github.com/example/helmet-detect/internal/pipeline"
	"github.com/example/helmet-detect/internal/repository"
	"github.com/example/helmet-detect/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.CheckModel(); err != nil {
		logger.Fatal("refusing to start", zap.Error(err), zap.String("model_path", cfg.ModelPath))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	det, conn, err := buildDetector(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to set up detector", zap.Error(err), zap.String("backend", cfg.Backend))
	}
	if conn != nil {
		defer conn.Close()
	}
	det = detector.Limit(detector.WithTimeout(det, cfg.DetectTimeout), cfg.MaxConcurrent)

	p := pipeline.New(det, logger,
		pipeline.WithScratchRoot(cfg.ScratchDir),
		pipeline.WithConfidence(cfg.Confidence))

	var repo usecase.DetectionRepository
	if cfg.DatabaseDSN != "" {
		r := repository.NewDetectionRepository(initDatabase(ctx, cfg.DatabaseDSN, logger), logger)
		if err := r.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = r
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient, "helmet-detect")
	}

	var ucOpts []usecase.Option
	if cfg.DetectTimeout > 0 {
		ucOpts = append(ucOpts, usecase.WithProcessingTTL(cfg.DetectTimeout+30*time.Second))
	}
	uc := usecase.NewDetectionUseCase(repo, cache, p, logger, ucOpts...)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	var authMiddleware gin.HandlerFunc
	if cfg.JWTSecret != "" {
		authMiddleware = auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	}
	handlers.RegisterRoutes(r, uc, cfg.MaxUploadBytes, authMiddleware)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("detection service listening",
		zap.String("addr", cfg.Addr),
		zap.String("backend", cfg.Backend),
		zap.Float64("confidence", cfg.Confidence),
		zap.Bool("persistence", repo != nil),
		zap.Bool("cache", cache != nil),
		zap.Bool("auth", authMiddleware != nil))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildDetector(ctx context.Context, cfg *config.Config, logger *zap.Logger) (detector.Detector, *grpc.ClientConn, error) {
	switch cfg.Backend {
	case config.BackendGRPC:
		d, conn, err := grpcclient.DialDetector(ctx, cfg.DetectorAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, conn, nil
	default:
		return detector.NewCLIDetector(cfg.YoloBin, cfg.ModelPath, cfg.ClassNames, logger), nil, nil
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}
	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", addr))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
