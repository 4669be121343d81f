package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/helmet-detect/internal/logging"
	"github.com/example/helmet-detect/internal/pipeline"
	"github.com/example/helmet-detect/internal/repository"
)

// StatusProcessing marks a request whose pipeline run has not finished.
const StatusProcessing = "processing"

var (
	// ErrNotFound is returned when no record exists for a request id.
	ErrNotFound = errors.New("result not found")
	// ErrPersistenceDisabled is returned by queries when no repository is
	// configured.
	ErrPersistenceDisabled = errors.New("persistence disabled")
)

// DetectionRepository defines the persistence operations used by the use case.
type DetectionRepository interface {
	SaveLog(ctx context.Context, log *repository.DetectionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.DetectionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Pipeline runs one upload through the detector.
type Pipeline interface {
	HandleUpload(ctx context.Context, requestID string, upload pipeline.UploadedImage) pipeline.Response
}

// DetectionUseCase assigns request ids and records outcomes around the
// request pipeline. Bookkeeping failures are logged and never change what
// the user sees.
type DetectionUseCase struct {
	repo           DetectionRepository
	cache          Cache
	pipeline       Pipeline
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	resultTTL      time.Duration
	processingTTL  time.Duration
	now            func() time.Time
}

type cachedDetection struct {
	RequestID  string    `json:"request_id"`
	Subject    string    `json:"subject"`
	Filename   string    `json:"filename"`
	Status     string    `json:"status"`
	Success    bool      `json:"success"`
	Detections int       `json:"detections"`
	LatencyMs  float64   `json:"latency_ms"`
	Hash       string    `json:"sha1_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// DefaultProcessingTTL bounds the processing marker when the detector call
// itself has no deadline.
const DefaultProcessingTTL = 10 * time.Minute

// Option configures a DetectionUseCase.
type Option func(*DetectionUseCase)

// WithProcessingTTL sets how long the processing marker may outlive a
// request that never finishes. It should cover the detector deadline.
func WithProcessingTTL(ttl time.Duration) Option {
	return func(uc *DetectionUseCase) {
		if ttl > 0 {
			uc.processingTTL = ttl
		}
	}
}

// NewDetectionUseCase constructs a new use case instance. repo and cache may
// be nil, which turns persistence or caching off.
func NewDetectionUseCase(repo DetectionRepository, cache Cache, p Pipeline, logger *zap.Logger, opts ...Option) *DetectionUseCase {
	if cache == nil {
		cache = nopCache{}
	}
	uc := &DetectionUseCase{
		repo:           repo,
		cache:          cache,
		pipeline:       p,
		logger:         logger.Named("detection_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		resultTTL:      5 * time.Minute,
		processingTTL:  DefaultProcessingTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("detection:%s", requestID)
}

// Detect runs the upload through the pipeline and records the outcome.
func (uc *DetectionUseCase) Detect(ctx context.Context, subject string, upload pipeline.UploadedImage) (string, pipeline.Response) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.detect", requestID)

	// The marker is best effort: /api/detect answers only after the run,
	// so it is visible to lookups made by other callers (or after a crash)
	// and expires on its own if the result is never written.
	key := cacheKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, key, StatusProcessing, uc.processingTTL)
	}); err != nil {
		opLogger.Warn("failed to set processing flag", zap.Error(err))
	}

	started := uc.now()
	resp := uc.pipeline.HandleUpload(ctx, requestID, upload)
	latency := uc.now().Sub(started)

	hash := sha1.Sum(upload.Data)
	log := &repository.DetectionLog{
		RequestID:  requestID,
		Subject:    subject,
		Filename:   filepath.Base(upload.Filename),
		SHA1Hash:   hex.EncodeToString(hash[:]),
		Status:     string(resp.Status),
		Success:    resp.Success,
		Detections: len(resp.Detections),
		LatencyMs:  float64(latency) / float64(time.Millisecond),
		CreatedAt:  started.UTC(),
	}
	opLogger.Info("upload processed",
		zap.String("status", log.Status),
		zap.Float64("latency_ms", log.LatencyMs),
		zap.Int("detections", log.Detections))

	if uc.repo != nil {
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Error("failed to persist detection log", zap.Error(logging.NewOperationError("usecase.save_log", requestID, err)))
		}
	}

	serialized, err := json.Marshal(cachedDetection{
		RequestID:  log.RequestID,
		Subject:    log.Subject,
		Filename:   log.Filename,
		Status:     log.Status,
		Success:    log.Success,
		Detections: log.Detections,
		LatencyMs:  log.LatencyMs,
		Hash:       log.SHA1Hash,
		CreatedAt:  log.CreatedAt,
	})
	if err != nil {
		opLogger.Error("failed to serialize detection result", zap.Error(err))
		return requestID, resp
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache detection result", zap.Error(err))
	}
	return requestID, resp
}

// GetResult returns the recorded outcome of a request, from the cache when
// possible and from the repository otherwise.
func (uc *DetectionUseCase) GetResult(ctx context.Context, requestID string) (*repository.DetectionLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey(requestID))
	switch {
	case err == nil && cached == StatusProcessing:
		return &repository.DetectionLog{RequestID: requestID, Status: StatusProcessing}, nil
	case err == nil:
		var payload cachedDetection
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
			break
		}
		return &repository.DetectionLog{
			RequestID:  requestID,
			Subject:    payload.Subject,
			Filename:   payload.Filename,
			SHA1Hash:   payload.Hash,
			Status:     payload.Status,
			Success:    payload.Success,
			Detections: payload.Detections,
			LatencyMs:  payload.LatencyMs,
			CreatedAt:  payload.CreatedAt,
		}, nil
	case !errors.Is(err, ErrCacheMiss):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	if uc.repo == nil {
		return nil, ErrNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrLogNotFound) {
		return nil, errors.Join(ErrNotFound, err)
	}
	if err != nil {
		opLogger.Error("failed to load detection log", zap.Error(err))
		return nil, logging.NewOperationError("usecase.get_result", requestID, err)
	}
	return log, nil
}

func (uc *DetectionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
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
		if errors.Is(err, ErrCacheMiss) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !repository.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *DetectionUseCase) withRedisGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
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
