package detector

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

type limited struct {
	next Detector
	sem  *semaphore.Weighted
}

// Limit bounds the number of concurrent Predict calls on d to n. With n == 1
// calls are serialized, which is what a non-reentrant model needs. Waiting
// callers give up when their context is done.
func Limit(d Detector, n int64) Detector {
	if n < 1 {
		n = 1
	}
	return &limited{next: d, sem: semaphore.NewWeighted(n)}
}

func (l *limited) Predict(ctx context.Context, imagePath, outputDir string, confidence float64) ([]Detection, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.next.Predict(ctx, imagePath, outputDir, confidence)
}

// WithTimeout bounds each Predict call on d. A zero timeout returns d as is.
func WithTimeout(d Detector, timeout time.Duration) Detector {
	if timeout <= 0 {
		return d
	}
	return Func(func(ctx context.Context, imagePath, outputDir string, confidence float64) ([]Detection, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.Predict(ctx, imagePath, outputDir, confidence)
	})
}
