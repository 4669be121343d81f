package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DETECTOR_BACKEND", "DETECT_CONFIDENCE", "DETECT_MAX_CONCURRENT", "DETECT_TIMEOUT", "MODEL_PATH"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendExec, cfg.Backend)
	require.Equal(t, "best.pt", cfg.ModelPath)
	require.InDelta(t, 0.25, cfg.Confidence, 1e-9)
	require.Equal(t, int64(1), cfg.MaxConcurrent)
	require.Zero(t, cfg.DetectTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DETECTOR_BACKEND", "GRPC")
	t.Setenv("DETECT_CONFIDENCE", "0.5")
	t.Setenv("DETECT_TIMEOUT", "30s")
	t.Setenv("DETECT_MAX_CONCURRENT", "4")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendGRPC, cfg.Backend)
	require.InDelta(t, 0.5, cfg.Confidence, 1e-9)
	require.Equal(t, 30*time.Second, cfg.DetectTimeout)
	require.Equal(t, int64(4), cfg.MaxConcurrent)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("DETECTOR_BACKEND", "")
	t.Setenv("DETECT_CONFIDENCE", "1.5")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("DETECT_CONFIDENCE", "")
	t.Setenv("DETECTOR_BACKEND", "onnx")
	_, err = Load()
	require.Error(t, err)
}

func TestCheckModelMissing(t *testing.T) {
	cfg := &Config{Backend: BackendExec, ModelPath: filepath.Join(t.TempDir(), "best.pt")}

	err := cfg.CheckModel()
	require.Error(t, err)
	var startupErr *StartupError
	require.True(t, errors.As(err, &startupErr))
	require.True(t, errors.Is(err, ErrModelMissing))
}

func TestCheckModelPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best.pt")
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0o600))

	cfg := &Config{Backend: BackendExec, ModelPath: path}
	require.NoError(t, cfg.CheckModel())
}

func TestCheckModelSkippedForRemoteBackend(t *testing.T) {
	cfg := &Config{Backend: BackendGRPC, ModelPath: "/does/not/exist"}
	require.NoError(t, cfg.CheckModel())
}

func TestLoadClassNames(t *testing.T) {
	t.Setenv("DETECTOR_BACKEND", "")
	t.Setenv("DETECT_CONFIDENCE", "")
	t.Setenv("DETECT_CLASSES", "helmet, no_helmet ,number_plate")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"helmet", "no_helmet", "number_plate"}, cfg.ClassNames)
}
