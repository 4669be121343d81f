package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/example/helmet-detect/internal/detector"
	"github.com/example/helmet-detect/internal/logging"
)

// ResultDirName is the workspace subfolder the detector renders into.
const ResultDirName = "result"

// DefaultConfidence is the threshold handed to the detector.
const DefaultConfidence = 0.25

// Captions and status messages shown to the user.
const (
	CaptionUploaded = "Uploaded Image"
	CaptionDetected = "Detected Image"

	MessageSuccess         = "Detection complete!"
	MessageStagingFailed   = "Failed to save the uploaded image."
	MessageDetectionFailed = "Detection failed. Result folder not found."
	MessageEmptyResult     = "No detected image found."
)

var (
	// ErrStaging means the upload could not be written to the workspace.
	ErrStaging = errors.New("stage upload")
	// ErrDetectionFailed means the detector left no output folder.
	ErrDetectionFailed = errors.New("detector produced no output folder")
	// ErrEmptyResult means the output folder holds no usable image.
	ErrEmptyResult = errors.New("output folder holds no image")
)

// Status classifies the outcome of a request.
type Status string

const (
	StatusOK              Status = "ok"
	StatusStagingFailed   Status = "staging_failed"
	StatusDetectionFailed Status = "detection_failed"
	StatusEmptyResult     Status = "empty_result"
)

// Message returns the fixed user-facing text for s.
func (s Status) Message() string {
	switch s {
	case StatusOK:
		return MessageSuccess
	case StatusStagingFailed:
		return MessageStagingFailed
	case StatusDetectionFailed:
		return MessageDetectionFailed
	case StatusEmptyResult:
		return MessageEmptyResult
	default:
		return ""
	}
}

// UploadedImage is the raw upload handed over by the presentation layer.
type UploadedImage struct {
	Filename string
	Data     []byte
}

// Response is what the presentation layer renders for one upload.
type Response struct {
	Success     bool
	Status      Status
	Message     string
	Caption     string
	Image       []byte
	ImageName   string
	ContentType string
	Detections  []detector.Detection
	// Workspace is the scratch directory the request used. It no longer
	// exists once HandleUpload returns.
	Workspace string
	// Err carries the internal cause of a failure for logging.
	Err error
}

// Pipeline turns one uploaded image into one annotated result.
type Pipeline struct {
	detector    detector.Detector
	scratchRoot string
	confidence  float64
	logger      *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithScratchRoot sets the directory workspaces are created under. Empty
// means the OS temp dir.
func WithScratchRoot(dir string) Option {
	return func(p *Pipeline) { p.scratchRoot = dir }
}

// WithConfidence overrides the detector threshold.
func WithConfidence(c float64) Option {
	return func(p *Pipeline) { p.confidence = c }
}

// New builds a Pipeline around a long-lived detector handle.
func New(d detector.Detector, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		detector:   d,
		confidence: DefaultConfidence,
		logger:     logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleUpload stages upload into a fresh workspace, runs the detector and
// returns the annotated image or a failure message. The workspace is removed
// before HandleUpload returns, whatever the outcome.
func (p *Pipeline) HandleUpload(ctx context.Context, requestID string, upload UploadedImage) Response {
	opLogger := logging.WithOperation(p.logger, "pipeline.handle_upload", requestID)

	workspace, err := os.MkdirTemp(p.scratchRoot, "detect-*")
	if err != nil {
		return p.fail(opLogger, StatusStagingFailed, "", logging.NewOperationError("pipeline.stage", requestID, errors.Join(ErrStaging, err)))
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			opLogger.Warn("failed to remove workspace", zap.String("workspace", workspace), zap.Error(err))
		}
	}()

	staged, err := stage(workspace, upload)
	if err != nil {
		return p.fail(opLogger, StatusStagingFailed, workspace, logging.NewOperationError("pipeline.stage", requestID, errors.Join(ErrStaging, err)))
	}

	outputDir := filepath.Join(workspace, ResultDirName)
	detections, detectErr := p.detect(ctx, staged, outputDir)
	if detectErr != nil {
		opLogger.Warn("detector returned an error", zap.Error(detectErr))
	}

	found, err := locateOutput(outputDir)
	if err != nil {
		status := StatusEmptyResult
		if errors.Is(err, ErrDetectionFailed) {
			status = StatusDetectionFailed
		}
		return p.fail(opLogger, status, workspace, logging.NewOperationError("pipeline.locate_output", requestID, errors.Join(err, detectErr)))
	}

	data, err := os.ReadFile(found)
	if err != nil {
		return p.fail(opLogger, StatusEmptyResult, workspace, logging.NewOperationError("pipeline.read_output", requestID, errors.Join(ErrEmptyResult, err)))
	}

	opLogger.Info("detection complete",
		zap.String("filename", filepath.Base(staged)),
		zap.String("output", filepath.Base(found)),
		zap.Int("detections", len(detections)))
	return Response{
		Success:     true,
		Status:      StatusOK,
		Message:     MessageSuccess,
		Caption:     CaptionDetected,
		Image:       data,
		ImageName:   filepath.Base(found),
		ContentType: ContentType(found),
		Detections:  detections,
		Workspace:   workspace,
	}
}

// detect invokes the detector, turning a panic into an error so the
// workspace cleanup and the failure report still happen.
func (p *Pipeline) detect(ctx context.Context, staged, outputDir string) (detections []detector.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			detections, err = nil, fmt.Errorf("detector panic: %v", r)
		}
	}()
	return p.detector.Predict(ctx, staged, outputDir, p.confidence)
}

func (p *Pipeline) fail(logger *zap.Logger, status Status, workspace string, err error) Response {
	logger.Error("upload failed", zap.String("status", string(status)), zap.Error(err))
	return Response{
		Status:    status,
		Message:   status.Message(),
		Workspace: workspace,
		Err:       err,
	}
}

// stage writes the upload under its base name inside workspace.
func stage(workspace string, upload UploadedImage) (string, error) {
	name := filepath.Base(upload.Filename)
	if name == "." || name == ".." || name == string(filepath.Separator) || name == ResultDirName {
		return "", fmt.Errorf("invalid filename %q", upload.Filename)
	}
	path := filepath.Join(workspace, name)
	if err := os.WriteFile(path, upload.Data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// IsImageName reports whether name carries one of the accepted image
// extensions.
func IsImageName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// ContentType maps an accepted image name to its MIME type.
func ContentType(name string) string {
	if strings.EqualFold(filepath.Ext(name), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}

// locateOutput picks the image in dir with the lexicographically smallest
// name. os.ReadDir returns entries sorted by name.
func locateOutput(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Join(ErrDetectionFailed, err)
	}
	for _, e := range entries {
		if e.IsDir() || !IsImageName(e.Name()) {
			continue
		}
		return filepath.Join(dir, e.Name()), nil
	}
	return "", ErrEmptyResult
}
