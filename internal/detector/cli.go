package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// runFunc executes a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CLIDetector runs the Ultralytics `yolo predict` command against a local
// model artifact. The command saves the annotated image into outputDir and,
// with save_txt enabled, one label file per image under outputDir/labels.
type CLIDetector struct {
	bin        string
	modelPath  string
	classNames []string
	logger     *zap.Logger
	run        runFunc
}

// NewCLIDetector builds a detector invoking bin with the model at modelPath.
// classNames maps class ids from the label files to names; ids outside the
// slice are reported as "class <id>".
func NewCLIDetector(bin, modelPath string, classNames []string, logger *zap.Logger) *CLIDetector {
	return &CLIDetector{
		bin:        bin,
		modelPath:  modelPath,
		classNames: classNames,
		logger:     logger.Named("cli_detector"),
		run:        runCommand,
	}
}

// Predict runs the model synchronously and parses the label file it leaves
// behind. A missing label file means nothing scored above the threshold.
func (d *CLIDetector) Predict(ctx context.Context, imagePath, outputDir string, confidence float64) ([]Detection, error) {
	args := d.args(imagePath, outputDir, confidence)
	out, err := d.run(ctx, d.bin, args...)
	if err != nil {
		d.logger.Error("yolo predict failed",
			zap.Error(err),
			zap.String("image", imagePath),
			zap.ByteString("output", tail(out, 2048)))
		return nil, fmt.Errorf("yolo predict: %w", err)
	}
	d.logger.Debug("yolo predict finished", zap.String("image", imagePath), zap.String("output_dir", outputDir))

	stem := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	labels := filepath.Join(outputDir, "labels", stem+".txt")
	detections, err := d.readLabels(labels, imagePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Detection{}, nil
		}
		d.logger.Warn("failed to parse label file", zap.Error(err), zap.String("labels", labels))
		return nil, nil
	}
	return FilterByConfidence(detections, confidence), nil
}

func (d *CLIDetector) args(imagePath, outputDir string, confidence float64) []string {
	outputDir = filepath.Clean(outputDir)
	return []string{
		"predict",
		"model=" + d.modelPath,
		"source=" + imagePath,
		"project=" + filepath.Dir(outputDir),
		"name=" + filepath.Base(outputDir),
		"conf=" + strconv.FormatFloat(confidence, 'f', -1, 64),
		"save=True",
		"save_txt=True",
		"save_conf=True",
		"exist_ok=True",
		"verbose=False",
	}
}

// readLabels parses YOLO label lines "<class> <cx> <cy> <w> <h> <conf>" with
// coordinates normalized to the source image size.
func (d *CLIDetector) readLabels(path, imagePath string) ([]Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	width, height, err := imageSize(imagePath)
	if err != nil {
		return nil, err
	}

	var detections []Detection
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 6 {
			return nil, fmt.Errorf("%s:%d: expected 6 fields, got %d", path, line, len(fields))
		}
		values := make([]float64, 6)
		for i := range values {
			if values[i], err = strconv.ParseFloat(fields[i], 64); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
		}
		cx, cy := values[1]*float64(width), values[2]*float64(height)
		w, h := values[3]*float64(width), values[4]*float64(height)
		detections = append(detections, Detection{
			Label:      d.className(int(values[0])),
			Confidence: values[5],
			Box:        image.Rect(int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)),
		})
	}
	return detections, scanner.Err()
}

func (d *CLIDetector) className(id int) string {
	if id >= 0 && id < len(d.classNames) {
		return d.classNames[id]
	}
	return "class " + strconv.Itoa(id)
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return cfg.Width, cfg.Height, nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
