package detector

import (
	"context"
	"image"
)

// Detection is a single object found by the model.
type Detection struct {
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// Detector runs the model on the image at imagePath and writes the annotated
// rendering into outputDir. Detections scoring below confidence are dropped
// by the detector itself. Backends that cannot report detections return a
// nil slice; the files in outputDir are the contract.
type Detector interface {
	Predict(ctx context.Context, imagePath, outputDir string, confidence float64) ([]Detection, error)
}

// Func adapts a plain function to the Detector interface.
type Func func(ctx context.Context, imagePath, outputDir string, confidence float64) ([]Detection, error)

// Predict calls f.
func (f Func) Predict(ctx context.Context, imagePath, outputDir string, confidence float64) ([]Detection, error) {
	return f(ctx, imagePath, outputDir, confidence)
}

// FilterByConfidence drops detections scoring below min.
func FilterByConfidence(in []Detection, min float64) []Detection {
	if in == nil {
		return nil
	}
	out := make([]Detection, 0, len(in))
	for _, d := range in {
		if d.Confidence >= min {
			out = append(out, d)
		}
	}
	return out
}
