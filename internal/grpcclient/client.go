package grpcclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/helmet-detect/internal/annotate"
	"github.com/example/helmet-detect/internal/detector"
	"github.com/example/helmet-detect/internal/logging"
)

// PredictMethod is the unary method served by the remote inference service.
// The request is a BytesValue holding the raw image; the response is a Struct
// with a "detections" list and an optional base64 "annotated_image".
const PredictMethod = "/detection.v1.Detector/Predict"

// Metadata keys sent alongside the image.
const (
	FilenameKey   = "x-filename"
	ConfidenceKey = "x-confidence"
)

// DialDetector returns a ready-to-use gRPC detector for the inference service.
func DialDetector(ctx context.Context, addr string, logger *zap.Logger) (*GRPCDetector, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_detector", "", err)
		logger.Error("failed to dial detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewGRPCDetector(conn, logger), conn, nil
}

// GRPCDetector implements detector.Detector against a remote service. When
// the service returns detections only, the annotated image is rendered here.
type GRPCDetector struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewGRPCDetector wraps an established connection.
func NewGRPCDetector(conn grpc.ClientConnInterface, logger *zap.Logger) *GRPCDetector {
	return &GRPCDetector{conn: conn, logger: logger.Named("grpc_detector")}
}

// Predict sends the image, then writes the annotated rendering into outputDir.
func (g *GRPCDetector) Predict(ctx context.Context, imagePath, outputDir string, confidence float64) ([]detector.Detection, error) {
	name := filepath.Base(imagePath)
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.read_image", "", err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		FilenameKey, name,
		ConfidenceKey, strconv.FormatFloat(confidence, 'f', -1, 64))
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, PredictMethod, wrapperspb.Bytes(data), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.predict", "", err)
		g.logger.Error("detector call failed", zap.Error(wrapped), zap.String("image", name))
		return nil, wrapped
	}

	detections, err := decodeDetections(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_response", "", err)
	}
	detections = detector.FilterByConfidence(detections, confidence)

	outName := name
	rendered, ext, err := annotatedImage(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_response", "", err)
	}
	if rendered == nil {
		if rendered, err = annotate.Render(data, filepath.Ext(name), detections); err != nil {
			return nil, logging.NewOperationError("grpcclient.render", "", err)
		}
	} else {
		outName = strings.TrimSuffix(name, filepath.Ext(name)) + ext
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, logging.NewOperationError("grpcclient.write_output", "", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, outName), rendered, 0o644); err != nil {
		return nil, logging.NewOperationError("grpcclient.write_output", "", err)
	}
	return detections, nil
}

func decodeDetections(resp *structpb.Struct) ([]detector.Detection, error) {
	list := resp.GetFields()["detections"].GetListValue()
	if list == nil {
		return []detector.Detection{}, nil
	}
	detections := make([]detector.Detection, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		detections = append(detections, detector.Detection{
			Label:      fields["label"].GetStringValue(),
			Confidence: fields["confidence"].GetNumberValue(),
			Box: image.Rect(
				int(fields["x_min"].GetNumberValue()),
				int(fields["y_min"].GetNumberValue()),
				int(fields["x_max"].GetNumberValue()),
				int(fields["y_max"].GetNumberValue()),
			),
		})
	}
	return detections, nil
}

// annotatedImage returns the rendering supplied by the service, if any, and
// the file extension for it. The "format" field is trusted when it names a
// supported codec; otherwise the bytes are sniffed, and anything that is not
// PNG or JPEG is rejected.
func annotatedImage(resp *structpb.Struct) ([]byte, string, error) {
	encoded := resp.GetFields()["annotated_image"].GetStringValue()
	if encoded == "" {
		return nil, "", nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("annotated_image: %w", err)
	}
	format := strings.ToLower(resp.GetFields()["format"].GetStringValue())
	switch format {
	case "png":
		return data, ".png", nil
	case "jpg", "jpeg":
		return data, ".jpg", nil
	}
	switch sniffed := http.DetectContentType(data); sniffed {
	case "image/png":
		return data, ".png", nil
	case "image/jpeg":
		return data, ".jpg", nil
	default:
		return nil, "", fmt.Errorf("annotated_image: unsupported format %q (content %s)", format, sniffed)
	}
}
