package grpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type predictServer interface {
	Predict(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error)
}

type fakeService struct {
	response     *structpb.Struct
	gotFilename  string
	gotThreshold string
	gotBytes     int
}

func (s *fakeService) Predict(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(FilenameKey); len(v) > 0 {
		s.gotFilename = v[0]
	}
	if v := md.Get(ConfidenceKey); len(v) > 0 {
		s.gotThreshold = v[0]
	}
	s.gotBytes = len(in.GetValue())
	return s.response, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "detection.v1.Detector",
	HandlerType: (*predictServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Predict",
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(predictServer).Predict(ctx, in)
		},
	}},
}

func startServer(t *testing.T, svc *fakeService) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	server.RegisterService(&serviceDesc, svc)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func stageImage(t *testing.T, name string) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 48))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}
	return s
}

func TestPredictRendersLocallyWhenServiceReturnsDetectionsOnly(t *testing.T) {
	svc := &fakeService{response: mustStruct(t, map[string]interface{}{
		"detections": []interface{}{
			map[string]interface{}{"label": "helmet", "confidence": 0.8, "x_min": 4.0, "y_min": 4.0, "x_max": 30.0, "y_max": 30.0},
			map[string]interface{}{"label": "number_plate", "confidence": 0.1, "x_min": 0.0, "y_min": 0.0, "x_max": 5.0, "y_max": 5.0},
		},
	})}
	conn := startServer(t, svc)
	d := NewGRPCDetector(conn, zap.NewNop())

	imagePath := stageImage(t, "rider.png")
	outputDir := filepath.Join(filepath.Dir(imagePath), "result")

	detections, err := d.Predict(context.Background(), imagePath, outputDir, 0.25)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(detections) != 1 || detections[0].Label != "helmet" {
		t.Fatalf("expected only the helmet detection, got %+v", detections)
	}
	if detections[0].Box != image.Rect(4, 4, 30, 30) {
		t.Fatalf("unexpected box %v", detections[0].Box)
	}
	if svc.gotFilename != "rider.png" || svc.gotThreshold != "0.25" || svc.gotBytes == 0 {
		t.Fatalf("unexpected request: filename=%q threshold=%q bytes=%d", svc.gotFilename, svc.gotThreshold, svc.gotBytes)
	}

	rendered, err := os.ReadFile(filepath.Join(outputDir, "rider.png"))
	if err != nil {
		t.Fatalf("expected annotated image in output dir: %v", err)
	}
	if _, _, err := image.Decode(bytes.NewReader(rendered)); err != nil {
		t.Fatalf("annotated image does not decode: %v", err)
	}
}

func TestPredictWritesServiceRendering(t *testing.T) {
	annotated := []byte("remote-rendering")
	svc := &fakeService{response: mustStruct(t, map[string]interface{}{
		"annotated_image": base64.StdEncoding.EncodeToString(annotated),
		"format":          "jpeg",
	})}
	conn := startServer(t, svc)
	d := NewGRPCDetector(conn, zap.NewNop())

	imagePath := stageImage(t, "rider.png")
	outputDir := filepath.Join(filepath.Dir(imagePath), "result")

	detections, err := d.Predict(context.Background(), imagePath, outputDir, 0.25)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(detections) != 0 {
		t.Fatalf("expected no detections, got %+v", detections)
	}
	got, err := os.ReadFile(filepath.Join(outputDir, "rider.jpg"))
	if err != nil {
		t.Fatalf("expected rider.jpg in output dir: %v", err)
	}
	if !bytes.Equal(got, annotated) {
		t.Fatalf("unexpected output contents %q", got)
	}
}

func TestPredictNamesUnlabelledRenderingByContent(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	svc := &fakeService{response: mustStruct(t, map[string]interface{}{
		"annotated_image": base64.StdEncoding.EncodeToString(buf.Bytes()),
		"format":          "webp",
	})}
	d := NewGRPCDetector(startServer(t, svc), zap.NewNop())

	imagePath := stageImage(t, "rider.jpg")
	outputDir := filepath.Join(filepath.Dir(imagePath), "result")

	if _, err := d.Predict(context.Background(), imagePath, outputDir, 0.25); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outputDir, "rider.png")); err != nil {
		t.Fatalf("expected rider.png named after the content: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outputDir, "rider.jpg")); !os.IsNotExist(err) {
		t.Fatalf("expected no rider.jpg, stat err=%v", err)
	}
}

func TestPredictRejectsUnsupportedRendering(t *testing.T) {
	svc := &fakeService{response: mustStruct(t, map[string]interface{}{
		"annotated_image": base64.StdEncoding.EncodeToString([]byte("GIF89a not really")),
		"format":          "gif",
	})}
	d := NewGRPCDetector(startServer(t, svc), zap.NewNop())

	imagePath := stageImage(t, "rider.jpg")
	outputDir := filepath.Join(filepath.Dir(imagePath), "result")

	if _, err := d.Predict(context.Background(), imagePath, outputDir, 0.25); err == nil {
		t.Fatal("expected an error for an unsupported rendering")
	}
	if _, err := os.Stat(outputDir); !os.IsNotExist(err) {
		t.Fatalf("expected no output dir, stat err=%v", err)
	}
}

func TestPredictLeavesNoOutputOnTransportError(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	defer conn.Close()
	lis.Close()

	d := NewGRPCDetector(conn, zap.NewNop())
	imagePath := stageImage(t, "rider.png")
	outputDir := filepath.Join(filepath.Dir(imagePath), "result")

	if _, err := d.Predict(context.Background(), imagePath, outputDir, 0.25); err == nil {
		t.Fatal("expected error from unreachable service")
	}
	if _, err := os.Stat(outputDir); !os.IsNotExist(err) {
		t.Fatalf("expected no output dir, stat err=%v", err)
	}
}
