package handlers

import (
	"context"
	"embed"
	"encoding/base64"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/helmet-detect/internal/auth"
	"github.com/example/helmet-detect/internal/detector"
	"github.com/example/helmet-detect/internal/pipeline"
	"github.com/example/helmet-detect/internal/repository"
	"github.com/example/helmet-detect/internal/usecase"
)

// DefaultMaxUploadSize caps the accepted image size at the transport layer.
const DefaultMaxUploadSize = 20 << 20

// multipartOverhead leaves room for boundaries and headers around the file.
const multipartOverhead = 64 << 10

//go:embed templates/index.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// DetectionService is what the routes need from the use case.
type DetectionService interface {
	Detect(ctx context.Context, subject string, upload pipeline.UploadedImage) (string, pipeline.Response)
	GetResult(ctx context.Context, requestID string) (*repository.DetectionLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type handler struct {
	svc       DetectionService
	maxUpload int64
}

// RegisterRoutes wires the page and the JSON API to the router. When
// authMiddleware is non-nil it guards the /api group.
func RegisterRoutes(router *gin.Engine, svc DetectionService, maxUpload int64, authMiddleware gin.HandlerFunc) {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadSize
	}
	h := &handler{svc: svc, maxUpload: maxUpload}
	router.SetHTMLTemplate(pageTemplate)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/", h.page)
	router.POST("/", h.pageUpload)

	api := router.Group("/api")
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}
	api.POST("/detect", h.detect)
	api.GET("/result/:id", h.result)
	api.GET("/metrics", h.metrics)
}

type boxView struct {
	XMin int `json:"x_min"`
	YMin int `json:"y_min"`
	XMax int `json:"x_max"`
	YMax int `json:"y_max"`
}

type detectionView struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        boxView `json:"box"`
}

type detectResponse struct {
	RequestID   string          `json:"request_id"`
	Success     bool            `json:"success"`
	Status      string          `json:"status"`
	Message     string          `json:"message"`
	Caption     string          `json:"caption,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	Image       []byte          `json:"image,omitempty"`
	Detections  []detectionView `json:"detections"`
}

func toViews(in []detector.Detection) []detectionView {
	out := make([]detectionView, 0, len(in))
	for _, d := range in {
		out = append(out, detectionView{
			Label:      d.Label,
			Confidence: d.Confidence,
			Box:        boxView{XMin: d.Box.Min.X, YMin: d.Box.Min.Y, XMax: d.Box.Max.X, YMax: d.Box.Max.Y},
		})
	}
	return out
}

func (h *handler) detect(c *gin.Context) {
	upload, status, msg := h.readUpload(c)
	if status != 0 {
		c.JSON(status, gin.H{"error": msg})
		return
	}

	subject, _ := auth.SubjectFromContext(c.Request.Context())
	requestID, resp := h.svc.Detect(c.Request.Context(), subject, upload)

	body := detectResponse{
		RequestID:  requestID,
		Success:    resp.Success,
		Status:     string(resp.Status),
		Message:    resp.Message,
		Detections: toViews(resp.Detections),
	}
	if !resp.Success {
		c.JSON(http.StatusUnprocessableEntity, body)
		return
	}
	body.Caption = resp.Caption
	body.ContentType = resp.ContentType
	body.Image = resp.Image
	c.JSON(http.StatusOK, body)
}

func (h *handler) result(c *gin.Context) {
	log, err := h.svc.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, usecase.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		return
	}

	body := gin.H{
		"request_id": log.RequestID,
		"status":     log.Status,
		"success":    log.Success,
	}
	if log.Status != usecase.StatusProcessing {
		body["filename"] = log.Filename
		body["detections"] = log.Detections
		body["latency_ms"] = log.LatencyMs
		body["sha1_hash"] = log.SHA1Hash
		body["created_at"] = log.CreatedAt.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		if errors.Is(err, usecase.ErrPersistenceDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics require a database"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

type pageResult struct {
	Success    bool
	Message    string
	Caption    string
	ImageSrc   template.URL
	Detections []detector.Detection
}

type pageData struct {
	Error           string
	UploadedName    string
	UploadedCaption string
	UploadedSrc     template.URL
	Result          *pageResult
}

func (h *handler) page(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", pageData{})
}

func (h *handler) pageUpload(c *gin.Context) {
	upload, status, msg := h.readUpload(c)
	if status != 0 {
		c.HTML(status, "index.html", pageData{Error: msg})
		return
	}

	data := pageData{
		UploadedName:    upload.Filename,
		UploadedCaption: pipeline.CaptionUploaded,
		UploadedSrc:     dataURL(pipeline.ContentType(upload.Filename), upload.Data),
	}
	_, resp := h.svc.Detect(c.Request.Context(), "", upload)
	data.Result = &pageResult{
		Success:    resp.Success,
		Message:    resp.Message,
		Caption:    resp.Caption,
		Detections: resp.Detections,
	}
	if resp.Success {
		data.Result.ImageSrc = dataURL(resp.ContentType, resp.Image)
	}
	c.HTML(http.StatusOK, "index.html", data)
}

// readUpload extracts the "image" form file. A non-zero status means the
// request was rejected with msg.
func (h *handler) readUpload(c *gin.Context) (pipeline.UploadedImage, int, string) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		if isTooLarge(err) {
			return pipeline.UploadedImage{}, http.StatusRequestEntityTooLarge, "image exceeds upload limit"
		}
		return pipeline.UploadedImage{}, http.StatusBadRequest, "image file is required"
	}
	if file.Size > h.maxUpload {
		return pipeline.UploadedImage{}, http.StatusRequestEntityTooLarge, "image exceeds upload limit"
	}
	if !pipeline.IsImageName(file.Filename) {
		return pipeline.UploadedImage{}, http.StatusUnsupportedMediaType, "only .jpg, .jpeg and .png images are accepted"
	}

	src, err := file.Open()
	if err != nil {
		return pipeline.UploadedImage{}, http.StatusBadRequest, "unable to open image"
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return pipeline.UploadedImage{}, http.StatusInternalServerError, "failed to read image"
	}
	return pipeline.UploadedImage{Filename: file.Filename, Data: data}, 0, ""
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func dataURL(contentType string, data []byte) template.URL {
	return template.URL("data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data))
}
