package server

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/krau/dishtagger/logging"
	"github.com/krau/dishtagger/service"
)

// Classifier is the inference side of the service as seen by HTTP.
type Classifier interface {
	Classify(ctx context.Context, data []byte) (*service.Result, error)
	Loaded() bool
}

type Handler struct {
	classifier     Classifier
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewHandler(classifier Classifier, maxUploadBytes int64, logger *zap.Logger) *Handler {
	return &Handler{
		classifier:     classifier,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.Named("handler"),
	}
}

var uploadFields = []string{"image", "file"}

func (h *Handler) DetectCategory(c *gin.Context) {
	requestID := GetRequestID(c)
	log := logging.WithOperation(h.logger, "detect_category", requestID)

	if c.Request.ContentLength > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	fileHeader, err := formFile(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if fileHeader.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty image"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read image"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty image"})
		return
	}

	res, err := h.classifier.Classify(c.Request.Context(), data)
	if err != nil {
		log.Error("prediction failed", zap.Error(logging.NewOperationError("service.classify", requestID, err)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed: " + err.Error()})
		return
	}
	log.Info("category detected",
		zap.String("category", res.Category),
		zap.Float32("confidence", res.Confidence),
		zap.String("filename", fileHeader.Filename),
	)

	body := gin.H{
		"detected_category": res.Category,
		"confidence":        res.Confidence,
	}
	if c.Query("scores") == "true" {
		body["scores"] = res.Probabilities
	}
	c.JSON(http.StatusOK, body)
}

func formFile(c *gin.Context) (*multipart.FileHeader, error) {
	var firstErr error
	for _, field := range uploadFields {
		fh, err := c.FormFile(field)
		if err == nil {
			return fh, nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "dishtagger image classifier is running"})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) Ready(c *gin.Context) {
	if !h.classifier.Loaded() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "loading"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
