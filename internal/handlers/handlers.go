package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/photo-check/internal/audit"
	"github.com/example/photo-check/internal/logging"
	"github.com/example/photo-check/internal/validation"
)

// MaxUploadSize is the largest accepted image in bytes.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for form boundaries and headers.
const multipartOverhead = 1 << 20

const requestIDHeader = "X-Request-ID"

var allowedContentTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// Validator is the part of validation.Validator the HTTP layer uses.
type Validator interface {
	Validate(ctx context.Context, data []byte, opts validation.Options) validation.Verdict
	Capabilities() validation.Capabilities
}

// RegisterRoutes wires the HTTP handlers to the Gin router. summaries may be nil.
func RegisterRoutes(router *gin.Engine, v Validator, summaries audit.Summarizer, logger *zap.Logger) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/backends", func(c *gin.Context) {
		c.JSON(http.StatusOK, v.Capabilities())
	})

	router.POST("/validate", func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)
		opLogger := logging.WithOperation(logger, "handlers.validate", requestID)

		opts, err := parseOptions(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opts.RequestID = requestID

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		mediaType, _, err := mime.ParseMediaType(file.Header.Get("Content-Type"))
		if _, ok := allowedContentTypes[mediaType]; err != nil || !ok {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "image must be JPEG, PNG or WebP"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			opLogger.Error("failed to read upload", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		verdict := v.Validate(c.Request.Context(), data, opts)
		resp := gin.H{
			"request_id": requestID,
			"accepted":   verdict.Accepted,
		}
		if !verdict.Accepted {
			resp["reason"] = verdict.Reason
			resp["message"] = verdict.Message()
		}
		c.JSON(http.StatusOK, resp)
	})

	router.GET("/audit/summary", func(c *gin.Context) {
		if summaries == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "audit summary disabled"})
			return
		}
		summary, err := summaries.Summary(c.Request.Context())
		if err != nil {
			logging.WithOperation(logger, "handlers.audit_summary", "").Error("failed to load audit summary", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load summary"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func parseOptions(c *gin.Context) (validation.Options, error) {
	var opts validation.Options
	for name, dst := range map[string]*bool{"skip_hand": &opts.SkipHand, "skip_content": &opts.SkipContent} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, errors.New(name + " must be a boolean")
		}
		*dst = b
	}
	return opts, nil
}

// RequestLogger logs one line per request with the zap logger.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.Writer.Header().Get(requestIDHeader)),
		)
	}
}
