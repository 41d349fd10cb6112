package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/receipts_backend/config"
	"github.com/mmdatafocus/receipts_backend/models"
	"github.com/mmdatafocus/receipts_backend/ocr"
	"github.com/mmdatafocus/receipts_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type receiptUploadResponse struct {
	Receipt      *models.Receipt `json:"receipt"`
	ImageURL     string          `json:"imageUrl"`
	ThumbnailURL string          `json:"thumbnailUrl,omitempty"`
}

// uploadReceiptHandler ingests one receipt image for a report:
// validate, store original, generate thumbnail, create the row, then
// hand off to the recognition workflow. With a manual_value form field
// the receipt skips recognition and lands processed immediately.
func uploadReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		requestID := requestIDFromHeaders(c)

		reportId, err := strconv.Atoi(c.Param("id"))
		if err != nil || reportId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report id"})
			return
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}

		var manualValue *decimal.Decimal
		if raw := strings.TrimSpace(c.PostForm("manual_value")); raw != "" {
			value, err := utils.ParseDecimal(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid manual_value"})
				return
			}
			manualValue = &value
		}

		var receiptDate *time.Time
		if raw := strings.TrimSpace(c.PostForm("date")); raw != "" {
			parsed, err := time.Parse("2006-01-02", raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date, expected YYYY-MM-DD"})
				return
			}
			receiptDate = &parsed
		}

		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read file"})
			return
		}
		defer file.Close()

		data, err := ocr.ValidateUpload(fileHeader.Header.Get("Content-Type"), fileHeader.Filename, file)
		if err != nil {
			if vErr, ok := err.(*ocr.ValidationError); ok {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": vErr.Message,
					"check": string(vErr.Check),
				})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		mimeType := http.DetectContentType(data)
		ext := extensionFromMimeType(mimeType)
		objectKey := path.Join("reports", strconv.Itoa(reportId), "receipts", uuid.New().String()+ext)

		if utils.GetStorageProvider() != utils.StorageProviderGCS {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage provider not supported"})
			return
		}

		ctx := c.Request.Context()
		if err := utils.UploadBytesToGCS(ctx, objectKey, data, mimeType); err != nil {
			logUploadError(logger, err, utils.GetStorageProvider(), requestID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store image"})
			return
		}

		// Thumbnail generation is best-effort; a receipt without one is
		// still fully usable.
		thumbnailKey, err := createThumbnail(ctx, objectKey, data)
		if err != nil {
			logUploadError(logger, err, utils.GetStorageProvider(), requestID)
			thumbnailKey = ""
		}

		receipt, err := models.CreateReceipt(ctx, &models.NewReceipt{
			ReportId:         reportId,
			OriginalFilename: fileHeader.Filename,
			ObjectKey:        objectKey,
			ThumbnailKey:     thumbnailKey,
			MimeType:         mimeType,
			SizeBytes:        int64(len(data)),
			ManualValue:      manualValue,
			Date:             receiptDate,
			Description:      strings.TrimSpace(c.PostForm("description")),
			Notes:            strings.TrimSpace(c.PostForm("notes")),
		})
		if err != nil {
			// Roll back the stored objects; the row never existed.
			if delErr := utils.DeleteImageFromGCS(ctx, objectKey); delErr != nil {
				logUploadError(logger, delErr, utils.GetStorageProvider(), requestID)
			}
			if thumbnailKey != "" {
				if delErr := utils.DeleteImageFromGCS(ctx, thumbnailKey); delErr != nil {
					logUploadError(logger, delErr, utils.GetStorageProvider(), requestID)
				}
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if receipt.Status == models.ReceiptStatusPending {
			recognizer.Dispatch(receipt)
		}

		logger.WithFields(logrus.Fields{
			"receipt_id": receipt.ID,
			"report_id":  reportId,
			"mime_type":  mimeType,
			"size":       len(data),
			"object_key": objectKey,
			"status":     receipt.Status,
		}).Info("[upload.receipt]")

		response := receiptUploadResponse{
			Receipt:  receipt,
			ImageURL: utils.BuildObjectAccessURL(objectKey),
		}
		if thumbnailKey != "" {
			response.ThumbnailURL = utils.BuildObjectAccessURL(thumbnailKey)
		}
		c.JSON(http.StatusCreated, gin.H{"data": response})
	}
}

// receiptImageHandler streams a stored receipt image (or thumbnail) back
// to the client without exposing the bucket.
func receiptImageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		objectKey := strings.TrimSpace(c.Query("key"))
		if objectKey == "" || strings.Contains(objectKey, "..") || strings.HasPrefix(objectKey, "/") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
			return
		}

		if utils.GetStorageProvider() != utils.StorageProviderGCS {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage provider not supported"})
			return
		}

		client, err := utils.GetGCSClient(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage client error"})
			return
		}
		defer client.Close()

		bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
		if bucket == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "GCS_BUCKET is required"})
			return
		}
		obj := client.Bucket(bucket).Object(objectKey)
		attrs, err := obj.Attrs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		reader, err := obj.NewReader(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		defer reader.Close()

		if attrs.ContentType != "" {
			c.Writer.Header().Set("Content-Type", attrs.ContentType)
		}
		if attrs.Size > 0 {
			c.Writer.Header().Set("Content-Length", fmt.Sprintf("%d", attrs.Size))
		}
		c.Status(http.StatusOK)
		_, _ = io.Copy(c.Writer, reader)
	}
}

func createThumbnail(ctx context.Context, objectKey string, data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	thumbnail := imaging.Resize(img, 200, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumbnail, imaging.JPEG); err != nil {
		return "", err
	}

	thumbnailKey := thumbnailObjectKey(objectKey)
	if err := utils.UploadBytesToGCS(ctx, thumbnailKey, buf.Bytes(), "image/jpeg"); err != nil {
		return "", err
	}
	return thumbnailKey, nil
}

func thumbnailObjectKey(objectKey string) string {
	dir := path.Dir(objectKey)
	filename := path.Base(objectKey)
	return path.Join(dir, "thumbnails", filename)
}

func extensionFromMimeType(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}

func logUploadError(logger *logrus.Logger, err error, provider string, requestID string) {
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"provider":   provider,
		"request_id": requestID,
	}).Error("[upload.error]")
}

func requestIDFromHeaders(c *gin.Context) string {
	// The correlation middleware has usually stamped the context already.
	if id, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok && id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Correlation-Id")); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Request-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("upload-%d", time.Now().UnixNano())
}
