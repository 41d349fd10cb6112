package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/receipts_backend/config"
	"github.com/mmdatafocus/receipts_backend/models"
	"github.com/mmdatafocus/receipts_backend/utils"
)

func handleModelError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case errors.Is(err, models.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func bindJSONOrAbort(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return false
	}
	return true
}

// deleteStoredObject removes a stored image. Failures are logged but
// never block the row deletion that already happened.
func deleteStoredObject(ctx context.Context, objectKey string, functionName string) {
	if objectKey == "" {
		return
	}
	if err := utils.DeleteImageFromGCS(ctx, objectKey); err != nil {
		config.LogError(config.GetLogger(), "handlers.go", functionName, "DeleteImageFromGCS", objectKey, err)
	}
}

func idParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func createReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewReport
		if !bindJSONOrAbort(c, &input) {
			return
		}
		report, err := models.CreateReport(c.Request.Context(), &input)
		if err != nil {
			handleModelError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": report})
	}
}

func listReportsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		var status *models.ReportStatus
		if raw := strings.TrimSpace(c.Query("status")); raw != "" {
			s := models.ReportStatus(raw)
			if !s.IsValid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
				return
			}
			status = &s
		}

		reports, total, err := models.ListReports(c.Request.Context(), status, limit, offset)
		if err != nil {
			handleModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": reports, "total": total})
	}
}

func getReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		report, err := models.GetReport(c.Request.Context(), id)
		if err != nil {
			handleModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": report})
	}
}

func updateReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		var input models.NewReport
		if !bindJSONOrAbort(c, &input) {
			return
		}
		report, err := models.UpdateReport(c.Request.Context(), id, &input)
		if err != nil {
			handleModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": report})
	}
}

type changeReportStatusRequest struct {
	Status models.ReportStatus `json:"status" binding:"required"`
}

func changeReportStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		var req changeReportStatusRequest
		if !bindJSONOrAbort(c, &req) {
			return
		}
		report, err := models.ChangeReportStatus(c.Request.Context(), id, req.Status)
		if err != nil {
			handleModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": report})
	}
}

func deleteReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		report, err := models.DeleteReport(ctx, id)
		if err != nil {
			handleModelError(c, err)
			return
		}

		// Abort in-flight recognition, then clean up stored objects.
		recognizer.CancelReport(report.Receipts)
		for _, receipt := range report.Receipts {
			deleteStoredObject(ctx, receipt.ObjectKey, "deleteReportHandler")
			deleteStoredObject(ctx, receipt.ThumbnailKey, "deleteReportHandler")
		}

		c.JSON(http.StatusOK, gin.H{"data": gin.H{
			"id":               report.ID,
			"deleted_receipts": len(report.Receipts),
		}})
	}
}

func reportProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		progress, err := models.GetReportProgress(c.Request.Context(), id)
		if err != nil {
			handleModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": progress})
	}
}

func listReceiptsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		var status *models.ReceiptStatus
		if raw := strings.TrimSpace(c.Query("status")); raw != "" {
			s := models.ReceiptStatus(raw)
			if !s.IsValid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
				return
			}
			status = &s
		}

		if _, err := models.GetReport(c.Request.Context(), id); err != nil {
			handleModelError(c, err)
			return
		}

		receipts, total, err := models.ListReceipts(c.Request.Context(), id, status, limit, offset)
		if err != nil {
			handleModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": receipts, "total": total})
	}
}

func getReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		receipt, err := models.GetReceipt(c.Request.Context(), id)
		if err != nil {
			handleModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"data":             receipt,
			"confidence_level": receipt.ConfidenceLevel(),
			"image_url":        utils.BuildObjectAccessURL(receipt.ObjectKey),
		})
	}
}

func updateReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		var input models.UpdateReceiptInput
		if !bindJSONOrAbort(c, &input) {
			return
		}
		receipt, err := models.UpdateReceipt(c.Request.Context(), id, &input)
		if err != nil {
			handleModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": receipt})
	}
}

func deleteReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()

		// Cancel first so a slow engine call cannot resurrect the row's
		// result after deletion.
		recognizer.Cancel(id)

		receipt, err := models.DeleteReceipt(ctx, id)
		if err != nil {
			handleModelError(c, err)
			return
		}

		deleteStoredObject(ctx, receipt.ObjectKey, "deleteReceiptHandler")
		deleteStoredObject(ctx, receipt.ThumbnailKey, "deleteReceiptHandler")

		c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": receipt.ID, "report_id": receipt.ReportId}})
	}
}

