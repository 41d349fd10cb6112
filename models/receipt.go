package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/receipts_backend/config"
	"github.com/mmdatafocus/receipts_backend/ocr"
	"github.com/mmdatafocus/receipts_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Receipt struct {
	ID               int           `gorm:"primary_key" json:"id"`
	ReportId         int           `gorm:"index;not null" json:"report_id" binding:"required"`
	OriginalFilename string        `gorm:"size:255" json:"original_filename"`
	ObjectKey        string        `gorm:"size:512;not null" json:"object_key"`
	ThumbnailKey     string        `gorm:"size:512" json:"thumbnail_key"`
	MimeType         string        `gorm:"size:64" json:"mime_type"`
	SizeBytes        int64         `json:"size_bytes"`
	Status           ReceiptStatus `gorm:"type:enum('pending','processing','processed','error');default:'pending';index" json:"status"`
	// Value and Confidence stay NULL until recognition succeeds or the
	// user supplies a value by hand. Error receipts never carry either.
	Value        *decimal.Decimal `gorm:"type:decimal(20,2)" json:"value"`
	Confidence   *decimal.Decimal `gorm:"type:decimal(5,2)" json:"confidence"`
	Date         *time.Time       `gorm:"type:date" json:"date"`
	Description  string           `gorm:"size:500" json:"description"`
	Notes        string           `gorm:"size:1000" json:"notes"`
	RawText      string           `gorm:"type:text" json:"raw_text,omitempty"`
	ErrorMessage string           `gorm:"size:512" json:"error_message,omitempty"`
	ProcessedAt  *time.Time       `json:"processed_at"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewReceipt struct {
	ReportId         int              `json:"report_id" binding:"required"`
	OriginalFilename string           `json:"original_filename"`
	ObjectKey        string           `json:"object_key" binding:"required"`
	ThumbnailKey     string           `json:"thumbnail_key"`
	MimeType         string           `json:"mime_type"`
	SizeBytes        int64            `json:"size_bytes"`
	ManualValue      *decimal.Decimal `json:"manual_value"`
	Date             *time.Time       `json:"date"`
	Description      string           `json:"description"`
	Notes            string           `json:"notes"`
}

// UpdateReceiptInput is a manual correction. Every field is optional;
// only the provided ones are written.
type UpdateReceiptInput struct {
	Value       *decimal.Decimal `json:"value"`
	Date        *time.Time       `json:"date"`
	Description *string          `json:"description"`
	Notes       *string          `json:"notes"`
}

// ConfidenceLevel buckets a numeric confidence for display. Empty for
// receipts that never got a machine confidence.
func (r *Receipt) ConfidenceLevel() string {
	if r.Confidence == nil {
		return ""
	}
	return ocr.ConfidenceLevel(*r.Confidence)
}

// CreateReceipt stores the receipt row and refreshes the parent report's
// totals in the same transaction. With a ManualValue the receipt skips
// recognition entirely and lands processed.
func CreateReceipt(ctx context.Context, input *NewReceipt) (*Receipt, error) {
	report, err := GetReport(ctx, input.ReportId)
	if err != nil {
		return nil, err
	}
	if report.Status == ReportStatusArchived {
		return nil, errors.New("cannot add receipts to an archived report")
	}

	receipt := Receipt{
		ReportId:         input.ReportId,
		OriginalFilename: input.OriginalFilename,
		ObjectKey:        input.ObjectKey,
		ThumbnailKey:     input.ThumbnailKey,
		MimeType:         input.MimeType,
		SizeBytes:        input.SizeBytes,
		Date:             input.Date,
		Description:      input.Description,
		Notes:            input.Notes,
		Status:           ReceiptStatusPending,
	}
	if receipt.Date == nil {
		today := time.Now().UTC().Truncate(24 * time.Hour)
		receipt.Date = &today
	}
	if input.ManualValue != nil {
		value := input.ManualValue.Round(2)
		if value.LessThanOrEqual(decimal.Zero) {
			return nil, errors.New("manual value must be positive")
		}
		now := time.Now().UTC()
		receipt.Status = ReceiptStatusProcessed
		receipt.Value = &value
		receipt.ProcessedAt = &now
	}

	db := config.GetDB()
	tx := db.Begin()

	if err := tx.WithContext(ctx).Create(&receipt).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := RefreshReportTotals(tx, ctx, receipt.ReportId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &receipt, nil
}

// UpdateReceipt applies a manual correction to a terminal receipt. It
// never re-runs recognition. An error receipt corrected with a value
// becomes processed; its confidence stays empty because nothing was
// recognized.
func UpdateReceipt(ctx context.Context, id int, input *UpdateReceiptInput) (*Receipt, error) {
	receipt, err := GetReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.Value == nil && input.Date == nil && input.Description == nil && input.Notes == nil {
		return nil, errors.New("nothing to update")
	}
	if receipt.Status == ReceiptStatusPending || receipt.Status == ReceiptStatusProcessing {
		return nil, errors.New("receipt is still being recognized")
	}

	updates := map[string]interface{}{}
	if input.Date != nil {
		updates["Date"] = input.Date
		receipt.Date = input.Date
	}
	if input.Description != nil {
		updates["Description"] = *input.Description
		receipt.Description = *input.Description
	}
	if input.Notes != nil {
		updates["Notes"] = *input.Notes
		receipt.Notes = *input.Notes
	}
	if input.Value != nil {
		value := input.Value.Round(2)
		if value.LessThanOrEqual(decimal.Zero) {
			return nil, errors.New("value must be positive")
		}
		updates["Value"] = value
		receipt.Value = &value

		if receipt.Status == ReceiptStatusError {
			if !receipt.Status.CanTransitionTo(ReceiptStatusProcessed) {
				return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, receipt.Status, ReceiptStatusProcessed)
			}
			now := time.Now().UTC()
			updates["Status"] = ReceiptStatusProcessed
			updates["ErrorMessage"] = ""
			updates["ProcessedAt"] = &now
			receipt.Status = ReceiptStatusProcessed
			receipt.ErrorMessage = ""
			receipt.ProcessedAt = &now
		}
	}

	db := config.GetDB()
	tx := db.Begin()

	err = tx.WithContext(ctx).Model(&Receipt{ID: id}).Updates(updates).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if input.Value != nil {
		if err := RefreshReportTotals(tx, ctx, receipt.ReportId); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return receipt, nil
}

// DeleteReceipt removes the row and refreshes totals in one transaction.
// The returned receipt still carries its object keys so the caller can
// delete the stored images afterwards.
func DeleteReceipt(ctx context.Context, id int) (*Receipt, error) {
	receipt, err := GetReceipt(ctx, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()

	if err := tx.WithContext(ctx).Delete(&Receipt{ID: id}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := RefreshReportTotals(tx, ctx, receipt.ReportId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return receipt, nil
}

func GetReceipt(ctx context.Context, id int) (*Receipt, error) {
	db := config.GetDB()
	var receipt Receipt
	if err := db.WithContext(ctx).First(&receipt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &receipt, nil
}

func ListReceipts(ctx context.Context, reportId int, status *ReceiptStatus, limit int, offset int) ([]*Receipt, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&Receipt{}).Where("report_id = ?", reportId)
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}

	var total int64
	if err := dbCtx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var receipts []*Receipt
	err := dbCtx.Order("created_at ASC").Limit(limit).Offset(offset).Find(&receipts).Error
	if err != nil {
		return nil, 0, err
	}
	return receipts, total, nil
}

// RequeueInterruptedReceipts is a startup recovery step. Receipts left in
// processing by a crashed instance are returned to pending, then every
// pending receipt is returned so the caller can dispatch recognition
// again. This is the one place a processing receipt moves backwards.
func RequeueInterruptedReceipts(ctx context.Context) ([]*Receipt, error) {
	db := config.GetDB()

	err := db.WithContext(ctx).Model(&Receipt{}).
		Where("status = ?", ReceiptStatusProcessing).
		Update("Status", ReceiptStatusPending).Error
	if err != nil {
		return nil, err
	}

	var receipts []*Receipt
	err = db.WithContext(ctx).
		Where("status = ?", ReceiptStatusPending).
		Order("created_at ASC").
		Find(&receipts).Error
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// BeginReceiptProcessing claims a pending receipt for recognition with a
// guarded update so two workers can never both win. Terminal receipts
// are never claimable; failures are retried by re-submitting the image
// or supplying a value by hand.
func BeginReceiptProcessing(ctx context.Context, id int) error {
	db := config.GetDB()
	result := db.WithContext(ctx).Model(&Receipt{}).
		Where("id = ? AND status = ?", id, ReceiptStatusPending).
		Update("Status", ReceiptStatusProcessing)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Either the receipt is gone or it is not in a claimable state.
		if _, err := GetReceipt(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: receipt %d is not claimable", ErrIllegalTransition, id)
	}
	return nil
}

// MarkReceiptProcessed finishes recognition. A processed receipt always
// carries a value; recognition that found none must fail the receipt
// instead. The status guard plus the totals refresh run in one
// transaction so the report aggregate can never drift from its receipts.
func MarkReceiptProcessed(ctx context.Context, id int, value decimal.Decimal, confidence decimal.Decimal, rawText string) error {
	value = value.Round(2)
	if value.LessThanOrEqual(decimal.Zero) {
		return errors.New("processed receipt requires a positive value")
	}

	receipt, err := GetReceipt(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"Status":      ReceiptStatusProcessed,
		"Value":       value,
		"Confidence":  confidence.Round(2),
		"RawText":     rawText,
		"ProcessedAt": &now,
	}

	db := config.GetDB()
	tx := db.Begin()

	result := tx.WithContext(ctx).Model(&Receipt{}).
		Where("id = ? AND status = ?", id, ReceiptStatusProcessing).
		Updates(updates)
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("%w: receipt %d is not processing", ErrIllegalTransition, id)
	}
	if err := RefreshReportTotals(tx, ctx, receipt.ReportId); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// MarkReceiptFailed records a recognition failure. Value and confidence
// are cleared so an error receipt never contributes to report totals;
// the raw text is kept so a manual correction has something to work from.
func MarkReceiptFailed(ctx context.Context, id int, errMsg string, rawText string) error {
	receipt, err := GetReceipt(ctx, id)
	if err != nil {
		return err
	}

	if len(errMsg) > 512 {
		errMsg = errMsg[:512]
	}

	db := config.GetDB()
	tx := db.Begin()

	result := tx.WithContext(ctx).Model(&Receipt{}).
		Where("id = ? AND status = ?", id, ReceiptStatusProcessing).
		Updates(map[string]interface{}{
			"Status":       ReceiptStatusError,
			"ErrorMessage": errMsg,
			"RawText":      rawText,
			"Value":        nil,
			"Confidence":   nil,
		})
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("%w: receipt %d is not processing", ErrIllegalTransition, id)
	}
	if err := RefreshReportTotals(tx, ctx, receipt.ReportId); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}
