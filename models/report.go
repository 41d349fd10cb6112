package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/receipts_backend/config"
	"github.com/mmdatafocus/receipts_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Report struct {
	ID          int              `gorm:"primary_key" json:"id"`
	Name        string           `gorm:"size:255;not null" json:"name" binding:"required"`
	Description string           `gorm:"type:text" json:"description"`
	TargetValue *decimal.Decimal `gorm:"type:decimal(20,2)" json:"target_value"`
	Status      ReportStatus     `gorm:"type:enum('draft','completed','archived');default:'draft'" json:"status"`
	// ReceiptCount and TotalValue are denormalized from the receipts table.
	// They are never incremented in place; RefreshReportTotals recomputes
	// both from source rows inside the same transaction as any change.
	ReceiptCount int             `gorm:"not null;default:0" json:"receipt_count"`
	TotalValue   decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"total_value"`
	CompletedAt  *time.Time      `json:"completed_at"`
	Receipts     []*Receipt      `gorm:"constraint:OnDelete:CASCADE" json:"receipts,omitempty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewReport struct {
	Name        string           `json:"name" binding:"required"`
	Description string           `json:"description"`
	TargetValue *decimal.Decimal `json:"target_value"`
}

// ReportProgress summarizes how far recognition has advanced for a report.
type ReportProgress struct {
	Total      int64           `json:"total"`
	Pending    int64           `json:"pending"`
	Processing int64           `json:"processing"`
	Processed  int64           `json:"processed"`
	Errored    int64           `json:"errored"`
	Percent    decimal.Decimal `json:"percent"`
}

func CreateReport(ctx context.Context, input *NewReport) (*Report, error) {
	if input.TargetValue != nil && input.TargetValue.LessThan(decimal.Zero) {
		return nil, errors.New("target value cannot be negative")
	}

	report := Report{
		Name:        input.Name,
		Description: input.Description,
		TargetValue: input.TargetValue,
		Status:      ReportStatusDraft,
		TotalValue:  decimal.Zero,
	}

	db := config.GetDB()
	tx := db.Begin()

	if err := tx.WithContext(ctx).Create(&report).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &report, nil
}

func UpdateReport(ctx context.Context, id int, input *NewReport) (*Report, error) {
	report, err := GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if report.Status == ReportStatusArchived {
		return nil, errors.New("archived report cannot be edited")
	}
	if input.TargetValue != nil && input.TargetValue.LessThan(decimal.Zero) {
		return nil, errors.New("target value cannot be negative")
	}

	db := config.GetDB()
	tx := db.Begin()

	err = tx.WithContext(ctx).Model(&Report{ID: id}).Updates(map[string]interface{}{
		"Name":        input.Name,
		"Description": input.Description,
		"TargetValue": input.TargetValue,
	}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	report.Name = input.Name
	report.Description = input.Description
	report.TargetValue = input.TargetValue
	return report, nil
}

// ChangeReportStatus applies one lifecycle step. Illegal steps are rejected
// with ErrIllegalTransition rather than silently ignored.
func ChangeReportStatus(ctx context.Context, id int, next ReportStatus) (*Report, error) {
	if !next.IsValid() {
		return nil, fmt.Errorf("unknown report status: %s", next)
	}

	report, err := GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if report.Status == next {
		return report, nil
	}
	if !report.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, report.Status, next)
	}

	// completed_at is stamped on completion and survives archiving; it is
	// only rewritten by a later completion.
	updates := map[string]interface{}{
		"Status": next,
	}
	if next == ReportStatusCompleted {
		now := time.Now().UTC()
		updates["CompletedAt"] = &now
		report.CompletedAt = &now
	}

	db := config.GetDB()
	tx := db.Begin()

	// Guard against a concurrent status change between the read above and
	// this update.
	result := tx.WithContext(ctx).Model(&Report{}).
		Where("id = ? AND status = ?", id, report.Status).
		Updates(updates)
	if result.Error != nil {
		tx.Rollback()
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, fmt.Errorf("%w: report status changed concurrently", ErrIllegalTransition)
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	report.Status = next
	return report, nil
}

// DeleteReport removes the report and all of its receipts. The returned
// report carries the deleted receipts so the caller can clean up storage
// objects and cancel any in-flight recognition.
func DeleteReport(ctx context.Context, id int) (*Report, error) {
	report, err := GetReport(ctx, id)
	if err != nil {
		return nil, err
	}

	var receipts []*Receipt
	db := config.GetDB()
	if err := db.WithContext(ctx).Where("report_id = ?", id).Find(&receipts).Error; err != nil {
		return nil, err
	}
	report.Receipts = receipts

	tx := db.Begin()

	if err := tx.WithContext(ctx).Where("report_id = ?", id).Delete(&Receipt{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(ctx).Delete(&Report{ID: id}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return report, nil
}

func GetReport(ctx context.Context, id int) (*Report, error) {
	db := config.GetDB()
	var report Report
	if err := db.WithContext(ctx).First(&report, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &report, nil
}

func ListReports(ctx context.Context, status *ReportStatus, limit int, offset int) ([]*Report, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&Report{})
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}

	var total int64
	if err := dbCtx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var reports []*Report
	err := dbCtx.Order("created_at DESC").Limit(limit).Offset(offset).Find(&reports).Error
	if err != nil {
		return nil, 0, err
	}
	return reports, total, nil
}

func GetReportProgress(ctx context.Context, id int) (*ReportProgress, error) {
	if _, err := GetReport(ctx, id); err != nil {
		return nil, err
	}

	db := config.GetDB()
	type statusCount struct {
		Status ReceiptStatus
		Count  int64
	}
	var rows []statusCount
	err := db.WithContext(ctx).Model(&Receipt{}).
		Select("status, COUNT(*) AS count").
		Where("report_id = ?", id).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	var progress ReportProgress
	for _, row := range rows {
		progress.Total += row.Count
		switch row.Status {
		case ReceiptStatusPending:
			progress.Pending = row.Count
		case ReceiptStatusProcessing:
			progress.Processing = row.Count
		case ReceiptStatusProcessed:
			progress.Processed = row.Count
		case ReceiptStatusError:
			progress.Errored = row.Count
		}
	}
	if progress.Total > 0 {
		done := progress.Processed + progress.Errored
		progress.Percent = decimal.NewFromInt(done).
			Div(decimal.NewFromInt(progress.Total)).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}
	return &progress, nil
}

// RefreshReportTotals recomputes receipt_count and total_value from the
// receipts table inside the caller's transaction. The report row is locked
// FOR UPDATE first so concurrent refreshes serialize instead of clobbering
// each other. receipt_count counts every receipt regardless of status;
// total_value sums only receipts that carry a value.
func RefreshReportTotals(tx *gorm.DB, ctx context.Context, reportId int) error {
	var report Report
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&report, reportId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Report deleted underneath us; nothing to refresh.
			return nil
		}
		return err
	}

	type totals struct {
		ReceiptCount int64
		TotalValue   decimal.Decimal
	}
	var t totals
	err = tx.WithContext(ctx).Model(&Receipt{}).
		Select("COUNT(*) AS receipt_count, COALESCE(SUM(value), 0) AS total_value").
		Where("report_id = ?", reportId).
		Scan(&t).Error
	if err != nil {
		return err
	}

	return tx.WithContext(ctx).Model(&Report{ID: reportId}).Updates(map[string]interface{}{
		"ReceiptCount": t.ReceiptCount,
		"TotalValue":   t.TotalValue,
	}).Error
}
