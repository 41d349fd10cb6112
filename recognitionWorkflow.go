package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mmdatafocus/receipts_backend/config"
	"github.com/mmdatafocus/receipts_backend/models"
	"github.com/mmdatafocus/receipts_backend/ocr"
	"github.com/mmdatafocus/receipts_backend/utils"
	"github.com/sirupsen/logrus"
)

// recognitionManager runs recognition jobs in-process, one goroutine per
// receipt, with a cancellable context per job. Deleting a receipt or its
// report cancels the in-flight job so a slow engine call never writes a
// result for a row that no longer exists.
type recognitionManager struct {
	mu      sync.Mutex
	engine  ocr.Engine
	cancels map[int]context.CancelFunc
	wg      sync.WaitGroup
}

var recognizer = &recognitionManager{
	cancels: make(map[int]context.CancelFunc),
}

func (m *recognitionManager) SetEngine(engine ocr.Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine = engine
}

func (m *recognitionManager) getEngine() ocr.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

// Dispatch starts recognition for one receipt. A second dispatch for the
// same receipt while the first is still running is a no-op.
func (m *recognitionManager) Dispatch(receipt *models.Receipt) {
	m.mu.Lock()
	if _, running := m.cancels[receipt.ID]; running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[receipt.ID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.release(receipt.ID)
		m.run(ctx, receipt)
	}()
}

// Cancel aborts the in-flight job for a receipt, if any.
func (m *recognitionManager) Cancel(receiptId int) {
	m.mu.Lock()
	cancel, ok := m.cancels[receiptId]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelReport aborts every in-flight job belonging to a report.
func (m *recognitionManager) CancelReport(receipts []*models.Receipt) {
	for _, receipt := range receipts {
		m.Cancel(receipt.ID)
	}
}

// Shutdown cancels everything and waits for workers to drain, bounded by
// the context deadline.
func (m *recognitionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (m *recognitionManager) release(receiptId int) {
	m.mu.Lock()
	if cancel, ok := m.cancels[receiptId]; ok {
		cancel()
		delete(m.cancels, receiptId)
	}
	m.mu.Unlock()
}

func (m *recognitionManager) run(ctx context.Context, receipt *models.Receipt) {
	logger := config.GetLogger()

	if err := models.BeginReceiptProcessing(ctx, receipt.ID); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) || errors.Is(err, models.ErrIllegalTransition) {
			// Deleted or already claimed; nothing to do.
			return
		}
		config.LogError(logger, "recognitionWorkflow.go", "run", "BeginReceiptProcessing", receipt.ID, err)
		return
	}

	engine := m.getEngine()
	if engine == nil {
		m.fail(ctx, receipt, "recognition engine not configured", "")
		return
	}

	image, err := utils.DownloadBytesFromGCS(ctx, receipt.ObjectKey)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fail(ctx, receipt, fmt.Sprintf("failed to load image: %v", err), "")
		return
	}

	// Preprocessing fails open; recognition always gets something to chew on.
	prepared := ocr.Preprocess(image)

	// No locks are held across the engine call.
	text, err := engine.Recognize(ctx, prepared, ocr.DefaultLanguages)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled: the receipt (or its report) is being deleted.
			return
		}
		m.fail(ctx, receipt, err.Error(), "")
		return
	}

	value, hasValue := ocr.ExtractValue(text)
	if !hasValue {
		// No value means error, never a value-less processed receipt. The
		// raw text is kept so the user can correct by hand.
		m.fail(ctx, receipt, "no value found in recognized text", text)
		return
	}
	score := ocr.Score(text, true)

	release, err := utils.ReportLock(ctx, strconv.Itoa(receipt.ReportId), "recognitionWorkflow.go", "run")
	if err != nil {
		config.LogError(logger, "recognitionWorkflow.go", "run", "ReportLock", receipt.ReportId, err)
		// Proceed anyway; RefreshReportTotals serializes on the DB row lock.
	} else {
		defer release()
	}

	if err := models.MarkReceiptProcessed(ctx, receipt.ID, value, score, text); err != nil {
		if errors.Is(err, models.ErrIllegalTransition) || errors.Is(err, utils.ErrorRecordNotFound) {
			return
		}
		config.LogError(logger, "recognitionWorkflow.go", "run", "MarkReceiptProcessed", receipt.ID, err)
		return
	}

	logger.WithFields(logrus.Fields{
		"receipt_id": receipt.ID,
		"report_id":  receipt.ReportId,
		"value":      value.String(),
		"confidence": score.String(),
	}).Info("[recognition.done]")
}

func (m *recognitionManager) fail(ctx context.Context, receipt *models.Receipt, message string, rawText string) {
	logger := config.GetLogger()

	release, err := utils.ReportLock(ctx, strconv.Itoa(receipt.ReportId), "recognitionWorkflow.go", "fail")
	if err == nil {
		defer release()
	}

	if err := models.MarkReceiptFailed(ctx, receipt.ID, message, rawText); err != nil {
		if errors.Is(err, models.ErrIllegalTransition) || errors.Is(err, utils.ErrorRecordNotFound) {
			return
		}
		config.LogError(logger, "recognitionWorkflow.go", "fail", "MarkReceiptFailed", receipt.ID, err)
		return
	}

	logger.WithFields(logrus.Fields{
		"receipt_id": receipt.ID,
		"report_id":  receipt.ReportId,
		"reason":     message,
	}).Warn("[recognition.failed]")
}

// resumeInterruptedReceipts re-dispatches receipts that were pending or
// processing when the previous instance stopped. Call after the DB is up.
func resumeInterruptedReceipts() {
	logger := config.GetLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	receipts, err := models.RequeueInterruptedReceipts(ctx)
	if err != nil {
		config.LogError(logger, "recognitionWorkflow.go", "resumeInterruptedReceipts", "RequeueInterruptedReceipts", nil, err)
		return
	}
	for _, receipt := range receipts {
		recognizer.Dispatch(receipt)
	}
	if len(receipts) > 0 {
		logger.WithFields(logrus.Fields{
			"count": len(receipts),
		}).Info("[recognition.resumed]")
	}
}
