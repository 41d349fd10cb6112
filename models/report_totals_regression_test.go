package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/receipts_backend/config"
	"github.com/mmdatafocus/receipts_backend/models"
	"github.com/shopspring/decimal"
)

func setupIntegrationDB(t *testing.T) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "receipts_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
}

func mustDecimal(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func createTestReport(t *testing.T, ctx context.Context, name string) *models.Report {
	t.Helper()
	report, err := models.CreateReport(ctx, &models.NewReport{Name: name})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	return report
}

func addReceipt(t *testing.T, ctx context.Context, reportId int, manualValue *decimal.Decimal) *models.Receipt {
	t.Helper()
	receipt, err := models.CreateReceipt(ctx, &models.NewReceipt{
		ReportId:    reportId,
		ObjectKey:   fmt.Sprintf("reports/%d/receipts/%d.png", reportId, time.Now().UnixNano()),
		MimeType:    "image/png",
		SizeBytes:   1024,
		ManualValue: manualValue,
	})
	if err != nil {
		t.Fatalf("CreateReceipt: %v", err)
	}
	return receipt
}

func assertReportTotals(t *testing.T, ctx context.Context, reportId int, wantCount int, wantTotal string) {
	t.Helper()
	report, err := models.GetReport(ctx, reportId)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if report.ReceiptCount != wantCount {
		t.Fatalf("receipt_count = %d, want %d", report.ReceiptCount, wantCount)
	}
	if !report.TotalValue.Equal(decimal.RequireFromString(wantTotal)) {
		t.Fatalf("total_value = %s, want %s", report.TotalValue, wantTotal)
	}
}

func TestConcurrentReceiptCreationKeepsTotalsConsistent(t *testing.T) {
	setupIntegrationDB(t)
	ctx := context.Background()

	report := createTestReport(t, ctx, "Concurrent uploads")

	values := []string{"10.00", "15.00"}
	var wg sync.WaitGroup
	errCh := make(chan error, len(values))
	for _, v := range values {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			_, err := models.CreateReceipt(ctx, &models.NewReceipt{
				ReportId:    report.ID,
				ObjectKey:   fmt.Sprintf("reports/%d/receipts/%s.png", report.ID, v),
				ManualValue: mustDecimal(v),
			})
			errCh <- err
		}(v)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent CreateReceipt: %v", err)
		}
	}

	assertReportTotals(t, ctx, report.ID, 2, "25.00")
}

func TestRecognitionLifecycleUpdatesTotals(t *testing.T) {
	setupIntegrationDB(t)
	ctx := context.Background()

	report := createTestReport(t, ctx, "Groceries March")

	// Pending receipt counts toward receipt_count but not total_value.
	receipt := addReceipt(t, ctx, report.ID, nil)
	assertReportTotals(t, ctx, report.ID, 1, "0.00")

	if err := models.BeginReceiptProcessing(ctx, receipt.ID); err != nil {
		t.Fatalf("BeginReceiptProcessing: %v", err)
	}

	value := decimal.RequireFromString("123.45")
	confidence := decimal.NewFromInt(80)
	if err := models.MarkReceiptProcessed(ctx, receipt.ID, value, confidence, "Total: R$ 123,45"); err != nil {
		t.Fatalf("MarkReceiptProcessed: %v", err)
	}
	assertReportTotals(t, ctx, report.ID, 1, "123.45")

	got, err := models.GetReceipt(ctx, receipt.ID)
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if got.Status != models.ReceiptStatusProcessed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Value == nil || !got.Value.Equal(value) {
		t.Fatalf("value = %v", got.Value)
	}
	if got.Confidence == nil || got.Confidence.LessThan(decimal.NewFromInt(80)) {
		t.Fatalf("confidence = %v, want >= 80", got.Confidence)
	}
	if got.ConfidenceLevel() != "high" {
		t.Fatalf("confidence level = %q", got.ConfidenceLevel())
	}
}

func TestFailedRecognitionExcludedFromTotals(t *testing.T) {
	setupIntegrationDB(t)
	ctx := context.Background()

	report := createTestReport(t, ctx, "With failures")
	addReceipt(t, ctx, report.ID, mustDecimal("50.00"))

	receipt := addReceipt(t, ctx, report.ID, nil)
	if err := models.BeginReceiptProcessing(ctx, receipt.ID); err != nil {
		t.Fatalf("BeginReceiptProcessing: %v", err)
	}
	if err := models.MarkReceiptFailed(ctx, receipt.ID, "engine timeout", ""); err != nil {
		t.Fatalf("MarkReceiptFailed: %v", err)
	}

	// The error receipt is counted but contributes no value.
	assertReportTotals(t, ctx, report.ID, 2, "50.00")

	got, err := models.GetReceipt(ctx, receipt.ID)
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if got.Status != models.ReceiptStatusError {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Value != nil || got.Confidence != nil {
		t.Fatalf("error receipt carries value=%v confidence=%v", got.Value, got.Confidence)
	}
	if got.ErrorMessage != "engine timeout" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}

	// Manual correction moves it to processed and into the totals.
	desc := "Taxi airport"
	corrected, err := models.UpdateReceipt(ctx, receipt.ID, &models.UpdateReceiptInput{
		Value:       mustDecimal("40.00"),
		Description: &desc,
	})
	if err != nil {
		t.Fatalf("UpdateReceipt: %v", err)
	}
	if corrected.Status != models.ReceiptStatusProcessed || corrected.Description != desc {
		t.Fatalf("corrected receipt status=%s description=%q", corrected.Status, corrected.Description)
	}
	if corrected.Confidence != nil {
		t.Fatal("manually corrected receipt must not claim a confidence")
	}
	assertReportTotals(t, ctx, report.ID, 2, "90.00")
}

func TestRecognitionWithoutValueLandsInError(t *testing.T) {
	setupIntegrationDB(t)
	ctx := context.Background()

	report := createTestReport(t, ctx, "Illegible scans")
	receipt := addReceipt(t, ctx, report.ID, nil)
	if err := models.BeginReceiptProcessing(ctx, receipt.ID); err != nil {
		t.Fatalf("BeginReceiptProcessing: %v", err)
	}

	// A processed receipt always carries a positive value.
	err := models.MarkReceiptProcessed(ctx, receipt.ID, decimal.Zero, decimal.NewFromInt(30), "lorem ipsum")
	if err == nil {
		t.Fatal("expected MarkReceiptProcessed to reject a zero value")
	}

	// Text with no extractable value ends as error, keeping the raw text
	// for a manual correction.
	if err := models.MarkReceiptFailed(ctx, receipt.ID, "no value found in recognized text", "lorem ipsum"); err != nil {
		t.Fatalf("MarkReceiptFailed: %v", err)
	}

	got, err := models.GetReceipt(ctx, receipt.ID)
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if got.Status != models.ReceiptStatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.Value != nil || got.Confidence != nil {
		t.Fatalf("value-less receipt carries value=%v confidence=%v", got.Value, got.Confidence)
	}
	if got.RawText != "lorem ipsum" {
		t.Fatalf("raw text = %q", got.RawText)
	}
	assertReportTotals(t, ctx, report.ID, 1, "0.00")
}

func TestDeleteReceiptRecomputesTotals(t *testing.T) {
	setupIntegrationDB(t)
	ctx := context.Background()

	report := createTestReport(t, ctx, "Deletion")
	addReceipt(t, ctx, report.ID, mustDecimal("60.00"))
	toDelete := addReceipt(t, ctx, report.ID, mustDecimal("40.00"))
	assertReportTotals(t, ctx, report.ID, 2, "100.00")

	if _, err := models.DeleteReceipt(ctx, toDelete.ID); err != nil {
		t.Fatalf("DeleteReceipt: %v", err)
	}
	assertReportTotals(t, ctx, report.ID, 1, "60.00")
}

func TestIllegalReceiptTransitionsRejected(t *testing.T) {
	setupIntegrationDB(t)
	ctx := context.Background()

	report := createTestReport(t, ctx, "Illegal transitions")
	receipt := addReceipt(t, ctx, report.ID, nil)

	// pending -> processed skips processing.
	value := decimal.NewFromInt(10)
	err := models.MarkReceiptProcessed(ctx, receipt.ID, value, decimal.NewFromInt(80), "text")
	if !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	// Claiming twice: the second claim loses.
	if err := models.BeginReceiptProcessing(ctx, receipt.ID); err != nil {
		t.Fatalf("BeginReceiptProcessing: %v", err)
	}
	err = models.BeginReceiptProcessing(ctx, receipt.ID)
	if !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition on double claim, got %v", err)
	}

	// Terminal receipts are never claimable again.
	if err := models.MarkReceiptFailed(ctx, receipt.ID, "blurry", ""); err != nil {
		t.Fatalf("MarkReceiptFailed: %v", err)
	}
	err = models.BeginReceiptProcessing(ctx, receipt.ID)
	if !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition claiming an error receipt, got %v", err)
	}

	// Totals unchanged by the rejected operations.
	assertReportTotals(t, ctx, report.ID, 1, "0.00")
}

func TestReportLifecycle(t *testing.T) {
	setupIntegrationDB(t)
	ctx := context.Background()

	report := createTestReport(t, ctx, "Lifecycle")

	completed, err := models.ChangeReportStatus(ctx, report.ID, models.ReportStatusCompleted)
	if err != nil {
		t.Fatalf("draft -> completed: %v", err)
	}
	if completed.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	// completed -> draft is not a legal step.
	_, err = models.ChangeReportStatus(ctx, report.ID, models.ReportStatusDraft)
	if !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	archived, err := models.ChangeReportStatus(ctx, report.ID, models.ReportStatusArchived)
	if err != nil {
		t.Fatalf("completed -> archived: %v", err)
	}
	if archived.Status != models.ReportStatusArchived {
		t.Fatalf("status = %s", archived.Status)
	}

	// Archiving keeps the completion timestamp.
	fresh, err := models.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if fresh.CompletedAt == nil {
		t.Fatal("archiving must not clear completed_at")
	}

	// Archived reports refuse new receipts.
	_, err = models.CreateReceipt(ctx, &models.NewReceipt{
		ReportId:  report.ID,
		ObjectKey: "reports/x/receipts/y.png",
	})
	if err == nil {
		t.Fatal("expected error adding receipt to archived report")
	}

	// Unarchive goes back to completed, never to draft.
	restored, err := models.ChangeReportStatus(ctx, report.ID, models.ReportStatusCompleted)
	if err != nil {
		t.Fatalf("archived -> completed: %v", err)
	}
	if restored.Status != models.ReportStatusCompleted {
		t.Fatalf("status = %s", restored.Status)
	}
}

func TestDeleteReportRemovesReceipts(t *testing.T) {
	setupIntegrationDB(t)
	ctx := context.Background()

	report := createTestReport(t, ctx, "To delete")
	addReceipt(t, ctx, report.ID, mustDecimal("12.00"))
	receipt := addReceipt(t, ctx, report.ID, nil)

	deleted, err := models.DeleteReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("DeleteReport: %v", err)
	}
	if len(deleted.Receipts) != 2 {
		t.Fatalf("deleted receipts = %d, want 2", len(deleted.Receipts))
	}

	if _, err := models.GetReport(ctx, report.ID); err == nil {
		t.Fatal("report still readable after delete")
	}
	if _, err := models.GetReceipt(ctx, receipt.ID); err == nil {
		t.Fatal("receipt still readable after delete")
	}
}

func TestReportProgress(t *testing.T) {
	setupIntegrationDB(t)
	ctx := context.Background()

	report := createTestReport(t, ctx, "Progress")
	addReceipt(t, ctx, report.ID, mustDecimal("10.00")) // processed
	addReceipt(t, ctx, report.ID, nil)                  // stays pending
	failed := addReceipt(t, ctx, report.ID, nil)
	if err := models.BeginReceiptProcessing(ctx, failed.ID); err != nil {
		t.Fatalf("BeginReceiptProcessing: %v", err)
	}
	if err := models.MarkReceiptFailed(ctx, failed.ID, "blurry", ""); err != nil {
		t.Fatalf("MarkReceiptFailed: %v", err)
	}

	progress, err := models.GetReportProgress(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetReportProgress: %v", err)
	}
	if progress.Total != 3 || progress.Processed != 1 || progress.Pending != 1 || progress.Errored != 1 {
		t.Fatalf("progress = %+v", progress)
	}
	// 2 of 3 receipts are terminal.
	if !progress.Percent.Equal(decimal.RequireFromString("66.67")) {
		t.Fatalf("percent = %s, want 66.67", progress.Percent)
	}
}

func TestRequeueInterruptedReceipts(t *testing.T) {
	setupIntegrationDB(t)
	ctx := context.Background()

	report := createTestReport(t, ctx, "Crash recovery")
	stuck := addReceipt(t, ctx, report.ID, nil)
	if err := models.BeginReceiptProcessing(ctx, stuck.ID); err != nil {
		t.Fatalf("BeginReceiptProcessing: %v", err)
	}
	waiting := addReceipt(t, ctx, report.ID, nil)

	requeued, err := models.RequeueInterruptedReceipts(ctx)
	if err != nil {
		t.Fatalf("RequeueInterruptedReceipts: %v", err)
	}
	ids := map[int]bool{}
	for _, r := range requeued {
		ids[r.ID] = true
		if r.Status != models.ReceiptStatusPending {
			t.Fatalf("requeued receipt %d has status %s", r.ID, r.Status)
		}
	}
	if !ids[stuck.ID] || !ids[waiting.ID] {
		t.Fatalf("expected both receipts requeued, got %v", ids)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("receipts-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=receipts_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
