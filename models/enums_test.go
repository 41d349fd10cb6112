package models

import "testing"

func TestReceiptStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to ReceiptStatus
	}{
		{ReceiptStatusPending, ReceiptStatusProcessing},
		{ReceiptStatusProcessing, ReceiptStatusProcessed},
		{ReceiptStatusProcessing, ReceiptStatusError},
		{ReceiptStatusError, ReceiptStatusProcessed},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct {
		from, to ReceiptStatus
	}{
		{ReceiptStatusPending, ReceiptStatusProcessed},
		{ReceiptStatusPending, ReceiptStatusError},
		{ReceiptStatusProcessed, ReceiptStatusPending},
		{ReceiptStatusProcessed, ReceiptStatusProcessing},
		{ReceiptStatusProcessed, ReceiptStatusError},
		{ReceiptStatusProcessing, ReceiptStatusPending},
		{ReceiptStatusError, ReceiptStatusPending},
		// Terminal states never return to processing.
		{ReceiptStatusError, ReceiptStatusProcessing},
	}
	for _, tr := range forbidden {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be rejected", tr.from, tr.to)
		}
	}
}

func TestReceiptStatusTerminal(t *testing.T) {
	if !ReceiptStatusProcessed.IsTerminal() || !ReceiptStatusError.IsTerminal() {
		t.Error("processed and error are terminal")
	}
	if ReceiptStatusPending.IsTerminal() || ReceiptStatusProcessing.IsTerminal() {
		t.Error("pending and processing are not terminal")
	}
}

func TestReportStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to ReportStatus
	}{
		{ReportStatusDraft, ReportStatusCompleted},
		{ReportStatusDraft, ReportStatusArchived},
		{ReportStatusCompleted, ReportStatusArchived},
		{ReportStatusArchived, ReportStatusCompleted},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct {
		from, to ReportStatus
	}{
		{ReportStatusCompleted, ReportStatusDraft},
		{ReportStatusArchived, ReportStatusDraft},
	}
	for _, tr := range forbidden {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be rejected", tr.from, tr.to)
		}
	}
}

func TestStatusValidity(t *testing.T) {
	for _, s := range []ReceiptStatus{ReceiptStatusPending, ReceiptStatusProcessing, ReceiptStatusProcessed, ReceiptStatusError} {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if ReceiptStatus("cancelled").IsValid() {
		t.Error("unknown receipt status accepted")
	}
	for _, s := range []ReportStatus{ReportStatusDraft, ReportStatusCompleted, ReportStatusArchived} {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if ReportStatus("open").IsValid() {
		t.Error("unknown report status accepted")
	}
}
