package models

import "errors"

// ErrIllegalTransition is returned when a status change is not allowed by
// the lifecycle tables below. Callers must treat it as a client error,
// not retry it.
var ErrIllegalTransition = errors.New("illegal status transition")

type ReceiptStatus string

const (
	ReceiptStatusPending    ReceiptStatus = "pending"
	ReceiptStatusProcessing ReceiptStatus = "processing"
	ReceiptStatusProcessed  ReceiptStatus = "processed"
	ReceiptStatusError      ReceiptStatus = "error"
)

// receiptTransitions is the full lifecycle:
// pending -> processing -> processed | error
// Terminal states never go back to processing; an error receipt is fixed
// only by supplying a value by hand (-> processed) or re-submitting the
// image as a new receipt.
var receiptTransitions = map[ReceiptStatus][]ReceiptStatus{
	ReceiptStatusPending:    {ReceiptStatusProcessing},
	ReceiptStatusProcessing: {ReceiptStatusProcessed, ReceiptStatusError},
	ReceiptStatusProcessed:  {},
	ReceiptStatusError:      {ReceiptStatusProcessed},
}

func (s ReceiptStatus) IsValid() bool {
	_, ok := receiptTransitions[s]
	return ok
}

func (s ReceiptStatus) IsTerminal() bool {
	return s == ReceiptStatusProcessed || s == ReceiptStatusError
}

func (s ReceiptStatus) CanTransitionTo(next ReceiptStatus) bool {
	for _, allowed := range receiptTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type ReportStatus string

const (
	ReportStatusDraft     ReportStatus = "draft"
	ReportStatusCompleted ReportStatus = "completed"
	ReportStatusArchived  ReportStatus = "archived"
)

var reportTransitions = map[ReportStatus][]ReportStatus{
	ReportStatusDraft:     {ReportStatusCompleted, ReportStatusArchived},
	ReportStatusCompleted: {ReportStatusArchived},
	ReportStatusArchived:  {ReportStatusCompleted},
}

func (s ReportStatus) IsValid() bool {
	_, ok := reportTransitions[s]
	return ok
}

func (s ReportStatus) CanTransitionTo(next ReportStatus) bool {
	for _, allowed := range reportTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
