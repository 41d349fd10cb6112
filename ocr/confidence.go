package ocr

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Scoring is a fixed, auditable heuristic rather than an engine-reported
// probability. Every adjustment below is documented so a score can always
// be explained from the inputs.
const (
	confidenceBase = 50

	// A successfully extracted value is the strongest signal the text is
	// really a receipt.
	confidenceValueBonus = 30

	// Reasonably long text means recognition produced real content.
	confidenceLongTextBonus = 10
	confidenceLongTextRunes = 20

	// Very short text usually means a failed or partial scan.
	confidenceShortTextPenalty = 20
	confidenceShortTextRunes   = 10
)

// Score rates a recognition result from 0 to 100.
func Score(text string, hasValue bool) decimal.Decimal {
	score := confidenceBase

	if hasValue {
		score += confidenceValueBonus
	}

	length := len([]rune(strings.TrimSpace(text)))
	if length >= confidenceLongTextRunes {
		score += confidenceLongTextBonus
	} else if length < confidenceShortTextRunes {
		score -= confidenceShortTextPenalty
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return decimal.NewFromInt(int64(score))
}

// ConfidenceLevel buckets a score for display.
func ConfidenceLevel(score decimal.Decimal) string {
	switch {
	case score.GreaterThanOrEqual(decimal.NewFromInt(80)):
		return "high"
	case score.GreaterThanOrEqual(decimal.NewFromInt(60)):
		return "medium"
	default:
		return "low"
	}
}
