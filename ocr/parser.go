package ocr

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Extracted values must land in a sane range for a single receipt.
var (
	minReceiptValue = decimal.RequireFromString("0.01")
	maxReceiptValue = decimal.NewFromInt(1000000)
)

// ValuePattern is one recognizer for a monetary amount in OCR text.
type ValuePattern struct {
	Name string
	Re   *regexp.Regexp
}

// ValuePatterns is scanned in order and the first convertible, in-range
// match wins. Order encodes precedence: an amount next to a total label
// beats a bare currency amount, which beats an unlabeled number. The bare
// number patterns require a decimal part so years and receipt numbers
// ("2024", "000123") can never match.
var ValuePatterns = []ValuePattern{
	{
		Name: "labeled-total",
		Re:   regexp.MustCompile(`(?i)\b(?:total|valor|montante)\b\s*:?\s*(?:r\$\s*)?(\d{1,3}(?:\.\d{3})+,\d{2}|\d+,\d{2}|\d+\.\d{2})`),
	},
	{
		Name: "currency-symbol",
		Re:   regexp.MustCompile(`(?i)r\$\s*(\d{1,3}(?:\.\d{3})+,\d{2}|\d+,\d{2}|\d+\.\d{2})`),
	},
	{
		Name: "grouped-number",
		Re:   regexp.MustCompile(`\d{1,3}(?:\.\d{3})+,\d{2}`),
	},
	{
		Name: "comma-decimal",
		Re:   regexp.MustCompile(`\d+,\d{2}`),
	},
	{
		Name: "dot-decimal",
		Re:   regexp.MustCompile(`\b\d+\.\d{2}\b`),
	},
}

// ExtractValue scans OCR text for a monetary amount. It understands the
// Brazilian format (thousands dot, decimal comma: "1.234,56") as well as
// plain dot decimals ("50.00"). Returns false when no pattern yields a
// convertible value within range.
func ExtractValue(text string) (decimal.Decimal, bool) {
	for _, pattern := range ValuePatterns {
		matches := pattern.Re.FindAllStringSubmatch(text, -1)
		for _, match := range matches {
			raw := match[0]
			if len(match) > 1 && match[1] != "" {
				raw = match[1]
			}
			value, err := decimal.NewFromString(normalizeAmount(raw))
			if err != nil {
				continue
			}
			if value.LessThan(minReceiptValue) || value.GreaterThan(maxReceiptValue) {
				continue
			}
			return value.Round(2), true
		}
	}
	return decimal.Zero, false
}

// normalizeAmount rewrites a matched amount into decimal syntax.
// "1.234,56" -> "1234.56", "45,00" -> "45.00", "50.00" stays as is.
func normalizeAmount(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, ",") {
		raw = strings.ReplaceAll(raw, ".", "")
		raw = strings.ReplaceAll(raw, ",", ".")
	}
	return raw
}
