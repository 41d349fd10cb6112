package ocr

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestScoreKnownInputs(t *testing.T) {
	longText := strings.Repeat("receipt text ", 5) // well over 20 runes

	cases := []struct {
		name     string
		text     string
		hasValue bool
		want     int64
	}{
		// base 50, short penalty -20
		{"empty no value", "", false, 30},
		// base 50, value +30, 16 runes: no length adjustment
		{"typical receipt line", "Total: R$ 123,45", true, 80},
		// base 50, value +30, long +10
		{"long text with value", longText, true, 90},
		// base 50, long +10
		{"long text no value", longText, false, 60},
		// base 50, value +30, short -20
		{"short text with value", "R$ 5,00", true, 60},
		// base 50, 12 runes: no adjustment
		{"mid length no value", "abcdefghijkl", false, 50},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Score(tc.text, tc.hasValue)
			if !got.Equal(decimal.NewFromInt(tc.want)) {
				t.Fatalf("Score(%q, %v) = %s, want %d", tc.text, tc.hasValue, got, tc.want)
			}
		})
	}
}

func TestScoreBounds(t *testing.T) {
	inputs := []struct {
		text     string
		hasValue bool
	}{
		{"", false},
		{"", true},
		{strings.Repeat("x", 1000), true},
		{strings.Repeat("x", 1000), false},
		{"   \t\n  ", true},
	}
	for _, in := range inputs {
		got := Score(in.text, in.hasValue)
		if got.LessThan(decimal.Zero) || got.GreaterThan(decimal.NewFromInt(100)) {
			t.Fatalf("Score(%q, %v) = %s out of [0,100]", in.text, in.hasValue, got)
		}
	}
}

func TestScoreTrimsWhitespaceBeforeMeasuring(t *testing.T) {
	// 25 spaces must not count as long text.
	got := Score(strings.Repeat(" ", 25), false)
	if !got.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("whitespace-only text scored %s, want 30", got)
	}
}

func TestConfidenceLevel(t *testing.T) {
	cases := map[int64]string{
		100: "high",
		80:  "high",
		79:  "medium",
		60:  "medium",
		59:  "low",
		0:   "low",
	}
	for score, want := range cases {
		if got := ConfidenceLevel(decimal.NewFromInt(score)); got != want {
			t.Errorf("ConfidenceLevel(%d) = %q, want %q", score, got, want)
		}
	}
}
