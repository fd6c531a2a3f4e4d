package extraction

import (
	"strings"
	"testing"
)

func TestAnalyzePDFGarbageIsScanned(t *testing.T) {
	result := AnalyzePDF([]byte("%PDF-1.7\nthis is not a real pdf"))
	if !result.IsScanned {
		t.Error("unreadable PDFs must report as scanned so routing falls back to vision")
	}
	if result.Err == nil {
		t.Error("expected an analysis error")
	}
	if result.PageCount < 1 {
		t.Errorf("page count = %d, want >= 1", result.PageCount)
	}
}

func TestCountTransactionLines(t *testing.T) {
	lines := []string{
		"STATEMENT PERIOD 01/03/2025 - 31/03/2025",
		"01/03/2025 COFFEE SHOP -4.50",
		"05/03/2025 WOOLWORTHS SYDNEY -80.25 1,419.75",
		"Mar 9 SALARY ACME 2,500.00",
		"Thanks for banking with us",
		"Page 1 of 3",
	}
	// The header has a date range but no decimal amount; only the three
	// transaction rows carry both.
	if got := countTransactionLines(lines); got != 3 {
		t.Errorf("counted %d transaction lines, want 3", got)
	}
}

func TestIsLikelyScanned(t *testing.T) {
	if !isLikelyScanned("", 3) {
		t.Error("no text over 3 pages is scanned")
	}
	if !isLikelyScanned("tiny", 1) {
		t.Error("4 chars on one page is scanned")
	}
	long := strings.Repeat("transaction text ", 50)
	if isLikelyScanned(long, 1) {
		t.Error("a page of dense text is not scanned")
	}
}
