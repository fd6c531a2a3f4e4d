// Package normalize maps raw extracted rows into canonical transactions:
// minor-unit amounts, cleaned descriptions, normalized merchants, and
// rule-table categories. Everything here is pure and deterministic.
package normalize

import (
	"math"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/finwell/statement-pipeline/internal/model"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	punctRe      = regexp.MustCompile(`[^A-Z0-9 ]+`)
	refSuffixRe  = regexp.MustCompile(`\s+REF\s*[:#]?\s*\S+$`)
	trailingNums = regexp.MustCompile(`(\s+\d{4,})+$`)
	cardPrefixRe = regexp.MustCompile(`(?i)^(pos |eftpos |visa |mastercard |amex |paypal \*)`)
)

var titleCaser = cases.Title(language.English)

// dateFormats tried in order when the date is not strict ISO-8601.
var dateFormats = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2006/01/02",
	"02 Jan 2006",
	"Jan 2, 2006",
	"02/01/06",
}

// Transactions converts raw extracted rows to canonical transactions. Rows
// whose date cannot be parsed in any known format are dropped rather than
// guessed.
func Transactions(raw []model.RawTransaction) []model.Transaction {
	out := make([]model.Transaction, 0, len(raw))
	for _, r := range raw {
		date, ok := parseDate(r.Date)
		if !ok {
			continue
		}

		desc := cleanDescription(r.Description)
		normalized := NormalizeMerchant(desc)

		tx := model.Transaction{
			Date:               date,
			Merchant:           displayMerchant(desc),
			NormalizedMerchant: normalized,
			Category:           Categorize(desc, r.Category),
			AmountCents:        Cents(r.Amount),
			Currency:           strings.ToUpper(strings.TrimSpace(r.Currency)),
			Description:        desc,
		}
		if r.Balance != nil {
			b := Cents(*r.Balance)
			tx.BalanceCents = &b
		}
		out = append(out, tx)
	}
	return out
}

// Cents converts a decimal currency amount to integer minor units, rounding
// half away from zero. All downstream arithmetic is integer-only.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// Dollars converts minor units back to decimal at the display boundary.
func Dollars(cents int64) float64 {
	return float64(cents) / 100
}

// NormalizeMerchant derives the grouping key for a merchant: uppercase,
// punctuation stripped, trailing reference numbers and "REF ..." suffixes
// removed.
func NormalizeMerchant(description string) string {
	s := cardPrefixRe.ReplaceAllString(description, "")
	s = strings.ToUpper(strings.TrimSpace(s))
	s = refSuffixRe.ReplaceAllString(s, "")
	s = punctRe.ReplaceAllString(s, " ")
	s = trailingNums.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// displayMerchant formats a cleaned description for display: title case for
// words, short tokens left uppercase.
func displayMerchant(desc string) string {
	normalized := NormalizeMerchant(desc)
	words := strings.Fields(normalized)
	for i, word := range words {
		if len(word) > 2 {
			words[i] = titleCaser.String(strings.ToLower(word))
		}
	}
	result := strings.Join(words, " ")
	if len(result) > 60 {
		result = result[:60]
	}
	return result
}

func cleanDescription(desc string) string {
	return whitespaceRe.ReplaceAllString(strings.TrimSpace(desc), " ")
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			if t.Year() < 100 {
				t = t.AddDate(2000, 0, 0)
			}
			return t, true
		}
	}
	return time.Time{}, false
}
