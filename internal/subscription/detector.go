// Package subscription infers recurring charges from normalized
// transactions by grouping on merchant identity and testing amount and
// interval consistency. Pure and deterministic.
package subscription

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/finwell/statement-pipeline/internal/model"
	"github.com/finwell/statement-pipeline/internal/normalize"
)

// knownBrands is a small curated allow-list of subscription merchants. A
// single occurrence of one of these may still qualify, at lower confidence.
var knownBrands = []string{
	"NETFLIX", "SPOTIFY", "DISNEY", "HULU", "AMAZON PRIME",
	"YOUTUBE", "APPLE", "AUDIBLE", "ADOBE", "DROPBOX",
	"ICLOUD", "PLAYSTATION", "XBOX", "PATREON",
}

// Additive confidence components, clamped to [0,1] after summing.
const (
	baseConfidence      = 0.30
	occurrenceBonus     = 0.20 // 3 or more occurrences
	intervalBonus       = 0.20 // recognized billing interval
	amountBonus         = 0.20 // consistent charge amount
	allowListBonus      = 0.10
	amountFloorCents    = 100 // absolute consistency floor
	amountTolerancePct  = 0.02
	minOccurrences      = 2
)

// Detect returns recurring-charge candidates from a transaction list,
// ordered by confidence descending.
func Detect(txs []model.Transaction) []model.SubscriptionCandidate {
	groups := make(map[string][]model.Transaction)
	for _, tx := range txs {
		if tx.AmountCents >= 0 || normalize.IsCashMovement(tx.Category) {
			continue
		}
		if tx.NormalizedMerchant == "" {
			continue
		}
		groups[tx.NormalizedMerchant] = append(groups[tx.NormalizedMerchant], tx)
	}

	var out []model.SubscriptionCandidate
	for merchant, group := range groups {
		allowListed := isKnownBrand(merchant)
		if len(group) < minOccurrences && !allowListed {
			continue
		}

		sort.Slice(group, func(i, j int) bool {
			return group[i].Date.Before(group[j].Date)
		})

		candidate := score(merchant, group, allowListed)
		out = append(out, candidate)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].NormalizedMerchant < out[j].NormalizedMerchant
	})
	return out
}

func score(merchant string, group []model.Transaction, allowListed bool) model.SubscriptionCandidate {
	amounts := make([]float64, len(group))
	for i, tx := range group {
		amounts[i] = math.Abs(float64(tx.AmountCents))
	}
	amountMean, amountStdDev := meanStdDev(amounts)

	var gaps []float64
	for i := 1; i < len(group); i++ {
		days := group[i].Date.Sub(group[i-1].Date).Hours() / 24
		if days > 0 {
			gaps = append(gaps, days)
		}
	}
	gapMean, gapStdDev := meanStdDev(gaps)

	interval := classifyInterval(gapMean, len(gaps))

	confidence := baseConfidence
	if len(group) >= 3 {
		confidence += occurrenceBonus
	}
	if interval != model.IntervalUnknown {
		confidence += intervalBonus
	}
	if amountsConsistent(amounts, amountMean) {
		confidence += amountBonus
	}
	if allowListed {
		confidence += allowListBonus
	}
	confidence = math.Min(1, math.Max(0, confidence))

	last := group[len(group)-1]
	candidate := model.SubscriptionCandidate{
		Merchant:           last.Merchant,
		NormalizedMerchant: merchant,
		AmountCents:        -int64(math.Round(amountMean)),
		Interval:           interval,
		Occurrences:        len(group),
		LastSeen:           last.Date,
		Confidence:         confidence,
		Evidence: model.SubscriptionEvidence{
			AmountStdDev:       amountStdDev / 100, // display units
			IntervalDaysAvg:    gapMean,
			IntervalDaysStdDev: gapStdDev,
		},
	}
	if next, ok := nextExpected(last.Date, interval); ok {
		candidate.NextExpected = &next
	}
	return candidate
}

// amountsConsistent reports whether every charge is within
// max(2% of mean, one display unit) of the mean.
func amountsConsistent(amounts []float64, mean float64) bool {
	if len(amounts) == 0 {
		return false
	}
	tolerance := math.Max(mean*amountTolerancePct, amountFloorCents)
	for _, a := range amounts {
		if math.Abs(a-mean) > tolerance {
			return false
		}
	}
	return true
}

// classifyInterval buckets the mean inter-occurrence gap into a billing
// cadence. Bands are deliberately loose to absorb month-length variation.
func classifyInterval(meanGapDays float64, gapCount int) model.Interval {
	if gapCount == 0 {
		return model.IntervalUnknown
	}
	switch {
	case meanGapDays >= 5 && meanGapDays <= 9:
		return model.IntervalWeekly
	case meanGapDays >= 25 && meanGapDays <= 35:
		return model.IntervalMonthly
	case meanGapDays >= 85 && meanGapDays <= 95:
		return model.IntervalQuarterly
	case meanGapDays >= 350 && meanGapDays <= 380:
		return model.IntervalAnnual
	default:
		return model.IntervalUnknown
	}
}

func nextExpected(last time.Time, interval model.Interval) (time.Time, bool) {
	switch interval {
	case model.IntervalWeekly:
		return last.AddDate(0, 0, 7), true
	case model.IntervalMonthly:
		return last.AddDate(0, 1, 0), true
	case model.IntervalQuarterly:
		return last.AddDate(0, 3, 0), true
	case model.IntervalAnnual:
		return last.AddDate(1, 0, 0), true
	default:
		return time.Time{}, false
	}
}

func isKnownBrand(normalizedMerchant string) bool {
	for _, brand := range knownBrands {
		if strings.Contains(normalizedMerchant, brand) {
			return true
		}
	}
	return false
}

// meanStdDev returns the mean and sample standard deviation of values.
func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return mean, math.Sqrt(sumSq / float64(len(values)-1))
}
