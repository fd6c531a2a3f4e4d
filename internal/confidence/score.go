// Package confidence combines extraction completeness, reconciliation
// outcome, and subscription-detection quality into one explainable score.
package confidence

import (
	"fmt"
	"math"

	"github.com/finwell/statement-pipeline/internal/model"
	"github.com/finwell/statement-pipeline/internal/normalize"
)

// Component weights; each sub-term lives in [0,1].
const (
	reconciliationWeight = 0.45
	completenessWeight   = 0.35
	subscriptionWeight   = 0.20

	reconciledConfidence   = 0.95
	inconclusiveConfidence = 0.40
	reconciledFloor        = 0.10
	// deltaScaleCents is the |delta| at which a failed reconciliation is
	// fully degraded to the floor ($50.00).
	deltaScaleCents = 5000

	completenessFloor = 0.20
	neutralSubQuality = 0.50

	gradeHighThreshold   = 0.75
	gradeMediumThreshold = 0.55
)

// ExtractionStats summarizes what the router observed about the document.
type ExtractionStats struct {
	TransactionCount int
	// EstimatedCount is the router's estimate of how many transactions the
	// document holds; 0 means unknown.
	EstimatedCount int
}

// Score produces the final confidence for an extract. Holding extraction and
// subscription inputs fixed, a worse reconciliation delta never increases
// the score.
func Score(stats ExtractionStats, rec model.Reconciliation, subs []model.SubscriptionCandidate) model.Confidence {
	recScore := reconciliationConfidence(rec)
	compScore := completeness(stats)
	subScore := subscriptionQuality(subs)

	score := reconciliationWeight*recScore +
		completenessWeight*compScore +
		subscriptionWeight*subScore
	score = math.Min(1, math.Max(0, score))

	return model.Confidence{
		Score:   score,
		Grade:   grade(score),
		Reasons: reasons(stats, rec, subs),
	}
}

func reconciliationConfidence(rec model.Reconciliation) float64 {
	if rec.OK == nil {
		return inconclusiveConfidence
	}
	if *rec.OK {
		return reconciledConfidence
	}
	absDelta := rec.DeltaCents
	if absDelta < 0 {
		absDelta = -absDelta
	}
	penalty := (reconciledConfidence - reconciledFloor) * float64(absDelta) / deltaScaleCents
	return math.Max(reconciledFloor, reconciledConfidence-penalty)
}

func completeness(stats ExtractionStats) float64 {
	if stats.TransactionCount == 0 {
		return 0
	}
	expected := stats.EstimatedCount
	if expected <= 0 {
		expected = stats.TransactionCount
	}
	ratio := float64(stats.TransactionCount) / float64(expected)
	return math.Min(1, math.Max(completenessFloor, ratio))
}

func subscriptionQuality(subs []model.SubscriptionCandidate) float64 {
	if len(subs) == 0 {
		return neutralSubQuality
	}
	var sum float64
	for _, s := range subs {
		sum += s.Confidence
	}
	return sum / float64(len(subs))
}

func grade(score float64) model.Grade {
	switch {
	case score >= gradeHighThreshold:
		return model.GradeHigh
	case score >= gradeMediumThreshold:
		return model.GradeMedium
	default:
		return model.GradeLow
	}
}

// reasons builds short human-readable justifications from computed numbers
// only, never from anything the model said.
func reasons(stats ExtractionStats, rec model.Reconciliation, subs []model.SubscriptionCandidate) []string {
	out := []string{
		fmt.Sprintf("%d transactions extracted", stats.TransactionCount),
	}

	switch {
	case rec.OK == nil:
		out = append(out, "no balance evidence available to reconcile")
	case *rec.OK:
		out = append(out, fmt.Sprintf("statement reconciles within tolerance (delta %.2f)", normalize.Dollars(rec.DeltaCents)))
	default:
		out = append(out, fmt.Sprintf("reconciliation delta %.2f exceeds tolerance", normalize.Dollars(rec.DeltaCents)))
	}

	if n := len(subs); n > 0 {
		out = append(out, fmt.Sprintf("%d recurring charges detected", n))
	}
	return out
}
