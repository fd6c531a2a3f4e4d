package pipeline

import (
	"fmt"
	"sort"

	"github.com/finwell/statement-pipeline/internal/model"
	"github.com/finwell/statement-pipeline/internal/normalize"
)

// topCategoryLimit caps how many spending categories the extract reports.
const topCategoryLimit = 5

// buildExtract assembles the persisted aggregate from the pipeline's stage
// outputs.
func buildExtract(uploadID string, txs []model.Transaction, rec model.Reconciliation,
	subs []model.SubscriptionCandidate, conf model.Confidence) *model.StatementExtract {
	ext := &model.StatementExtract{
		UploadID:       uploadID,
		Period:         periodLabel(txs),
		Totals:         totals(txs),
		TopCategories:  topCategories(txs),
		Confidence:     conf,
		Reconciliation: rec,
		Subscriptions:  subs,
	}
	ext.Insights = insights(ext, txs)
	return ext
}

// totals sums signed cash flow. Inflow is positive amounts, outflow the
// absolute sum of negatives; net is their signed sum.
func totals(txs []model.Transaction) model.Totals {
	var t model.Totals
	for _, tx := range txs {
		if tx.AmountCents >= 0 {
			t.InflowCents += tx.AmountCents
		} else {
			t.OutflowCents += -tx.AmountCents
		}
		t.NetCents += tx.AmountCents
	}
	return t
}

// topCategories ranks spending categories by outflow. Cash movement
// categories are excluded so transfers and card payments never masquerade
// as spending.
func topCategories(txs []model.Transaction) []model.CategoryTotal {
	byCategory := make(map[string]int64)
	for _, tx := range txs {
		if tx.AmountCents >= 0 || normalize.IsCashMovement(tx.Category) {
			continue
		}
		byCategory[tx.Category] += -tx.AmountCents
	}

	out := make([]model.CategoryTotal, 0, len(byCategory))
	for cat, cents := range byCategory {
		out = append(out, model.CategoryTotal{Category: cat, AmountCents: cents})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AmountCents != out[j].AmountCents {
			return out[i].AmountCents > out[j].AmountCents
		}
		return out[i].Category < out[j].Category
	})
	if len(out) > topCategoryLimit {
		out = out[:topCategoryLimit]
	}
	return out
}

// periodLabel derives the statement period from transaction dates.
func periodLabel(txs []model.Transaction) string {
	if len(txs) == 0 {
		return ""
	}
	min, max := txs[0].Date, txs[0].Date
	for _, tx := range txs[1:] {
		if tx.Date.Before(min) {
			min = tx.Date
		}
		if tx.Date.After(max) {
			max = tx.Date
		}
	}
	if min.Year() == max.Year() && min.Month() == max.Month() {
		return min.Format("2006-01")
	}
	return fmt.Sprintf("%s to %s", min.Format("2006-01"), max.Format("2006-01"))
}
