package pipeline

import (
	"fmt"

	"github.com/finwell/statement-pipeline/internal/model"
	"github.com/finwell/statement-pipeline/internal/normalize"
)

// insights produces short, numbers-first observations about the statement.
// Every sentence is derived from computed values; nothing is speculative.
func insights(ext *model.StatementExtract, txs []model.Transaction) []string {
	var out []string

	if ext.Totals.NetCents < 0 {
		out = append(out, fmt.Sprintf("Spending exceeded income by %.2f this period.",
			normalize.Dollars(-ext.Totals.NetCents)))
	} else if ext.Totals.InflowCents > 0 {
		out = append(out, fmt.Sprintf("Net cash flow was positive: %.2f.",
			normalize.Dollars(ext.Totals.NetCents)))
	}

	if len(ext.TopCategories) > 0 && ext.Totals.OutflowCents > 0 {
		top := ext.TopCategories[0]
		share := float64(top.AmountCents) / float64(ext.Totals.OutflowCents) * 100
		out = append(out, fmt.Sprintf("%s was the largest spending category at %.2f (%.0f%% of outflow).",
			top.Category, normalize.Dollars(top.AmountCents), share))
	}

	if n := len(ext.Subscriptions); n > 0 {
		var recurring int64
		for _, s := range ext.Subscriptions {
			recurring += abs64(s.AmountCents)
		}
		out = append(out, fmt.Sprintf("%d recurring charges detected totaling %.2f per cycle.",
			n, normalize.Dollars(recurring)))
	}

	if ext.Reconciliation.OK != nil && !*ext.Reconciliation.OK {
		out = append(out, fmt.Sprintf("Balances did not reconcile; %.2f is unaccounted for.",
			normalize.Dollars(abs64(ext.Reconciliation.DeltaCents))))
	}

	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
