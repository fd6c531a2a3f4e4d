// Package reconcile cross-checks the extracted transaction sum against
// statement balance evidence. All arithmetic is in integer minor units so the
// tolerance check is exact.
package reconcile

import (
	"github.com/finwell/statement-pipeline/internal/model"
	"github.com/finwell/statement-pipeline/internal/normalize"
)

// ToleranceCents is the |delta| at or below which a statement reconciles
// (0.05 in display currency units).
const ToleranceCents = 5

// Evidence is the explicit opening/closing balance pair the extraction
// service may report alongside transactions.
type Evidence struct {
	Opening *float64
	Closing *float64
}

// Reconcile picks the strongest available method: per-row running balances
// first, explicit statement anchors second. With neither, the result is
// inconclusive (OK == nil), which is not a failure.
func Reconcile(txs []model.Transaction, ev Evidence) model.Reconciliation {
	if rec, ok := fromRunningBalances(txs); ok {
		return rec
	}
	if ev.Opening != nil && ev.Closing != nil {
		return fromAnchors(txs, normalize.Cents(*ev.Opening), normalize.Cents(*ev.Closing))
	}
	return model.Reconciliation{Method: model.ReconNone}
}

// fromRunningBalances infers opening and closing from per-row balances:
// opening = first balance minus the first amount, closing = last balance.
// Requires at least two rows carrying a balance.
func fromRunningBalances(txs []model.Transaction) (model.Reconciliation, bool) {
	var first, last *model.Transaction
	count := 0
	for i := range txs {
		if txs[i].BalanceCents == nil {
			continue
		}
		if first == nil {
			first = &txs[i]
		}
		last = &txs[i]
		count++
	}
	if count < 2 {
		return model.Reconciliation{}, false
	}

	opening := *first.BalanceCents - first.AmountCents
	closing := *last.BalanceCents
	rec := build(txs, opening, closing)
	rec.Method = model.ReconRunningBalance
	return rec, true
}

func fromAnchors(txs []model.Transaction, openingCents, closingCents int64) model.Reconciliation {
	rec := build(txs, openingCents, closingCents)
	rec.Method = model.ReconStatementAnchor
	return rec
}

func build(txs []model.Transaction, opening, closing int64) model.Reconciliation {
	var sum int64
	for _, tx := range txs {
		sum += tx.AmountCents
	}
	expected := opening + sum
	delta := closing - expected

	ok := delta >= -ToleranceCents && delta <= ToleranceCents
	return model.Reconciliation{
		OpeningCents:         opening,
		ClosingCents:         closing,
		ExpectedClosingCents: expected,
		DeltaCents:           delta,
		OK:                   &ok,
	}
}
