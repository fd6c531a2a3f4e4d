package subscription

import (
	"testing"
	"time"

	"github.com/finwell/statement-pipeline/internal/model"
)

func charge(merchant string, year int, month time.Month, day int, amountCents int64) model.Transaction {
	return model.Transaction{
		Date:               time.Date(year, month, day, 0, 0, 0, 0, time.UTC),
		Merchant:           merchant,
		NormalizedMerchant: merchant,
		Category:           "Entertainment",
		AmountCents:        amountCents,
	}
}

func TestDetectMonthlySubscription(t *testing.T) {
	txs := []model.Transaction{
		charge("ACME GYM", 2025, 1, 15, -4999),
		charge("ACME GYM", 2025, 2, 15, -4999),
		charge("ACME GYM", 2025, 3, 15, -4999),
	}
	subs := Detect(txs)
	if len(subs) != 1 {
		t.Fatalf("candidates = %d, want 1", len(subs))
	}
	s := subs[0]
	if s.Interval != model.IntervalMonthly {
		t.Errorf("interval = %s, want %s", s.Interval, model.IntervalMonthly)
	}
	if s.Occurrences != 3 {
		t.Errorf("occurrences = %d, want 3", s.Occurrences)
	}
	if s.AmountCents != -4999 {
		t.Errorf("amount = %d, want -4999", s.AmountCents)
	}
	// base + occurrences + interval + amount = 0.9
	if s.Confidence < 0.6 {
		t.Errorf("confidence = %v, want >= 0.6", s.Confidence)
	}
	if s.NextExpected == nil {
		t.Fatal("next expected should be set for a recognized interval")
	}
	want := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)
	if !s.NextExpected.Equal(want) {
		t.Errorf("next expected = %v, want %v", s.NextExpected, want)
	}
}

func TestDetectAllowListedBrandWithTwoCharges(t *testing.T) {
	txs := []model.Transaction{
		charge("NETFLIX COM", 2025, 1, 3, -1599),
		charge("NETFLIX COM", 2025, 2, 3, -1599),
	}
	subs := Detect(txs)
	if len(subs) != 1 {
		t.Fatalf("candidates = %d, want 1", len(subs))
	}
	s := subs[0]
	// base + interval + amount + allow-list = 0.8; no occurrence bonus at 2.
	if s.Confidence < 0.6 {
		t.Errorf("confidence = %v, want >= 0.6", s.Confidence)
	}
	if s.Interval != model.IntervalMonthly {
		t.Errorf("interval = %s, want %s", s.Interval, model.IntervalMonthly)
	}
}

func TestDetectSingleUnknownMerchantIsDropped(t *testing.T) {
	txs := []model.Transaction{
		charge("CORNER STORE", 2025, 1, 3, -1200),
	}
	if subs := Detect(txs); len(subs) != 0 {
		t.Errorf("candidates = %d, want 0 for one-off unknown merchants", len(subs))
	}
}

func TestDetectSingleAllowListedBrandSurvives(t *testing.T) {
	txs := []model.Transaction{
		charge("SPOTIFY", 2025, 1, 3, -1299),
	}
	subs := Detect(txs)
	if len(subs) != 1 {
		t.Fatalf("candidates = %d, want 1", len(subs))
	}
	if subs[0].Interval != model.IntervalUnknown {
		t.Errorf("interval = %s, want %s with no gaps", subs[0].Interval, model.IntervalUnknown)
	}
	if subs[0].NextExpected != nil {
		t.Error("next expected must be nil without a recognized interval")
	}
}

func TestDetectIgnoresCreditsAndCashMovement(t *testing.T) {
	txs := []model.Transaction{
		{Date: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), NormalizedMerchant: "EMPLOYER", Category: "Income", AmountCents: 500000},
		{Date: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), NormalizedMerchant: "EMPLOYER", Category: "Income", AmountCents: 500000},
		{Date: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), NormalizedMerchant: "TRANSFER TO SAVINGS", Category: "Transfers", AmountCents: -100000},
		{Date: time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC), NormalizedMerchant: "TRANSFER TO SAVINGS", Category: "Transfers", AmountCents: -100000},
	}
	if subs := Detect(txs); len(subs) != 0 {
		t.Errorf("candidates = %d, want 0", len(subs))
	}
}

func TestDetectInconsistentAmountsLoseTheBonus(t *testing.T) {
	steady := []model.Transaction{
		charge("STEADY SVC", 2025, 1, 10, -2000),
		charge("STEADY SVC", 2025, 2, 10, -2000),
	}
	wobbly := []model.Transaction{
		charge("WOBBLY SVC", 2025, 1, 10, -2000),
		charge("WOBBLY SVC", 2025, 2, 10, -4500),
	}
	s := Detect(steady)
	w := Detect(wobbly)
	if len(s) != 1 || len(w) != 1 {
		t.Fatalf("candidates = %d/%d, want 1/1", len(s), len(w))
	}
	if w[0].Confidence >= s[0].Confidence {
		t.Errorf("wobbly confidence %v should be below steady %v", w[0].Confidence, s[0].Confidence)
	}
}

func TestDetectOrdersByConfidence(t *testing.T) {
	txs := []model.Transaction{
		charge("ACME GYM", 2025, 1, 15, -4999),
		charge("ACME GYM", 2025, 2, 15, -4999),
		charge("ACME GYM", 2025, 3, 15, -4999),
		charge("WOBBLY SVC", 2025, 1, 10, -2000),
		charge("WOBBLY SVC", 2025, 2, 10, -4500),
	}
	subs := Detect(txs)
	if len(subs) != 2 {
		t.Fatalf("candidates = %d, want 2", len(subs))
	}
	if subs[0].NormalizedMerchant != "ACME GYM" {
		t.Errorf("first = %s, want ACME GYM (higher confidence)", subs[0].NormalizedMerchant)
	}
}
