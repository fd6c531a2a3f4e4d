// Package model defines the core types shared across the statement ingestion
// pipeline: uploads, jobs, normalized transactions, and extract aggregates.
package model

import "time"

// UploadStatus is the client-visible lifecycle of an uploaded document.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadProcessing UploadStatus = "processing"
	UploadDone       UploadStatus = "done"
	UploadError      UploadStatus = "error"
)

// JobStatus is the lifecycle of a single processing attempt.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobError      JobStatus = "error"
)

// Stage labels surfaced to polling clients while a job is in flight.
const (
	StageDownloading   = "downloading"
	StageExtracting    = "extracting"
	StageNormalizing   = "normalizing"
	StageReconciling   = "reconciling"
	StageSubscriptions = "detecting_subscriptions"
	StageScoring       = "scoring"
	StagePersisting    = "persisting"
	StageDone          = "done"
)

// Upload is one submitted document (or set of photographed pages).
// It is created by the intake collaborator and mutated only by the
// pipeline coordinator.
type Upload struct {
	ID           string
	OwnerRef     string
	FileRefs     []string
	MimeType     string
	Status       UploadStatus
	Stage        string
	Progress     int
	ExtractRef   *string
	TraceID      string
	AttemptCount int
	NextRetryAt  *time.Time
	LastError    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Job is one active processing attempt for an Upload. At most one job per
// upload may be processing at a time; claiming is an atomic conditional
// update in the store.
type Job struct {
	ID        string
	UploadID  string
	Status    JobStatus
	Attempts  int
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RawTransaction is one row as returned by the extraction service, before
// normalization. Amounts are signed decimal units: debits negative, credits
// positive, by contract.
type RawTransaction struct {
	Date        string   `json:"date"`
	Description string   `json:"description"`
	Amount      float64  `json:"amount"`
	Currency    string   `json:"currency"`
	Category    string   `json:"category,omitempty"`
	Balance     *float64 `json:"balance,omitempty"`
}

// Transaction is one normalized row of canonical output. All money is in
// integer minor units (cents); debits negative, credits positive.
type Transaction struct {
	ID                 string
	ExtractID          string
	Date               time.Time
	Merchant           string
	NormalizedMerchant string
	Category           string
	AmountCents        int64
	Currency           string
	BalanceCents       *int64
	Description        string
}

// Totals aggregates signed cash flow over one statement, in cents.
type Totals struct {
	InflowCents  int64
	OutflowCents int64
	NetCents     int64
}

// CategoryTotal is spending attributed to one category, in cents.
type CategoryTotal struct {
	Category    string
	AmountCents int64
}

// ReconMethod identifies which balance evidence reconciliation used.
type ReconMethod string

const (
	ReconRunningBalance  ReconMethod = "running_balance"
	ReconStatementAnchor ReconMethod = "statement_anchor"
	ReconNone            ReconMethod = "none"
)

// Reconciliation is the outcome of cross-checking the transaction sum
// against balance evidence. OK is nil when no evidence was available.
type Reconciliation struct {
	OpeningCents         int64
	ClosingCents         int64
	ExpectedClosingCents int64
	DeltaCents           int64
	OK                   *bool
	Method               ReconMethod
}

// Interval classifies a recurring charge's billing cadence.
type Interval string

const (
	IntervalWeekly    Interval = "weekly"
	IntervalMonthly   Interval = "monthly"
	IntervalQuarterly Interval = "quarterly"
	IntervalAnnual    Interval = "annual"
	IntervalUnknown   Interval = "unknown"
)

// SubscriptionEvidence records the statistics behind a detection.
type SubscriptionEvidence struct {
	AmountStdDev       float64
	IntervalDaysAvg    float64
	IntervalDaysStdDev float64
}

// SubscriptionCandidate is one inferred recurring charge.
type SubscriptionCandidate struct {
	Merchant           string
	NormalizedMerchant string
	AmountCents        int64
	Interval           Interval
	Occurrences        int
	LastSeen           time.Time
	NextExpected       *time.Time
	Confidence         float64
	Evidence           SubscriptionEvidence
}

// Grade buckets a confidence score for display.
type Grade string

const (
	GradeHigh   Grade = "high"
	GradeMedium Grade = "medium"
	GradeLow    Grade = "low"
)

// Confidence is the explainable trust score attached to an extract.
type Confidence struct {
	Score   float64
	Grade   Grade
	Reasons []string
}

// StatementExtract is the aggregated result of one successful pipeline run.
// Exactly one live extract exists per upload; reprocessing replaces it.
type StatementExtract struct {
	ID             string
	UploadID       string
	Period         string
	Totals         Totals
	TopCategories  []CategoryTotal
	Insights       []string
	Confidence     Confidence
	Reconciliation Reconciliation
	Subscriptions  []SubscriptionCandidate
	CreatedAt      time.Time
}
