// Package store persists uploads, jobs, and statement extracts. All writes
// are single-row inserts or conditional updates; cross-row consistency is
// maintained by write ordering in the pipeline, not by transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/finwell/statement-pipeline/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store defines the persistence operations used by the pipeline.
type Store interface {
	GetUpload(ctx context.Context, id string) (*model.Upload, error)
	// SetUploadProcessing moves an upload into processing and clears any
	// previous error and retry schedule.
	SetUploadProcessing(ctx context.Context, id string) error
	// SetUploadStage records the stage label and progress before heavy work
	// starts, so polling clients always see forward motion.
	SetUploadStage(ctx context.Context, id, stage string, progress int) error
	// TouchUpload refreshes the liveness timestamp; called by the heartbeat.
	TouchUpload(ctx context.Context, id string) error
	SetUploadDone(ctx context.Context, id, extractRef string) error
	SetUploadError(ctx context.Context, id, message string) error
	// ScheduleUploadRetry bumps the attempt counter and records when the job
	// should be re-driven.
	ScheduleUploadRetry(ctx context.Context, id string, nextRetryAt time.Time) error

	GetJob(ctx context.Context, id string) (*model.Job, error)
	// ClaimJob atomically transitions queued→processing. It reports false,
	// without error, when the job was not in queued (already claimed or
	// terminal).
	ClaimJob(ctx context.Context, id string) (bool, error)
	SetJobDone(ctx context.Context, id string) error
	SetJobError(ctx context.Context, id, message string) error
	RequeueJob(ctx context.Context, id string) error

	// SaveExtract idempotently replaces the live extract for an upload:
	// prior extract rows and their dependents are deleted first, then the
	// new extract, its transactions (batched), and subscription rows are
	// inserted. Returns the new extract id.
	SaveExtract(ctx context.Context, extract *model.StatementExtract, txs []model.Transaction) (string, error)
}
