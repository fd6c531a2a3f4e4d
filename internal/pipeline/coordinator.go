// Package pipeline drives a statement job end to end: download, extract,
// normalize, reconcile, detect subscriptions, score, persist. The coordinator
// owns all status and progress writes; every run ends in a terminal state or
// an explicit re-queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finwell/statement-pipeline/internal/confidence"
	"github.com/finwell/statement-pipeline/internal/extraction"
	"github.com/finwell/statement-pipeline/internal/fetch"
	"github.com/finwell/statement-pipeline/internal/metrics"
	"github.com/finwell/statement-pipeline/internal/model"
	"github.com/finwell/statement-pipeline/internal/normalize"
	"github.com/finwell/statement-pipeline/internal/reconcile"
	"github.com/finwell/statement-pipeline/internal/store"
	"github.com/finwell/statement-pipeline/internal/subscription"
)

// Progress checkpoints written before each stage starts, so a poll mid-stage
// always shows the stage currently running.
const (
	progressDownloading   = 10
	progressExtracting    = 30
	progressNormalizing   = 55
	progressReconciling   = 70
	progressSubscriptions = 80
	progressScoring       = 90
	progressPersisting    = 95
)

// Terminal write retries. These cover store I/O only; a failed terminal
// write never re-runs extraction.
const (
	ioRetryAttempts = 3
	ioRetryDelay    = 200 * time.Millisecond
)

// requeueBaseDelay and requeueMaxDelay bound the schedule for overload
// re-queues, doubling per recorded attempt.
const (
	requeueBaseDelay = 30 * time.Second
	requeueMaxDelay  = 15 * time.Minute
)

const timeoutMessage = "file too complex to process in time"

// Extractor produces raw transactions from one document.
type Extractor interface {
	Extract(ctx context.Context, doc []byte, mimeType string) (*extraction.Result, error)
}

// FileFetcher downloads a set of stored files, aborting on the first
// failure.
type FileFetcher interface {
	GetAll(ctx context.Context, fileRefs []string) ([][]byte, error)
}

// Config bounds a single run.
type Config struct {
	JobBudget         time.Duration
	HeartbeatInterval time.Duration
	MaxUploadAttempts int
}

// Coordinator executes jobs against injected collaborators.
type Coordinator struct {
	store   store.Store
	fetcher FileFetcher
	extract Extractor
	metrics *metrics.Worker
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

func NewCoordinator(s store.Store, f FileFetcher, e Extractor, m *metrics.Worker, cfg Config, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   s,
		fetcher: f,
		extract: e,
		metrics: m,
		cfg:     cfg,
		log:     log.With().Str("component", "coordinator").Logger(),
		now:     time.Now,
	}
}

// Run processes one job to a terminal state. Re-invoking with a terminal or
// already-claimed job is a no-op. The returned status is the job's state
// when Run exits: done, error, or queued (re-queued for overload).
func (c *Coordinator) Run(ctx context.Context, jobID string) (model.JobStatus, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status == model.JobDone || job.Status == model.JobError {
		return job.Status, nil
	}

	claimed, err := c.store.ClaimJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		cur, err := c.store.GetJob(ctx, jobID)
		if err != nil {
			return "", fmt.Errorf("reload job %s: %w", jobID, err)
		}
		return cur.Status, nil
	}

	upload, err := c.store.GetUpload(ctx, job.UploadID)
	if err != nil {
		// The job is claimed but unworkable; close it out.
		return c.fail(ctx, job, upload, "upload record is missing")
	}

	log := c.log.With().
		Str("job_id", job.ID).
		Str("upload_id", upload.ID).
		Str("trace_id", upload.TraceID).
		Logger()

	if c.metrics != nil {
		c.metrics.JobsInFlight.Inc()
		defer c.metrics.JobsInFlight.Dec()
	}

	if err := c.store.SetUploadProcessing(ctx, upload.ID); err != nil {
		log.Error().Err(err).Msg("mark upload processing")
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.JobBudget)
	stopHeartbeat := c.startHeartbeat(runCtx, upload.ID)

	extractID, runErr := c.process(runCtx, log, upload)
	stopHeartbeat()
	cancel()

	if runErr != nil {
		return c.finishFailure(ctx, log, job, upload, runCtx, runErr)
	}
	return c.finishSuccess(ctx, log, job, upload, extractID)
}

// startHeartbeat refreshes the upload's liveness timestamp on an interval.
// The returned stop function cancels the loop and waits for it to exit, so
// no heartbeat can land after a terminal write.
func (c *Coordinator) startHeartbeat(ctx context.Context, uploadID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := c.store.TouchUpload(hbCtx, uploadID); err != nil && !errors.Is(err, context.Canceled) {
					c.log.Warn().Err(err).Str("upload_id", uploadID).Msg("heartbeat write failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// process runs the stage sequence and returns the persisted extract id.
func (c *Coordinator) process(ctx context.Context, log zerolog.Logger, upload *model.Upload) (string, error) {
	stageStart := time.Now()
	observe := func(stage string) {
		if c.metrics != nil {
			c.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(stageStart).Seconds())
		}
		stageStart = time.Now()
	}

	c.stage(ctx, log, upload.ID, model.StageDownloading, progressDownloading)
	files, err := c.download(ctx, upload)
	if err != nil {
		return "", err
	}
	observe(model.StageDownloading)

	c.stage(ctx, log, upload.ID, model.StageExtracting, progressExtracting)
	result, err := c.runExtraction(ctx, upload, files)
	if err != nil {
		return "", err
	}
	observe(model.StageExtracting)

	c.stage(ctx, log, upload.ID, model.StageNormalizing, progressNormalizing)
	txs := normalize.Transactions(result.Raw)
	log.Info().Int("raw", len(result.Raw)).Int("normalized", len(txs)).Msg("normalized transactions")

	c.stage(ctx, log, upload.ID, model.StageReconciling, progressReconciling)
	rec := reconcile.Reconcile(txs, reconcile.Evidence{
		Opening: result.OpeningBalance,
		Closing: result.ClosingBalance,
	})

	c.stage(ctx, log, upload.ID, model.StageSubscriptions, progressSubscriptions)
	subs := subscription.Detect(txs)

	c.stage(ctx, log, upload.ID, model.StageScoring, progressScoring)
	conf := confidence.Score(confidence.ExtractionStats{
		TransactionCount: len(txs),
		EstimatedCount:   result.EstimatedTxCount,
	}, rec, subs)

	c.stage(ctx, log, upload.ID, model.StagePersisting, progressPersisting)
	ext := buildExtract(upload.ID, txs, rec, subs, conf)
	var extractID string
	err = c.withIORetry(ctx, func(ctx context.Context) error {
		var saveErr error
		extractID, saveErr = c.store.SaveExtract(ctx, ext, txs)
		return saveErr
	})
	if err != nil {
		return "", fmt.Errorf("persist extract: %w", err)
	}
	observe(model.StagePersisting)
	return extractID, nil
}

func (c *Coordinator) download(ctx context.Context, upload *model.Upload) ([][]byte, error) {
	files, err := c.fetcher.GetAll(ctx, upload.FileRefs)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &extraction.Error{
			Code:      extraction.ErrUnsupportedDocument,
			Message:   "upload has no files attached",
			Retryable: false,
		}
	}
	return files, nil
}

// runExtraction handles the single-document case directly and the
// multi-file case (photographed statement pages) by extracting each page
// and merging. Multi-file uploads must be images; balance evidence is taken
// from the first page that reports it.
func (c *Coordinator) runExtraction(ctx context.Context, upload *model.Upload, files [][]byte) (*extraction.Result, error) {
	if len(files) == 1 {
		return c.extract.Extract(ctx, files[0], upload.MimeType)
	}

	if !strings.HasPrefix(upload.MimeType, "image/") {
		return nil, &extraction.Error{
			Code:      extraction.ErrUnsupportedDocument,
			Message:   fmt.Sprintf("multi-file uploads must be images, got %q", upload.MimeType),
			Retryable: false,
		}
	}

	merged := &extraction.Result{Method: extraction.MethodVision}
	for _, doc := range files {
		page, err := c.extract.Extract(ctx, doc, upload.MimeType)
		if err != nil {
			return nil, err
		}
		merged.Raw = append(merged.Raw, page.Raw...)
		merged.PageCount += page.PageCount
		if merged.OpeningBalance == nil {
			merged.OpeningBalance = page.OpeningBalance
		}
		if merged.ClosingBalance == nil {
			merged.ClosingBalance = page.ClosingBalance
		}
	}
	return merged, nil
}

// finishSuccess writes the terminal pair in order: job first, upload last,
// so a crash between the two leaves the client-visible record no further
// along than the job.
func (c *Coordinator) finishSuccess(ctx context.Context, log zerolog.Logger, job *model.Job, upload *model.Upload, extractID string) (model.JobStatus, error) {
	wctx := context.WithoutCancel(ctx)

	if err := c.withIORetry(wctx, func(ctx context.Context) error {
		return c.store.SetJobDone(ctx, job.ID)
	}); err != nil {
		log.Error().Err(err).Msg("mark job done")
		return c.fail(wctx, job, upload, "failed to record result")
	}
	if err := c.withIORetry(wctx, func(ctx context.Context) error {
		return c.store.SetUploadDone(ctx, upload.ID, extractID)
	}); err != nil {
		log.Error().Err(err).Msg("mark upload done")
		return model.JobDone, err
	}

	if c.metrics != nil {
		c.metrics.JobsTotal.WithLabelValues(string(model.JobDone)).Inc()
	}
	log.Info().Str("extract_id", extractID).Msg("job complete")
	return model.JobDone, nil
}

// finishFailure classifies the error: budget expiry and fatal extraction
// errors terminate the upload; service overload re-queues it while attempts
// remain.
func (c *Coordinator) finishFailure(ctx context.Context, log zerolog.Logger, job *model.Job, upload *model.Upload, runCtx context.Context, runErr error) (model.JobStatus, error) {
	wctx := context.WithoutCancel(ctx)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		log.Warn().Dur("budget", c.cfg.JobBudget).Msg("job exceeded wall budget")
		return c.fail(wctx, job, upload, timeoutMessage)
	}

	if extraction.IsOverloaded(runErr) && upload.AttemptCount < c.cfg.MaxUploadAttempts-1 {
		return c.requeue(wctx, log, job, upload, runErr)
	}

	log.Error().Err(runErr).Msg("job failed")
	return c.fail(wctx, job, upload, userMessage(runErr))
}

// requeue schedules the upload for a later attempt and puts the job back on
// the queue. Upload is written first so a crash between the writes leaves a
// visible retry schedule rather than a silently stuck job.
func (c *Coordinator) requeue(ctx context.Context, log zerolog.Logger, job *model.Job, upload *model.Upload, cause error) (model.JobStatus, error) {
	next := c.now().Add(requeueDelay(upload.AttemptCount))
	if err := c.withIORetry(ctx, func(ctx context.Context) error {
		return c.store.ScheduleUploadRetry(ctx, upload.ID, next)
	}); err != nil {
		log.Error().Err(err).Msg("schedule retry")
		return c.fail(ctx, job, upload, userMessage(cause))
	}
	if err := c.withIORetry(ctx, func(ctx context.Context) error {
		return c.store.RequeueJob(ctx, job.ID)
	}); err != nil {
		log.Error().Err(err).Msg("requeue job")
		return c.fail(ctx, job, upload, userMessage(cause))
	}

	if c.metrics != nil {
		c.metrics.JobsTotal.WithLabelValues(string(model.JobQueued)).Inc()
	}
	log.Warn().Err(cause).Time("next_retry_at", next).
		Int("attempt", upload.AttemptCount+1).
		Msg("extraction service overloaded, re-queued")
	return model.JobQueued, nil
}

// fail writes the terminal error pair in order: upload first, then job, so
// the client-visible record always reflects the failure even if the second
// write is lost.
func (c *Coordinator) fail(ctx context.Context, job *model.Job, upload *model.Upload, message string) (model.JobStatus, error) {
	wctx := context.WithoutCancel(ctx)

	if upload != nil {
		if err := c.withIORetry(wctx, func(ctx context.Context) error {
			return c.store.SetUploadError(ctx, upload.ID, message)
		}); err != nil {
			c.log.Error().Err(err).Str("upload_id", upload.ID).Msg("mark upload error")
		}
	}
	if err := c.withIORetry(wctx, func(ctx context.Context) error {
		return c.store.SetJobError(ctx, job.ID, message)
	}); err != nil {
		c.log.Error().Err(err).Str("job_id", job.ID).Msg("mark job error")
		return model.JobError, err
	}

	if c.metrics != nil {
		c.metrics.JobsTotal.WithLabelValues(string(model.JobError)).Inc()
	}
	return model.JobError, nil
}

// stage records the stage label and progress checkpoint. Progress writes are
// best effort; a failed write never aborts the job.
func (c *Coordinator) stage(ctx context.Context, log zerolog.Logger, uploadID, stage string, progress int) {
	if err := c.store.SetUploadStage(ctx, uploadID, stage, progress); err != nil {
		log.Warn().Err(err).Str("stage", stage).Msg("progress write failed")
	}
}

// withIORetry retries a store write a few times with fixed spacing. It is
// for terminal and persistence writes only; pipeline stages are never
// re-entered through it.
func (c *Coordinator) withIORetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < ioRetryAttempts; attempt++ {
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, store.ErrNotFound) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(ioRetryDelay):
		}
	}
	return lastErr
}

func requeueDelay(attempt int) time.Duration {
	d := requeueBaseDelay << attempt
	if d > requeueMaxDelay || d <= 0 {
		return requeueMaxDelay
	}
	return d
}

// userMessage maps internal failures to client-safe text. Internal details
// stay in logs.
func userMessage(err error) string {
	var fe *fetch.Error
	if errors.As(err, &fe) {
		if fe.Kind == fetch.KindNotFound {
			return "uploaded file could not be found in storage"
		}
		return "uploaded file could not be downloaded"
	}

	switch extraction.CodeOf(err) {
	case extraction.ErrUnsupportedDocument:
		return "document format is not supported"
	case extraction.ErrMalformedOutput, extraction.ErrSchemaViolation:
		return "document could not be read reliably"
	case extraction.ErrServiceTimeout:
		return timeoutMessage
	case extraction.ErrServiceUnavailable, extraction.ErrServiceRateLimited:
		// Keep the classified message: it names the failing status, which
		// support needs when the service has been down for a while.
		var extErr *extraction.Error
		if errors.As(err, &extErr) && extErr.Message != "" {
			return extErr.Message
		}
		return "extraction service is unavailable, please retry later"
	case extraction.ErrServiceRejected:
		return "document was rejected by the extraction service"
	}
	return "processing failed"
}
