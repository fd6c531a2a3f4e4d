package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finwell/statement-pipeline/internal/extraction"
	"github.com/finwell/statement-pipeline/internal/model"
	"github.com/finwell/statement-pipeline/internal/store"
)

type stubFetcher struct {
	files map[string][]byte
	err   error
	delay time.Duration
}

func (s *stubFetcher) Get(ctx context.Context, fileRef string) ([]byte, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	b, ok := s.files[fileRef]
	if !ok {
		return nil, errors.New("unknown file ref")
	}
	return b, nil
}

func (s *stubFetcher) GetAll(ctx context.Context, fileRefs []string) ([][]byte, error) {
	out := make([][]byte, 0, len(fileRefs))
	for _, ref := range fileRefs {
		b, err := s.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

type stubExtractor struct {
	result *extraction.Result
	err    error
	calls  int
}

func (s *stubExtractor) Extract(ctx context.Context, doc []byte, mimeType string) (*extraction.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func statementResult() *extraction.Result {
	opening, closing := 1000.00, 1480.00
	return &extraction.Result{
		Raw: []model.RawTransaction{
			{Date: "2025-03-01", Description: "SALARY ACME", Amount: 500.00, Currency: "USD"},
			{Date: "2025-03-05", Description: "WOOLWORTHS SYDNEY", Amount: -20.00, Currency: "USD"},
		},
		OpeningBalance:   &opening,
		ClosingBalance:   &closing,
		EstimatedTxCount: 2,
		PageCount:        1,
		Method:           extraction.MethodText,
	}
}

type fixture struct {
	coord *Coordinator
	store *store.Memory
	fetch *stubFetcher
	ext   *stubExtractor
}

func newFixture(cfg Config) *fixture {
	if cfg.JobBudget == 0 {
		cfg.JobBudget = 5 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	if cfg.MaxUploadAttempts == 0 {
		cfg.MaxUploadAttempts = 8
	}
	st := store.NewMemory()
	f := &stubFetcher{files: map[string][]byte{"statements/a.pdf": []byte("%PDF-1.7 data")}}
	e := &stubExtractor{result: statementResult()}
	return &fixture{
		coord: NewCoordinator(st, f, e, nil, cfg, zerolog.Nop()),
		store: st,
		fetch: f,
		ext:   e,
	}
}

func (fx *fixture) seed(attempts int) {
	fx.store.PutUpload(&model.Upload{
		ID:           "up-1",
		OwnerRef:     "user-1",
		FileRefs:     []string{"statements/a.pdf"},
		MimeType:     "application/pdf",
		Status:       model.UploadPending,
		TraceID:      "trace-1",
		AttemptCount: attempts,
	})
	fx.store.PutJob(&model.Job{ID: "job-1", UploadID: "up-1", Status: model.JobQueued})
}

func TestRunHappyPath(t *testing.T) {
	fx := newFixture(Config{})
	fx.seed(0)

	status, err := fx.coord.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobDone, status)

	upload, err := fx.store.GetUpload(context.Background(), "up-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadDone, upload.Status)
	assert.Equal(t, 100, upload.Progress)
	assert.Equal(t, model.StageDone, upload.Stage)
	require.NotNil(t, upload.ExtractRef)
	assert.Nil(t, upload.LastError)

	ext, txs := fx.store.ExtractFor("up-1")
	require.NotNil(t, ext)
	assert.Equal(t, *upload.ExtractRef, ext.ID)
	assert.Len(t, txs, 2)
	assert.Equal(t, "2025-03", ext.Period)
	require.NotNil(t, ext.Reconciliation.OK)
	assert.True(t, *ext.Reconciliation.OK)
}

func TestRunProgressIsMonotonic(t *testing.T) {
	fx := newFixture(Config{})
	fx.seed(0)

	_, err := fx.coord.Run(context.Background(), "job-1")
	require.NoError(t, err)

	last := -1
	for _, op := range fx.store.Ops() {
		if !strings.HasPrefix(op, "upload.stage:") {
			continue
		}
		parts := strings.Split(op, ":")
		require.Len(t, parts, 3)
		progress, err := strconv.Atoi(parts[2])
		require.NoError(t, err)
		assert.GreaterOrEqual(t, progress, last, "progress went backwards at %s", op)
		last = progress
	}
	assert.Equal(t, progressPersisting, last)
}

func TestRunSuccessWritesJobBeforeUpload(t *testing.T) {
	fx := newFixture(Config{})
	fx.seed(0)

	_, err := fx.coord.Run(context.Background(), "job-1")
	require.NoError(t, err)

	ops := fx.store.Ops()
	jobDone := indexOf(ops, "job.done")
	uploadDone := indexOf(ops, "upload.done")
	require.GreaterOrEqual(t, jobDone, 0)
	require.GreaterOrEqual(t, uploadDone, 0)
	assert.Less(t, jobDone, uploadDone, "upload.done must be the last write")
}

func TestRunFatalErrorWritesUploadBeforeJob(t *testing.T) {
	fx := newFixture(Config{})
	fx.seed(0)
	fx.ext.err = &extraction.Error{Code: extraction.ErrUnsupportedDocument, Message: "nope", Retryable: false}

	status, err := fx.coord.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobError, status)

	upload, _ := fx.store.GetUpload(context.Background(), "up-1")
	assert.Equal(t, model.UploadError, upload.Status)
	require.NotNil(t, upload.LastError)
	assert.Equal(t, "document format is not supported", *upload.LastError)

	ops := fx.store.Ops()
	uploadErr := indexOf(ops, "upload.error")
	jobErr := indexOf(ops, "job.error")
	require.GreaterOrEqual(t, uploadErr, 0)
	require.GreaterOrEqual(t, jobErr, 0)
	assert.Less(t, uploadErr, jobErr)

	assert.Equal(t, 0, fx.store.SaveCount(), "no extract may be written on failure")
}

func TestRunOverloadRequeues(t *testing.T) {
	fx := newFixture(Config{})
	fx.seed(0)
	fx.ext.err = &extraction.Error{Code: extraction.ErrServiceUnavailable, Message: "overloaded", Retryable: true}

	status, err := fx.coord.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, status)

	upload, _ := fx.store.GetUpload(context.Background(), "up-1")
	assert.Equal(t, 1, upload.AttemptCount)
	require.NotNil(t, upload.NextRetryAt)
	assert.True(t, upload.NextRetryAt.After(time.Now()))

	job, _ := fx.store.GetJob(context.Background(), "job-1")
	assert.Equal(t, model.JobQueued, job.Status)

	ops := fx.store.Ops()
	assert.Less(t, indexOf(ops, "upload.retry"), indexOf(ops, "job.requeue"))
}

func TestRunOverloadExhaustedGoesTerminal(t *testing.T) {
	fx := newFixture(Config{MaxUploadAttempts: 8})
	fx.seed(7)
	fx.ext.err = &extraction.Error{Code: extraction.ErrServiceUnavailable, Message: "extraction service returned status 502", Retryable: true}

	status, err := fx.coord.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobError, status)

	upload, _ := fx.store.GetUpload(context.Background(), "up-1")
	assert.Equal(t, model.UploadError, upload.Status)
	assert.Equal(t, 7, upload.AttemptCount, "no further retry may be scheduled")
	require.NotNil(t, upload.LastError)
	assert.Contains(t, *upload.LastError, "status 502")
}

func TestRunTerminalJobIsNoOp(t *testing.T) {
	fx := newFixture(Config{})
	fx.seed(0)
	require.NoError(t, fx.store.SetJobDone(context.Background(), "job-1"))
	before := len(fx.store.Ops())

	status, err := fx.coord.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobDone, status)
	assert.Equal(t, before, len(fx.store.Ops()), "terminal jobs must not be touched")
	assert.Equal(t, 0, fx.ext.calls)
}

func TestRunLostClaimIsNoOp(t *testing.T) {
	fx := newFixture(Config{})
	fx.seed(0)
	// Another worker claimed it first.
	claimed, err := fx.store.ClaimJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, claimed)

	status, err := fx.coord.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobProcessing, status)
	assert.Equal(t, 0, fx.ext.calls)
}

func TestRunReprocessReplacesExtract(t *testing.T) {
	fx := newFixture(Config{})
	fx.seed(0)

	_, err := fx.coord.Run(context.Background(), "job-1")
	require.NoError(t, err)
	first, _ := fx.store.ExtractFor("up-1")
	require.NotNil(t, first)

	// A fresh job for the same upload reprocesses it.
	fx.store.PutJob(&model.Job{ID: "job-2", UploadID: "up-1", Status: model.JobQueued})
	_, err = fx.coord.Run(context.Background(), "job-2")
	require.NoError(t, err)

	second, txs := fx.store.ExtractFor("up-1")
	require.NotNil(t, second)
	assert.Equal(t, 2, fx.store.SaveCount())
	assert.Len(t, txs, 2, "reprocessing must replace, not append")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRunBudgetExpiryGoesTerminal(t *testing.T) {
	fx := newFixture(Config{JobBudget: 50 * time.Millisecond})
	fx.seed(0)
	fx.fetch.delay = 500 * time.Millisecond

	status, err := fx.coord.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobError, status)

	upload, _ := fx.store.GetUpload(context.Background(), "up-1")
	assert.Equal(t, model.UploadError, upload.Status)
	require.NotNil(t, upload.LastError)
	assert.Equal(t, timeoutMessage, *upload.LastError)
}

func TestRunHeartbeatsWhileWorking(t *testing.T) {
	fx := newFixture(Config{HeartbeatInterval: 5 * time.Millisecond})
	fx.seed(0)
	fx.fetch.delay = 40 * time.Millisecond

	_, err := fx.coord.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Greater(t, fx.store.TouchCount(), 0)
}

func TestRunMultiPagePhotoUpload(t *testing.T) {
	fx := newFixture(Config{})
	fx.store.PutUpload(&model.Upload{
		ID:       "up-2",
		FileRefs: []string{"pages/1.jpg", "pages/2.jpg"},
		MimeType: "image/jpeg",
		Status:   model.UploadPending,
	})
	fx.store.PutJob(&model.Job{ID: "job-2", UploadID: "up-2", Status: model.JobQueued})
	fx.fetch.files["pages/1.jpg"] = []byte("page one")
	fx.fetch.files["pages/2.jpg"] = []byte("page two")

	status, err := fx.coord.Run(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, model.JobDone, status)
	assert.Equal(t, 2, fx.ext.calls, "each page is extracted separately")

	_, txs := fx.store.ExtractFor("up-2")
	assert.Len(t, txs, 4, "pages merge into one transaction list")
}

func TestRunMultiFileNonImageIsRejected(t *testing.T) {
	fx := newFixture(Config{})
	fx.store.PutUpload(&model.Upload{
		ID:       "up-3",
		FileRefs: []string{"a.pdf", "b.pdf"},
		MimeType: "application/pdf",
		Status:   model.UploadPending,
	})
	fx.store.PutJob(&model.Job{ID: "job-3", UploadID: "up-3", Status: model.JobQueued})
	fx.fetch.files["a.pdf"] = []byte("%PDF-1")
	fx.fetch.files["b.pdf"] = []byte("%PDF-2")

	status, err := fx.coord.Run(context.Background(), "job-3")
	require.NoError(t, err)
	assert.Equal(t, model.JobError, status)
	assert.Equal(t, 0, fx.ext.calls)
}

func indexOf(ops []string, want string) int {
	for i, op := range ops {
		if op == want {
			return i
		}
	}
	return -1
}
