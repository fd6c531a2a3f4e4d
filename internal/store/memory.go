package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finwell/statement-pipeline/internal/model"
)

// Memory is an in-memory Store used by tests and local development. Besides
// implementing the interface it records every mutating call in order, so
// tests can assert on write sequencing, and exposes per-method error hooks
// for fault injection.
type Memory struct {
	mu      sync.Mutex
	uploads map[string]*model.Upload
	jobs    map[string]*model.Job
	extract map[string]*model.StatementExtract // by upload id
	txs     map[string][]model.Transaction     // by upload id

	ops        []string
	saveCount  int
	touchCount int

	// Error hooks. When non-nil the corresponding method fails.
	SaveExtractErr    error
	SetUploadDoneErr  error
	SetJobDoneErr     error
	SetUploadStageErr error
}

func NewMemory() *Memory {
	return &Memory{
		uploads: make(map[string]*model.Upload),
		jobs:    make(map[string]*model.Job),
		extract: make(map[string]*model.StatementExtract),
		txs:     make(map[string][]model.Transaction),
	}
}

// PutUpload seeds an upload row.
func (m *Memory) PutUpload(u *model.Upload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.uploads[u.ID] = &cp
}

// PutJob seeds a job row.
func (m *Memory) PutJob(j *model.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
}

func (m *Memory) GetUpload(ctx context.Context, id string) (*model.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) SetUploadProcessing(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = model.UploadProcessing
	u.LastError = nil
	u.NextRetryAt = nil
	u.UpdatedAt = time.Now()
	m.ops = append(m.ops, "upload.processing")
	return nil
}

func (m *Memory) SetUploadStage(ctx context.Context, id, stage string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetUploadStageErr != nil {
		return m.SetUploadStageErr
	}
	u, ok := m.uploads[id]
	if !ok {
		return ErrNotFound
	}
	if progress >= u.Progress {
		u.Stage = stage
		u.Progress = progress
	}
	u.UpdatedAt = time.Now()
	m.ops = append(m.ops, fmt.Sprintf("upload.stage:%s:%d", stage, progress))
	return nil
}

func (m *Memory) TouchUpload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return ErrNotFound
	}
	u.UpdatedAt = time.Now()
	m.touchCount++
	return nil
}

func (m *Memory) SetUploadDone(ctx context.Context, id, extractRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetUploadDoneErr != nil {
		return m.SetUploadDoneErr
	}
	u, ok := m.uploads[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = model.UploadDone
	u.Stage = model.StageDone
	u.Progress = 100
	u.ExtractRef = &extractRef
	u.LastError = nil
	u.UpdatedAt = time.Now()
	m.ops = append(m.ops, "upload.done")
	return nil
}

func (m *Memory) SetUploadError(ctx context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = model.UploadError
	u.LastError = &message
	u.UpdatedAt = time.Now()
	m.ops = append(m.ops, "upload.error")
	return nil
}

func (m *Memory) ScheduleUploadRetry(ctx context.Context, id string, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return ErrNotFound
	}
	u.AttemptCount++
	u.NextRetryAt = &nextRetryAt
	u.UpdatedAt = time.Now()
	m.ops = append(m.ops, "upload.retry")
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) ClaimJob(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != model.JobQueued {
		return false, nil
	}
	j.Status = model.JobProcessing
	j.Attempts++
	j.UpdatedAt = time.Now()
	m.ops = append(m.ops, "job.claim")
	return true, nil
}

func (m *Memory) SetJobDone(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetJobDoneErr != nil {
		return m.SetJobDoneErr
	}
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = model.JobDone
	j.LastError = nil
	j.UpdatedAt = time.Now()
	m.ops = append(m.ops, "job.done")
	return nil
}

func (m *Memory) SetJobError(ctx context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = model.JobError
	j.LastError = &message
	j.UpdatedAt = time.Now()
	m.ops = append(m.ops, "job.error")
	return nil
}

func (m *Memory) RequeueJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = model.JobQueued
	j.UpdatedAt = time.Now()
	m.ops = append(m.ops, "job.requeue")
	return nil
}

func (m *Memory) SaveExtract(ctx context.Context, extract *model.StatementExtract, txs []model.Transaction) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveExtractErr != nil {
		return "", m.SaveExtractErr
	}
	cp := *extract
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = time.Now()
	m.extract[cp.UploadID] = &cp
	m.txs[cp.UploadID] = append([]model.Transaction(nil), txs...)
	m.saveCount++
	m.ops = append(m.ops, "extract.save")
	return cp.ID, nil
}

// Ops returns the ordered log of mutating calls.
func (m *Memory) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

// ExtractFor returns the live extract and transactions for an upload.
func (m *Memory) ExtractFor(uploadID string) (*model.StatementExtract, []model.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.extract[uploadID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, append([]model.Transaction(nil), m.txs[uploadID]...)
}

// SaveCount reports how many times SaveExtract succeeded.
func (m *Memory) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCount
}

// TouchCount reports how many heartbeats landed.
func (m *Memory) TouchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touchCount
}
