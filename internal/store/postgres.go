package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/finwell/statement-pipeline/internal/model"
)

// insertBatchSize caps the number of transaction rows per multi-row INSERT.
const insertBatchSize = 500

// Postgres implements Store on a PostgreSQL database via the pgx stdlib
// driver.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against dsn and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing handle; used by tests.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) GetUpload(ctx context.Context, id string) (*model.Upload, error) {
	const q = `SELECT id, owner_ref, file_refs, mime_type, status, stage, progress,
		extract_ref, trace_id, attempt_count, next_retry_at, last_error, created_at, updated_at
		FROM upload WHERE id = $1`
	var (
		u        model.Upload
		fileRefs []byte
	)
	err := p.db.QueryRowContext(ctx, q, id).Scan(
		&u.ID, &u.OwnerRef, &fileRefs, &u.MimeType, &u.Status, &u.Stage, &u.Progress,
		&u.ExtractRef, &u.TraceID, &u.AttemptCount, &u.NextRetryAt, &u.LastError,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload %s: %w", id, err)
	}
	if err := json.Unmarshal(fileRefs, &u.FileRefs); err != nil {
		return nil, fmt.Errorf("decode file_refs for upload %s: %w", id, err)
	}
	return &u, nil
}

func (p *Postgres) SetUploadProcessing(ctx context.Context, id string) error {
	const q = `UPDATE upload SET status = 'processing', last_error = NULL,
		next_retry_at = NULL, updated_at = now() WHERE id = $1`
	return p.execOne(ctx, q, "upload", id)
}

func (p *Postgres) SetUploadStage(ctx context.Context, id, stage string, progress int) error {
	const q = `UPDATE upload SET stage = $2, progress = $3, updated_at = now()
		WHERE id = $1 AND progress <= $3`
	_, err := p.db.ExecContext(ctx, q, id, stage, progress)
	if err != nil {
		return fmt.Errorf("set upload stage %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) TouchUpload(ctx context.Context, id string) error {
	const q = `UPDATE upload SET updated_at = now() WHERE id = $1`
	return p.execOne(ctx, q, "upload", id)
}

func (p *Postgres) SetUploadDone(ctx context.Context, id, extractRef string) error {
	const q = `UPDATE upload SET status = 'done', stage = 'done', progress = 100,
		extract_ref = $2, last_error = NULL, updated_at = now() WHERE id = $1`
	return p.execOne(ctx, q, "upload", id, extractRef)
}

func (p *Postgres) SetUploadError(ctx context.Context, id, message string) error {
	const q = `UPDATE upload SET status = 'error', last_error = $2, updated_at = now()
		WHERE id = $1`
	return p.execOne(ctx, q, "upload", id, message)
}

func (p *Postgres) ScheduleUploadRetry(ctx context.Context, id string, nextRetryAt time.Time) error {
	const q = `UPDATE upload SET attempt_count = attempt_count + 1, next_retry_at = $2,
		updated_at = now() WHERE id = $1`
	return p.execOne(ctx, q, "upload", id, nextRetryAt)
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*model.Job, error) {
	const q = `SELECT id, upload_id, status, attempts, last_error, created_at, updated_at
		FROM jobs WHERE id = $1`
	var j model.Job
	err := p.db.QueryRowContext(ctx, q, id).Scan(
		&j.ID, &j.UploadID, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

func (p *Postgres) ClaimJob(ctx context.Context, id string) (bool, error) {
	const q = `UPDATE jobs SET status = 'processing', attempts = attempts + 1,
		updated_at = now() WHERE id = $1 AND status = 'queued'`
	res, err := p.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return n == 1, nil
}

func (p *Postgres) SetJobDone(ctx context.Context, id string) error {
	const q = `UPDATE jobs SET status = 'done', last_error = NULL, updated_at = now()
		WHERE id = $1`
	return p.execOne(ctx, q, "job", id)
}

func (p *Postgres) SetJobError(ctx context.Context, id, message string) error {
	const q = `UPDATE jobs SET status = 'error', last_error = $2, updated_at = now()
		WHERE id = $1`
	return p.execOne(ctx, q, "job", id, message)
}

func (p *Postgres) RequeueJob(ctx context.Context, id string) error {
	const q = `UPDATE jobs SET status = 'queued', updated_at = now() WHERE id = $1`
	return p.execOne(ctx, q, "job", id)
}

// SaveExtract replaces the live extract for the upload. Dependent rows go
// first on both the delete and insert sides so a crash mid-way never leaves
// child rows pointing at a missing extract.
func (p *Postgres) SaveExtract(ctx context.Context, extract *model.StatementExtract, txs []model.Transaction) (string, error) {
	uploadID := extract.UploadID
	for _, q := range []string{
		`DELETE FROM subscription_items WHERE upload_id = $1`,
		`DELETE FROM transaction_extract WHERE upload_id = $1`,
		`DELETE FROM statement_extract WHERE upload_id = $1`,
	} {
		if _, err := p.db.ExecContext(ctx, q, uploadID); err != nil {
			return "", fmt.Errorf("clear prior extract for upload %s: %w", uploadID, err)
		}
	}

	extractID := extract.ID
	if extractID == "" {
		extractID = uuid.NewString()
	}
	topCategories, err := json.Marshal(extract.TopCategories)
	if err != nil {
		return "", fmt.Errorf("encode top categories: %w", err)
	}
	insights, err := json.Marshal(extract.Insights)
	if err != nil {
		return "", fmt.Errorf("encode insights: %w", err)
	}
	reasons, err := json.Marshal(extract.Confidence.Reasons)
	if err != nil {
		return "", fmt.Errorf("encode confidence reasons: %w", err)
	}

	const insertExtract = `INSERT INTO statement_extract
		(id, upload_id, period, inflow_cents, outflow_cents, net_cents,
		 top_categories, insights, confidence_score, confidence_grade, confidence_reasons,
		 recon_method, recon_ok, recon_delta_cents, recon_opening_cents,
		 recon_closing_cents, recon_expected_closing_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now())`
	_, err = p.db.ExecContext(ctx, insertExtract,
		extractID, uploadID, extract.Period,
		extract.Totals.InflowCents, extract.Totals.OutflowCents, extract.Totals.NetCents,
		topCategories, insights,
		extract.Confidence.Score, string(extract.Confidence.Grade), reasons,
		string(extract.Reconciliation.Method), extract.Reconciliation.OK,
		extract.Reconciliation.DeltaCents, extract.Reconciliation.OpeningCents,
		extract.Reconciliation.ClosingCents, extract.Reconciliation.ExpectedClosingCents,
	)
	if err != nil {
		return "", fmt.Errorf("insert extract for upload %s: %w", uploadID, err)
	}

	if err := p.insertTransactions(ctx, extractID, uploadID, txs); err != nil {
		return "", err
	}
	if err := p.insertSubscriptions(ctx, extractID, uploadID, extract.Subscriptions); err != nil {
		return "", err
	}
	return extractID, nil
}

func (p *Postgres) insertTransactions(ctx context.Context, extractID, uploadID string, txs []model.Transaction) error {
	const cols = 11
	for start := 0; start < len(txs); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(txs) {
			end = len(txs)
		}
		batch := txs[start:end]

		var (
			sb   strings.Builder
			args = make([]any, 0, len(batch)*cols)
		)
		sb.WriteString(`INSERT INTO transaction_extract
			(id, extract_id, upload_id, tx_date, merchant, normalized_merchant,
			 category, amount_cents, currency, balance_cents, description) VALUES `)
		for i, t := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * cols
			sb.WriteString("(")
			for c := 0; c < cols; c++ {
				if c > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "$%d", base+c+1)
			}
			sb.WriteString(")")
			id := t.ID
			if id == "" {
				id = uuid.NewString()
			}
			args = append(args, id, extractID, uploadID, t.Date, t.Merchant,
				t.NormalizedMerchant, t.Category, t.AmountCents, t.Currency,
				t.BalanceCents, t.Description)
		}
		if _, err := p.db.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert transactions for upload %s: %w", uploadID, err)
		}
	}
	return nil
}

func (p *Postgres) insertSubscriptions(ctx context.Context, extractID, uploadID string, subs []model.SubscriptionCandidate) error {
	const q = `INSERT INTO subscription_items
		(id, extract_id, upload_id, merchant, normalized_merchant, amount_cents,
		 billing_interval, occurrences, last_seen, next_expected, confidence, evidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	for _, s := range subs {
		evidence, err := json.Marshal(s.Evidence)
		if err != nil {
			return fmt.Errorf("encode subscription evidence: %w", err)
		}
		_, err = p.db.ExecContext(ctx, q,
			uuid.NewString(), extractID, uploadID, s.Merchant, s.NormalizedMerchant,
			s.AmountCents, string(s.Interval), s.Occurrences, s.LastSeen,
			s.NextExpected, s.Confidence, evidence,
		)
		if err != nil {
			return fmt.Errorf("insert subscription for upload %s: %w", uploadID, err)
		}
	}
	return nil
}

func (p *Postgres) execOne(ctx context.Context, q, kind, id string, args ...any) error {
	all := append([]any{id}, args...)
	res, err := p.db.ExecContext(ctx, q, all...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
