package extraction

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/finwell/statement-pipeline/internal/model"
)

// Caller is the slice of the service client the router needs; split out so
// tests can substitute a fake endpoint.
type Caller interface {
	ExtractText(ctx context.Context, text string) (*Response, error)
	ExtractDocument(ctx context.Context, data []byte, mimeType string) (*Response, error)
}

// Method records which extraction strategy produced a result.
type Method string

const (
	MethodText   Method = "text"
	MethodVision Method = "vision"
)

// Result is the router's output: raw rows plus whatever balance evidence the
// service reported, and the router's own estimate of how many transactions
// the document holds (0 when unknown).
type Result struct {
	Raw              []model.RawTransaction
	OpeningBalance   *float64
	ClosingBalance   *float64
	EstimatedTxCount int
	PageCount        int
	Method           Method
}

// Router picks an extraction strategy from document shape: native text for
// text-bearing PDFs, the vision call for scanned PDFs and images. Transient
// service errors are retried here with bounded backoff; everything else is
// surfaced to the coordinator as-is.
type Router struct {
	client Caller
	retry  RetryConfig
	log    zerolog.Logger
}

func NewRouter(client Caller, retry RetryConfig, log zerolog.Logger) *Router {
	return &Router{
		client: client,
		retry:  retry,
		log:    log.With().Str("component", "extraction-router").Logger(),
	}
}

// Extract routes the document to the right extraction call. The service's
// amount signs are trusted as-is: debits arrive negative and are never
// inverted a second time.
func (r *Router) Extract(ctx context.Context, doc []byte, mimeType string) (*Result, error) {
	isPDF := mimeType == "application/pdf" || bytes.HasPrefix(doc, []byte("%PDF-"))
	isImage := strings.HasPrefix(mimeType, "image/")

	switch {
	case isPDF:
		analysis := AnalyzePDF(doc)
		if !analysis.IsScanned && len(analysis.ExtractedText) >= minTextChars {
			return r.extractFromText(ctx, analysis)
		}
		r.log.Debug().Int("pages", analysis.PageCount).
			Bool("scanned", analysis.IsScanned).
			Msg("falling through to vision extraction")
		return r.extractFromBytes(ctx, doc, "application/pdf", analysis.PageCount)

	case isImage:
		return r.extractFromBytes(ctx, doc, mimeType, 1)

	default:
		return nil, &Error{
			Code:      ErrUnsupportedDocument,
			Message:   fmt.Sprintf("document has no parseable text and unsupported mime type %q", mimeType),
			Retryable: false,
		}
	}
}

func (r *Router) extractFromText(ctx context.Context, analysis *PDFAnalysis) (*Result, error) {
	resp, err := WithRetry(ctx, r.retry, func(ctx context.Context) (*Response, error) {
		return r.client.ExtractText(ctx, analysis.ExtractedText)
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Raw:              resp.Transactions,
		OpeningBalance:   resp.OpeningBalance,
		ClosingBalance:   resp.ClosingBalance,
		EstimatedTxCount: analysis.EstimatedTxCount,
		PageCount:        analysis.PageCount,
		Method:           MethodText,
	}, nil
}

func (r *Router) extractFromBytes(ctx context.Context, doc []byte, mimeType string, pages int) (*Result, error) {
	resp, err := WithRetry(ctx, r.retry, func(ctx context.Context) (*Response, error) {
		return r.client.ExtractDocument(ctx, doc, mimeType)
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Raw:            resp.Transactions,
		OpeningBalance: resp.OpeningBalance,
		ClosingBalance: resp.ClosingBalance,
		PageCount:      pages,
		Method:         MethodVision,
	}, nil
}
