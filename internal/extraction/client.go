// Package extraction turns statement documents into structured transaction
// rows by calling an external model endpoint under a strict output schema.
package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/finwell/statement-pipeline/internal/model"
)

const extractionInstructions = `Extract every transaction from this bank statement. ` +
	`Respond with JSON only: {"transactions":[{"date":"YYYY-MM-DD","description":string,` +
	`"amount":number,"currency":"ISO-4217","category":string?,"balance":number?}],` +
	`"openingBalance":number?,"closingBalance":number?}. ` +
	`Debits MUST be negative, credits positive. Do not invent rows.`

// Response is the extraction service's schema-validated payload.
type Response struct {
	Transactions   []model.RawTransaction `json:"transactions"`
	OpeningBalance *float64               `json:"openingBalance,omitempty"`
	ClosingBalance *float64               `json:"closingBalance,omitempty"`
}

// Client is an HTTP client for the extraction service. All responses pass
// through tolerant JSON recovery and schema validation before anything
// downstream sees them.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	schema     *jsonschema.Schema
	breaker    *gobreaker.CircuitBreaker[*Response]
	log        zerolog.Logger
}

// NewClient creates an extraction service client. The timeout bounds a single
// call; on expiry the error is classified as a timeout, not a transport
// failure.
func NewClient(endpoint, apiKey string, timeout time.Duration, log zerolog.Logger) (*Client, error) {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	schema, err := compileStatementSchema()
	if err != nil {
		return nil, fmt.Errorf("compile statement schema: %w", err)
	}

	c := &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		schema:     schema,
		log:        log.With().Str("component", "extraction-client").Logger(),
	}

	c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "extraction-service",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var extErr *Error
			// Only service-side failures should trip the breaker.
			return errors.As(err, &extErr) && !extErr.Retryable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return c, nil
}

// ExtractText sends recovered statement text to the service.
func (c *Client) ExtractText(ctx context.Context, text string) (*Response, error) {
	return c.call(ctx, map[string]any{
		"text":         text,
		"instructions": extractionInstructions,
	})
}

// ExtractDocument sends raw document bytes to the vision-capable call.
func (c *Client) ExtractDocument(ctx context.Context, data []byte, mimeType string) (*Response, error) {
	return c.call(ctx, map[string]any{
		"fileBytes":    base64.StdEncoding.EncodeToString(data),
		"mimeType":     mimeType,
		"instructions": extractionInstructions,
	})
}

func (c *Client) call(ctx context.Context, payload map[string]any) (*Response, error) {
	resp, err := c.breaker.Execute(func() (*Response, error) {
		return c.doCall(ctx, payload)
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return nil, &Error{
			Code:      ErrServiceUnavailable,
			Message:   "extraction service circuit open",
			Retryable: true,
			Cause:     err,
		}
	}
	return resp, err
}

func (c *Client) doCall(ctx context.Context, payload map[string]any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Code: ErrServiceUnavailable, Message: "read response", Retryable: true, Cause: err}
	}

	c.log.Debug().Int("status", httpResp.StatusCode).
		Int("bytes", len(raw)).
		Dur("elapsed", time.Since(start)).
		Msg("extraction service response")

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatusError(httpResp.StatusCode, raw)
	}

	return c.parseResponse(raw)
}

// parseResponse recovers JSON from possibly prose-wrapped output, validates
// it against the statement schema, and decodes it.
func (c *Client) parseResponse(raw []byte) (*Response, error) {
	doc, err := ExtractJSON(string(raw))
	if err != nil {
		return nil, &Error{
			Code:      ErrMalformedOutput,
			Message:   "extraction output could not be parsed",
			Retryable: false,
			Cause:     err,
		}
	}

	if err := validateAgainstSchema(c.schema, []byte(doc)); err != nil {
		return nil, &Error{
			Code:      ErrSchemaViolation,
			Message:   "extraction output failed schema validation",
			Retryable: false,
			Cause:     err,
		}
	}

	var resp Response
	if err := json.Unmarshal([]byte(doc), &resp); err != nil {
		return nil, &Error{
			Code:      ErrMalformedOutput,
			Message:   "decode extraction output",
			Retryable: false,
			Cause:     err,
		}
	}
	return &resp, nil
}

func classifyStatusError(status int, body []byte) error {
	msg := fmt.Sprintf("extraction service returned status %d", status)
	if len(body) > 0 && len(body) <= 512 {
		msg = fmt.Sprintf("%s: %s", msg, body)
	}
	switch status {
	case http.StatusTooManyRequests:
		return &Error{Code: ErrServiceRateLimited, Message: msg, Retryable: true}
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &Error{Code: ErrServiceUnavailable, Message: msg, Retryable: true}
	default:
		return &Error{Code: ErrServiceRejected, Message: msg, Retryable: false}
	}
}

func classifyTransportError(err error) error {
	var urlErr *url.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &urlErr) && urlErr.Timeout())
	if timedOut {
		return &Error{
			Code:      ErrServiceTimeout,
			Message:   "extraction call exceeded time budget",
			Retryable: false,
			Cause:     err,
		}
	}
	return &Error{
		Code:      ErrServiceUnavailable,
		Message:   "extraction service unreachable",
		Retryable: true,
		Cause:     err,
	}
}
