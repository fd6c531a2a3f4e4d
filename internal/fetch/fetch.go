// Package fetch downloads uploaded statement files from object storage via
// short-lived signed URLs.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"

	"github.com/finwell/statement-pipeline/internal/extraction"
)

const downloadTimeout = 15 * time.Second

// ErrorKind classifies fetch failures.
type ErrorKind string

const (
	KindNotFound  ErrorKind = "not_found"
	KindTransient ErrorKind = "transient"
)

// Error is a typed download failure. Not-found is permanent; everything
// else is worth another attempt.
type Error struct {
	Kind    ErrorKind
	FileRef string
	Cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.FileRef, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether a later attempt could succeed.
func (e *Error) IsRetryable() bool { return e.Kind == KindTransient }

// Signer produces a time-limited download URL for a stored object.
type Signer func(ctx context.Context, fileRef string) (string, error)

// GCSSigner returns a Signer backed by GCS V4 signed URLs.
func GCSSigner(client *storage.Client, bucket string, ttl time.Duration) Signer {
	return func(ctx context.Context, fileRef string) (string, error) {
		return client.Bucket(bucket).SignedURL(fileRef, &storage.SignedURLOptions{
			Method:  http.MethodGet,
			Expires: time.Now().Add(ttl),
			Scheme:  storage.SigningSchemeV4,
		})
	}
}

// Fetcher downloads statement files. The signer is injected so tests can
// point it at a local server.
type Fetcher struct {
	sign  Signer
	http  *http.Client
	retry extraction.RetryConfig
	log   zerolog.Logger
}

func New(sign Signer, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		sign:  sign,
		http:  &http.Client{Timeout: downloadTimeout},
		retry: extraction.DefaultFetchRetryConfig,
		log:   log.With().Str("component", "fetch").Logger(),
	}
}

// Get downloads one file, retrying transient failures.
func (f *Fetcher) Get(ctx context.Context, fileRef string) ([]byte, error) {
	return extraction.WithRetry(ctx, f.retry, func(ctx context.Context) ([]byte, error) {
		return f.getOnce(ctx, fileRef)
	})
}

// GetAll downloads every file ref in order. Any failure aborts the set.
func (f *Fetcher) GetAll(ctx context.Context, fileRefs []string) ([][]byte, error) {
	out := make([][]byte, 0, len(fileRefs))
	for _, ref := range fileRefs {
		b, err := f.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *Fetcher) getOnce(ctx context.Context, fileRef string) ([]byte, error) {
	url, err := f.sign(ctx, fileRef)
	if err != nil {
		return nil, &Error{Kind: KindTransient, FileRef: fileRef, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: KindTransient, FileRef: fileRef, Cause: err}
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, FileRef: fileRef, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &Error{Kind: KindNotFound, FileRef: fileRef,
			Cause: fmt.Errorf("object storage returned status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: KindTransient, FileRef: fileRef,
			Cause: fmt.Errorf("object storage returned status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, FileRef: fileRef, Cause: err}
	}
	if len(body) == 0 {
		return nil, &Error{Kind: KindNotFound, FileRef: fileRef,
			Cause: fmt.Errorf("downloaded object is empty")}
	}
	f.log.Debug().Str("file_ref", fileRef).Int("bytes", len(body)).Msg("downloaded file")
	return body, nil
}
