package boreal

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// LargeResultSetError reports that a result-chunk fetch from external
// storage failed with an XML error document instead of chunk data. Storage
// services answer expired or malformed pre-signed URLs this way.
type LargeResultSetError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *LargeResultSetError) Error() string {
	return fmt.Sprintf("large result set fetch failed (status code: %d)", e.StatusCode)
}

// LargeResultSetService downloads result chunks from the external storage
// URLs the query response points at. Chunk URLs are pre-signed, so requests
// carry only the headers the query response specified, not session tokens.
type LargeResultSetService struct {
	client     *http.Client
	maxRetries int
	sleepCap   float64
	clock      clockwork.Clock
}

// NewLargeResultSetService builds the chunk download service for cfg.
func NewLargeResultSetService(cfg *Config, clock clockwork.Clock) *LargeResultSetService {
	return &LargeResultSetService{
		client:     cfg.HTTPClient,
		maxRetries: cfg.LargeResultMaxRetries,
		sleepCap:   cfg.LargeResultSleepCap.Seconds(),
		clock:      clock,
	}
}

// GetObject fetches one result chunk, retrying transient failures with
// decorrelated jitter. Storage services return transient 403s for chunk
// URLs, so 403 is retryable here.
func (s *LargeResultSetService) GetObject(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	var (
		sleep   float64 = 1
		lastErr error
	)
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			sleep = NextSleepTime(1, s.sleepCap, sleep)
			log.Debug().Err(lastErr).Int("attempt", attempt).Float64("sleepSeconds", sleep).
				Msg("retrying result chunk fetch")
			select {
			case <-s.clock.After(secondsToDuration(sleep)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, err := s.getObjectOnce(ctx, url, headers)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ne, ok := err.(*NetworkError); ok {
			if !isRetryableNetworkError(ne) {
				return nil, err
			}
			continue
		}
		if isRetryableHTTPError(err, true) {
			continue
		}
		if _, ok := err.(*LargeResultSetError); ok {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("max result chunk fetch retries exceeded: %w", lastErr)
}

func (s *LargeResultSetService) getObjectOnce(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", contentEncodingGzip)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &RequestFailedError{StatusCode: resp.StatusCode, Body: body}
	}

	// A 200 with an XML body is a storage error document, not chunk data.
	if strings.Contains(resp.Header.Get("Content-Type"), "application/xml") {
		body, _ := io.ReadAll(resp.Body)
		return nil, &LargeResultSetError{StatusCode: resp.StatusCode, Body: body}
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == contentEncodingGzip {
		gz, gzErr := gzip.NewReader(resp.Body)
		if gzErr != nil {
			return nil, &NetworkError{Cause: gzErr}
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &NetworkError{Cause: err}
	}
	return body, nil
}
