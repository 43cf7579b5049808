package boreal

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	headerAuthorization = "Authorization"
	headerServiceName   = "X-Boreal-Service"

	contentEncodingGzip = "gzip"
	contentTypeJSON     = "application/json"

	// authSchemeFormat wraps a token for the Authorization header.
	authSchemeFormat = `Boreal Token="%s"`
)

// ServiceRequest describes one call to the Boreal service.
type ServiceRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any

	// Retryable enables the jittered retry loop for retryable status codes.
	// Login requests leave it off: the session engine owns login retries.
	Retryable bool

	// ExcludeGUID suppresses the per-attempt request_guid query parameter.
	ExcludeGUID bool
}

// responseEnvelope is the JSON envelope wrapping every service response.
type responseEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Success bool            `json:"success"`
}

// ServiceResponse is the unwrapped successful response envelope. Code is
// set on the few successful responses that carry one, such as the
// query-in-progress codes.
type ServiceResponse struct {
	Data    json.RawMessage
	Code    string
	Message string
}

// Transport sends requests to the service and unwraps the response
// envelope. The session engine depends on this interface so tests can
// substitute a scripted implementation.
type Transport interface {
	// RoundTrip performs the request and returns the unwrapped envelope.
	// Failures are reported as *NetworkError, *RequestFailedError, or
	// *OperationFailedError.
	RoundTrip(ctx context.Context, req *ServiceRequest) (*ServiceResponse, error)
}

type httpTransport struct {
	client          *http.Client
	baseURL         *url.URL
	maxRetryTimeout float64
	clock           clockwork.Clock
}

// NewHTTPTransport builds the standard HTTP transport for cfg. A nil clock
// means the real clock.
func NewHTTPTransport(cfg *Config, clock clockwork.Clock) (Transport, error) {
	base, err := url.Parse(cfg.AccessURL)
	if err != nil {
		return nil, fmt.Errorf("invalid access URL: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &httpTransport{
		client:          cfg.HTTPClient,
		baseURL:         base,
		maxRetryTimeout: cfg.MaxRetryTimeout.Seconds(),
		clock:           clock,
	}, nil
}

// RoundTrip implements Transport.
func (t *httpTransport) RoundTrip(ctx context.Context, req *ServiceRequest) (*ServiceResponse, error) {
	bodyBytes, err := t.prepareRequestBody(req.Body)
	if err != nil {
		return nil, err
	}

	var (
		currentSleep float64 = 1
		totalElapsed float64
	)
	for attempt := 0; ; attempt++ {
		resp, err := t.roundTripOnce(ctx, req, bodyBytes)
		if err == nil {
			return resp, nil
		}
		if !req.Retryable || !isRetryableHTTPError(err, false) {
			return nil, err
		}

		var sleep float64
		sleep, totalElapsed = JitteredSleepTime(attempt+1, currentSleep, totalElapsed, t.maxRetryTimeout)
		if sleep <= 0 {
			return nil, err
		}
		currentSleep = sleep

		log.Debug().Err(err).Int("attempt", attempt+1).Float64("sleepSeconds", sleep).
			Msg("retrying request after retryable status")

		select {
		case <-t.clock.After(secondsToDuration(sleep)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *httpTransport) roundTripOnce(ctx context.Context, req *ServiceRequest, body []byte) (*ServiceResponse, error) {
	u, err := t.prepareURL(req)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Accept", contentTypeJSON)
	httpReq.Header.Set("Accept-Encoding", contentEncodingGzip)
	if body != nil {
		httpReq.Header.Set("Content-Type", contentTypeJSON)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		// Context errors pass through unwrapped so callers can classify
		// cancellation as fatal.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &RequestFailedError{StatusCode: resp.StatusCode, Body: respBody}
	}

	var envelope responseEnvelope
	if err := t.decodeResponseBody(resp, &envelope); err != nil {
		return nil, &NetworkError{Cause: err}
	}

	if !envelope.Success {
		return nil, operationFailedFromEnvelope(&envelope)
	}
	return &ServiceResponse{
		Data:    envelope.Data,
		Code:    decodeErrorCode(envelope.Code),
		Message: envelope.Message,
	}, nil
}

func (t *httpTransport) prepareURL(req *ServiceRequest) (*url.URL, error) {
	u, err := t.baseURL.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	if !req.ExcludeGUID {
		q := u.Query()
		q.Set("request_guid", uuid.NewString())
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func (t *httpTransport) prepareRequestBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *httpTransport) decodeResponseBody(resp *http.Response, v any) (err error) {
	defer func() {
		closeErr := resp.Body.Close()
		if err == nil {
			err = closeErr
		}
	}()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == contentEncodingGzip {
		gz, gzErr := gzip.NewReader(resp.Body)
		if gzErr != nil {
			return fmt.Errorf("failed to create gzip reader: %w", gzErr)
		}
		defer func() {
			if cErr := gz.Close(); cErr != nil {
				log.Debug().Err(cErr).Msg("failed to close gzip reader")
			}
		}()
		reader = gz
	}

	if err = json.NewDecoder(reader).Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("failed to decode JSON: %w", err)
	}
	return nil
}

// operationFailedFromEnvelope maps a success=false envelope into an
// OperationFailedError. Error codes arrive as either a JSON string or a
// number depending on the endpoint.
func operationFailedFromEnvelope(envelope *responseEnvelope) *OperationFailedError {
	oe := &OperationFailedError{
		Code:    decodeErrorCode(envelope.Code),
		Message: envelope.Message,
		Data:    envelope.Data,
	}
	if len(envelope.Data) > 0 {
		var payload struct {
			SQLState string `json:"sqlState"`
		}
		if err := json.Unmarshal(envelope.Data, &payload); err == nil {
			oe.SQLState = payload.SQLState
		}
	}
	return oe
}

func decodeErrorCode(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "null" {
		return ""
	}
	return s
}

// sessionTokenAuth formats the Authorization header for a session token.
func sessionTokenAuth(token string) string {
	return fmt.Sprintf(authSchemeFormat, token)
}
