package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
)

const (
	// MinErrorStatusCode is the first status treated as an error.
	MinErrorStatusCode = 400
	maxErrorBodyBytes  = 4096
)

// HTTPError is a non-2xx/3xx provider response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP error (%d %s): %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP error: %d %s", e.StatusCode, e.Status)
}

// ParseHTTPError reads an error response into an HTTPError, or returns nil
// for successful statuses. The body is read up to a small limit.
func ParseHTTPError(resp *http.Response) error {
	if resp.StatusCode < MinErrorStatusCode {
		return nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if readErr != nil {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    fmt.Sprintf("read error body: %v", readErr),
		}
	}

	httpErr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}

	var payload struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch v := payload.Error.(type) {
		case string:
			httpErr.Message = v
		case map[string]any:
			if msg, ok := v["message"].(string); ok {
				httpErr.Message = msg
			}
		}
		if httpErr.Message == "" {
			httpErr.Message = payload.Message
		}
	}
	return httpErr
}

// IsTransientStatus reports whether a status code is worth retrying.
func IsTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= http.StatusInternalServerError
}

// Classify maps a transport error or HTTPError onto the provider error
// taxonomy. Context cancellation is returned unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if IsTransientStatus(httpErr.StatusCode) {
			return &domain.TransientProviderError{Provider: provider, StatusCode: httpErr.StatusCode, Err: httpErr}
		}
		msg := httpErr.Message
		if msg == "" {
			msg = httpErr.Body
		}
		return &domain.ProviderRejectionError{Provider: provider, StatusCode: httpErr.StatusCode, Body: msg}
	}

	var kinded interface{ Kind() domain.ErrorKind }
	if errors.As(err, &kinded) {
		return err
	}

	// Connection resets, refused dials, per-call timeouts and truncated bodies.
	return &domain.TransientProviderError{Provider: provider, Err: err}
}

// ClassifyDecode maps a failure to decode a successful response body.
// Malformed JSON or a mismatched shape is a rejection since the same bytes
// come back on retry; a body cut short in transit stays transient.
func ClassifyDecode(provider string, statusCode int, err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &domain.ProviderRejectionError{Provider: provider, StatusCode: statusCode, Body: err.Error()}
	}
	return Classify(provider, err)
}

// Do sends req and returns the response when its status is below 400.
// Error responses are drained, closed and classified.
func Do(client *http.Client, req *http.Request, provider string) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		return nil, Classify(provider, err)
	}

	if httpErr := ParseHTTPError(resp); httpErr != nil {
		_ = resp.Body.Close()
		return nil, Classify(provider, httpErr)
	}
	return resp, nil
}
