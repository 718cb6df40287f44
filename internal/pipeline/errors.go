package pipeline

import (
	"fmt"
	"net/http"
	"strings"

	"charm.land/fantasy"

	"github.com/dotcommander/yagent/internal/errs"
)

// maxBodyInError caps the response body quoted in errors.
const maxBodyInError = 512

type attemptFailure struct {
	status int
	body   []byte
	err    error
}

// ExhaustedError describes the last failure of a request that ran out of
// attempts.
type ExhaustedError struct {
	Endpoint   string
	Attempts   int
	StatusCode int
	Body       string
	Err        error
}

func (e *ExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: gave up after %d attempts: status %d: %s", e.Endpoint, e.Attempts, e.StatusCode, e.Body)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Exhausted builds the error for a request whose attempts all failed.
// status and body describe the last answer, cause the last error.
func Exhausted(endpoint string, attempts, status int, body []byte, cause error) error {
	return exhausted(endpoint, attempts, attemptFailure{status: status, body: body, err: cause})
}

func exhausted(endpoint string, attempts int, last attemptFailure) error {
	body := strings.TrimSpace(string(last.body))
	if len(body) > maxBodyInError {
		body = body[:maxBodyInError] + "…"
	}
	return errs.New(errs.RetryExhausted, &ExhaustedError{
		Endpoint:   endpoint,
		Attempts:   attempts,
		StatusCode: last.status,
		Body:       body,
		Err:        last.err,
	}, reasonFor(endpoint, last))
}

func reasonFor(endpoint string, last attemptFailure) string {
	switch {
	case last.status == http.StatusBadRequest && isContextLengthExceeded(last.body):
		return "Maximum prompt size exceeded."
	case last.status != 0:
		if reason := fantasy.ErrorTitleForStatusCode(last.status); reason != "" {
			return reason
		}
		return fmt.Sprintf("The %s endpoint rejected the request.", endpoint)
	default:
		return fmt.Sprintf("Could not reach the %s endpoint.", endpoint)
	}
}

func isContextLengthExceeded(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), "context_length_exceeded")
}
