package gemini

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const maxErrorExcerpt = 100

// StatusError is a non-2xx reply from the generateContent API. Message holds
// a truncated excerpt of the provider's error body for diagnostics.
type StatusError struct {
	StatusCode int
	Message    string
	WaitHint   time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini API %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the status is worth retrying (rate limit or
// transient capacity).
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable
}

// RetryWaitHint returns the provider's estimated wait, 0 when it gave none.
func (e *StatusError) RetryWaitHint() time.Duration {
	return e.WaitHint
}

func newStatusError(status int, body []byte) *StatusError {
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > maxErrorExcerpt {
		excerpt = excerpt[:maxErrorExcerpt]
	}

	e := &StatusError{StatusCode: status, Message: excerpt}
	if status == http.StatusServiceUnavailable {
		e.WaitHint = parseWaitHint(body)
	}
	return e
}

// parseWaitHint reads an estimated wait from a 503 body, e.g.
// {"error":"Model is loading","estimated_time":20.0}.
func parseWaitHint(body []byte) time.Duration {
	var hint struct {
		EstimatedTime float64 `json:"estimated_time"`
	}
	if err := json.Unmarshal(body, &hint); err != nil || hint.EstimatedTime <= 0 {
		return 0
	}
	return time.Duration(hint.EstimatedTime * float64(time.Second))
}

func isUnknownFieldError(err error, field string) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "Unknown name") && strings.Contains(message, field)
}
