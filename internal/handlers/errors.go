package handlers

import (
	"errors"
	"net/http"

	"ozor-ai-web/internal/gemini"
	"ozor-ai-web/internal/normalize"
	"ozor-ai-web/internal/retry"
)

type requestError struct {
	status  int
	message string
}

func (e requestError) Error() string { return e.message }

// writeError maps the error taxonomy to statuses. Every failure leaves the
// client with a JSON body, never a dropped connection.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		writeJSON(w, reqErr.status, apiError{Error: reqErr.message})
		return
	}

	if errors.Is(err, normalize.ErrNoContent) {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "model returned no content"})
		return
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		status := http.StatusServiceUnavailable
		message := exhausted.Error()
		var se *gemini.StatusError
		if errors.As(exhausted.LastErr, &se) {
			status = se.StatusCode
			message = se.Message
		}
		writeJSON(w, status, apiError{Error: message})
		return
	}

	var se *gemini.StatusError
	if errors.As(err, &se) {
		if se.Transient() {
			// Chat-path 429/503 pass through untouched.
			writeJSON(w, se.StatusCode, apiError{Error: se.Message})
			return
		}
		writeJSON(w, http.StatusInternalServerError, apiError{Error: se.Error()})
		return
	}

	writeJSON(w, http.StatusInternalServerError, apiError{Error: "provider call failed"})
}
