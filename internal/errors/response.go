package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON envelope the HTTP surface answers failures
// with. The code is machine-readable; Retryable tells callers whether
// resubmitting the same request can ever succeed.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the code, a human-readable message, and optional
// context keyed by field name.
type ErrorDetail struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// WriteError answers with the envelope for code, at the status the code
// maps to.
func WriteError(w http.ResponseWriter, code ErrorCode, message string, details map[string]interface{}) {
	resp := ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: code.IsRetryable(),
			Details:   details,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteSimpleError writes an error with no detail fields.
func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	WriteError(w, code, message, nil)
}
