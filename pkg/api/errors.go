package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/entrhq/shale/pkg/pool"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const codeInternal = "internal_error"

// statusFor maps an error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	kind := pool.KindOf(err)
	switch kind {
	case pool.KindNotFound:
		return http.StatusNotFound, string(kind)
	case pool.KindUnsupportedBrowser, pool.KindInvalidRequest:
		return http.StatusBadRequest, string(kind)
	case pool.KindPoolExhausted:
		return http.StatusTooManyRequests, string(kind)
	case pool.KindAlreadyReserved, pool.KindNotReserved, pool.KindResourceBusy:
		return http.StatusConflict, string(kind)
	case pool.KindDriverFailure:
		return http.StatusBadGateway, string(kind)
	case pool.KindCanceled, pool.KindClosed:
		return http.StatusServiceUnavailable, string(kind)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, string(pool.KindCanceled)
	}
	return http.StatusInternalServerError, codeInternal
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// headers are sent; an encode failure has nowhere to go
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as an ErrorBody. Internal errors hide their message.
func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "an unexpected error occurred"
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: msg}})
}
