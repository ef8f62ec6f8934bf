// Package respond writes JSON responses and maps classified errors to
// HTTP status codes.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/info-rubbish/meichu2025/internal/engine"
	"github.com/info-rubbish/meichu2025/internal/store"
	"github.com/info-rubbish/meichu2025/internal/tools"
)

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Fail writes a classified error response.
func Fail(w http.ResponseWriter, status int, code engine.Code, message string) {
	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = message
	JSON(w, status, body)
}

// Error maps an error from the service layers to an HTTP response.
func Error(w http.ResponseWriter, err error) {
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		Fail(w, statusFor(engErr.Code), engErr.Code, engErr.Detail)
		return
	}
	var verr *tools.ValidationError
	if errors.As(err, &verr) {
		Fail(w, http.StatusBadRequest, engine.CodeValidation, verr.Detail)
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		Fail(w, http.StatusNotFound, engine.CodeNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		Fail(w, http.StatusConflict, engine.CodeValidation, "already exists")
	default:
		Fail(w, http.StatusInternalServerError, engine.CodeStorage, "internal error")
	}
}

func statusFor(code engine.Code) int {
	switch code {
	case engine.CodeAuth:
		return http.StatusUnauthorized
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeBusy:
		return http.StatusConflict
	case engine.CodeValidation:
		return http.StatusBadRequest
	case engine.CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
