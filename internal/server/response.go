package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/deepknow/omniagent/internal/observe"
	"github.com/deepknow/omniagent/internal/orchestrator"
	"github.com/deepknow/omniagent/pkg/types"
)

// envelope is the uniform REST response body. Code 0 means success; any other
// value is a business error code from pkg/types.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// httpStatus maps a business error code to its HTTP status.
func httpStatus(code int) int {
	switch code {
	case types.CodeOK:
		return http.StatusOK
	case types.CodeInvalidParam:
		return http.StatusBadRequest
	case types.CodeAuthFailed:
		return http.StatusUnauthorized
	case types.CodeSessionMissing:
		return http.StatusNotFound
	case types.CodeSessionExpired:
		return http.StatusGone
	case types.CodeSTTError, types.CodeLLMError:
		return http.StatusBadGateway
	case types.CodeTimeout:
		return http.StatusGatewayTimeout
	case types.CodeRateLimit, types.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// pipelineCode maps orchestrator pipeline errors to business codes.
func pipelineCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrSTT):
		return types.CodeSTTError
	case errors.Is(err, context.DeadlineExceeded):
		return types.CodeTimeout
	default:
		return types.CodeLLMError
	}
}

// sessionCode maps session lookup and admission errors to business codes.
func sessionCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrSessionExpired):
		return types.CodeSessionExpired
	case errors.Is(err, orchestrator.ErrCapacity):
		return types.CodeQuotaExceeded
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		return types.CodeSessionMissing
	default:
		return types.CodeInternal
	}
}

// writeData writes a success envelope around data.
func (s *Server) writeData(w http.ResponseWriter, r *http.Request, data any) {
	writeJSON(w, http.StatusOK, envelope{
		Code:    types.CodeOK,
		Message: "ok",
		Data:    data,
		TraceID: observe.TraceID(r.Context()),
	})
}

// writeError writes an error envelope and bumps the request error counter.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	if s.metrics != nil {
		s.metrics.RecordRequestError(r.Context(), strconv.Itoa(code))
	}
	writeJSON(w, httpStatus(code), envelope{
		Code:    code,
		Message: msg,
		TraceID: observe.TraceID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"code":5000,"message":"encode response"}`, http.StatusInternalServerError)
	}
}

// decodeJSON parses the request body into v. An empty body leaves v at its
// zero value.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
