// internal/gateway/apierr.go
// The gateway's public error taxonomy and its single mapping onto HTTP.
// Handlers translate subsystem errors here; internal failures get a
// correlation id in the log and the response body, never a stack trace.
package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/shaoyifei96/tidybot-agent-server/internal/backend"
	"github.com/shaoyifei96/tidybot-agent-server/internal/executor"
	"github.com/shaoyifei96/tidybot-agent-server/internal/lease"
	"github.com/shaoyifei96/tidybot-agent-server/internal/logging"
	"github.com/shaoyifei96/tidybot-agent-server/internal/rewind"
	"github.com/shaoyifei96/tidybot-agent-server/internal/supervisor"
)

// Code is one of the gateway's public error codes.
type Code string

const (
	CodeBackendUnavailable    Code = "backend_unavailable"
	CodeInvalidArgument       Code = "invalid_argument"
	CodeSafetyViolation       Code = "safety_violation"
	CodeNotHolder             Code = "not_holder"
	CodeLeaseExpired          Code = "lease_expired"
	CodeBusy                  Code = "busy"
	CodeDependencyNotRunning  Code = "dependency_not_running"
	CodeNotFound              Code = "not_found"
	CodeTimeout               Code = "timeout"
	CodeInternal              Code = "internal"
)

func (c Code) httpStatus() int {
	switch c {
	case CodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case CodeInvalidArgument, CodeSafetyViolation:
		return http.StatusBadRequest
	case CodeNotHolder, CodeLeaseExpired:
		return http.StatusForbidden
	case CodeBusy, CodeDependencyNotRunning:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error         Code   `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeErr classifies err and writes the JSON error response.
func writeErr(w http.ResponseWriter, err error) {
	writeCode(w, classify(err), err.Error())
}

// writeCode writes an explicit code + human-readable reason.
func writeCode(w http.ResponseWriter, code Code, reason string) {
	body := errorBody{Error: code, Reason: reason}
	if code == CodeInternal {
		body.CorrelationID = uuid.NewString()
		body.Reason = "internal error" // never leak internals to the agent
		logging.Sugar().Errorw("internal error", "correlation_id", body.CorrelationID, "err", reason)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.httpStatus())
	_ = json.NewEncoder(w).Encode(body)
}

func classify(err error) Code {
	switch {
	case errors.Is(err, backend.ErrUnavailable):
		return CodeBackendUnavailable
	case errors.Is(err, lease.ErrNotHolder):
		return CodeNotHolder
	case errors.Is(err, lease.ErrExpired):
		return CodeLeaseExpired
	case errors.Is(err, rewind.ErrBusy), errors.Is(err, executor.ErrBusy):
		return CodeBusy
	case errors.Is(err, supervisor.ErrDependencyNotRunning):
		return CodeDependencyNotRunning
	case errors.Is(err, supervisor.ErrUnknownService):
		return CodeNotFound
	}
	return CodeInternal
}
