package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/betbot/botfleet/internal/quota"
	"github.com/betbot/botfleet/internal/storage"
	"github.com/betbot/botfleet/internal/supervisor"
	"github.com/betbot/botfleet/pkg/logger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("write response: %v", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch supervisor.KindOf(err) {
	case supervisor.KindOwnershipViolation:
		return http.StatusForbidden
	case supervisor.KindNotFound:
		return http.StatusNotFound
	case supervisor.KindAlreadyRunning, supervisor.KindNotRunning:
		return http.StatusConflict
	case supervisor.KindAdmissionDenied:
		if errors.Is(err, quota.ErrInsufficientCredits) {
			return http.StatusPaymentRequired
		}
		return http.StatusTooManyRequests
	case supervisor.KindInvalidConfig:
		return http.StatusBadRequest
	case supervisor.KindProcessCreationFailure:
		if errors.Is(err, supervisor.ErrSupervisorShutdown) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
	switch {
	case errors.Is(err, supervisor.ErrCreditsDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, quota.ErrGrantTooSoon):
		return http.StatusTooManyRequests
	case errors.Is(err, storage.ErrUnknownUnit):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidUnit), errors.Is(err, storage.ErrInvalidKind):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		logger.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(supervisor.KindOf(err))})
}
