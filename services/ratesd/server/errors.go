package server

import (
	"encoding/json"
	"errors"
	"net/http"

	coreerrors "ratecontrol/core/errors"
	"ratecontrol/native/access"
	nativecommon "ratecontrol/native/common"
)

var errNoCaller = errors.New("authenticated caller required")

// statusFor maps controller sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errNoCaller):
		return http.StatusUnauthorized
	case errors.Is(err, coreerrors.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, coreerrors.ErrNotFound), errors.Is(err, access.ErrUnknownRole):
		return http.StatusNotFound
	case errors.Is(err, coreerrors.ErrInvalidConfig), errors.Is(err, coreerrors.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, coreerrors.ErrNotDue),
		errors.Is(err, coreerrors.ErrStaleInput),
		errors.Is(err, coreerrors.ErrAlreadyInitialized),
		errors.Is(err, access.ErrLastAdmin):
		return http.StatusConflict
	case errors.Is(err, coreerrors.ErrSourceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is a stable machine readable name for err.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errNoCaller):
		return "unauthenticated"
	case errors.Is(err, coreerrors.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, access.ErrUnknownRole):
		return "unknown_role"
	case errors.Is(err, coreerrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, coreerrors.ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, coreerrors.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, coreerrors.ErrNotDue):
		return "not_due"
	case errors.Is(err, coreerrors.ErrStaleInput):
		return "stale_input"
	case errors.Is(err, coreerrors.ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, access.ErrLastAdmin):
		return "last_admin"
	case errors.Is(err, coreerrors.ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "module_paused"
	default:
		return "internal"
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Code: errorCode(err), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
