package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	nativecommon "synthd/native/common"
	"synthd/native/oracle"
	"synthd/native/stable"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps engine and oracle failures onto HTTP status codes.
// Caller mistakes are 4xx, solvency rejections are conflicts, and
// upstream dependency failures are gateway errors.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stable.ErrNeedsMoreThanZero),
		errors.Is(err, stable.ErrNotAllowedAsset):
		return http.StatusBadRequest
	case errors.Is(err, stable.ErrHealthFactorBroken),
		errors.Is(err, stable.ErrHealthFactorOK),
		errors.Is(err, stable.ErrHealthFactorNotImproved),
		errors.Is(err, stable.ErrInsufficientCollateral),
		errors.Is(err, stable.ErrInsufficientDebt),
		errors.Is(err, stable.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, oracle.ErrUnknownFeed),
		errors.Is(err, oracle.ErrNoReading),
		errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, stable.ErrTransferFailed),
		errors.Is(err, stable.ErrMintFailed),
		errors.Is(err, stable.ErrBurnFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
