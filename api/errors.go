package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/warp/authunits/engine"
)

// retryAfterSeconds is sent with 503 when the store stayed contended.
const retryAfterSeconds = 1

// statusFor maps an engine error kind to an HTTP status.
func statusFor(kind engine.Kind) int {
	switch kind {
	case engine.KindInvalidInterval, engine.KindInvalidAmount:
		return http.StatusBadRequest
	case engine.KindForbidden:
		return http.StatusForbidden
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindInsufficientUnits, engine.KindInsufficientScheduled,
		engine.KindInactiveAuthorization, engine.KindAlreadyCompleted,
		engine.KindAlreadyCancelled, engine.KindInvalidTransition:
		return http.StatusConflict
	case engine.KindRetriesExhausted, engine.KindTransientConflict:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeEngineError writes {"error": kind, "message": msg}. Internal errors
// get a generic message; the cause is only logged.
func writeEngineError(w http.ResponseWriter, log zerolog.Logger, err error) {
	kind := engine.KindOf(err)
	status := statusFor(kind)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, status, ErrorResponse{Error: string(kind), Message: msg})
}

// writeBadRequest is for bodies and parameters that could not be decoded.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
