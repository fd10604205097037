// Package respond writes JSON replies and maps ledger errors to HTTP
// statuses so typed errors survive the HTTP hop.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	ledgererr "shardledger/core/errors"
)

// ErrorBody is the JSON shape of every error reply.
type ErrorBody struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// Error writes err with the status derived from its kind.
func Error(w http.ResponseWriter, err error) {
	JSON(w, StatusOf(err), ErrorBody{Code: ledgererr.CodeOf(err), Error: err.Error()})
}

// BadRequest reports a request that could not be decoded.
func BadRequest(w http.ResponseWriter, msg string) {
	JSON(w, http.StatusBadRequest, ErrorBody{Code: ledgererr.ErrMalformedIntent.Code, Error: msg})
}

// StatusOf maps an error to an HTTP status.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ledgererr.ErrUnauthorized), errors.Is(err, ledgererr.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, ledgererr.ErrTransactionNotFound), errors.Is(err, ledgererr.ErrUnknownToken),
		errors.Is(err, ledgererr.ErrUnknownShard):
		return http.StatusNotFound
	case errors.Is(err, ledgererr.ErrMismatchedAction):
		return http.StatusConflict
	}
	switch ledgererr.KindOf(err) {
	case ledgererr.KindCaller:
		return http.StatusBadRequest
	case ledgererr.KindBusiness:
		return http.StatusUnprocessableEntity
	case ledgererr.KindTransient:
		return http.StatusServiceUnavailable
	case ledgererr.KindContention:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Decode reads a JSON error reply into an error, rebuilding the typed
// sentinel when the code is known.
func Decode(status int, body []byte) error {
	var reply ErrorBody
	if err := json.Unmarshal(body, &reply); err == nil && reply.Code != "" {
		if sentinel := ledgererr.FromCode(reply.Code); sentinel != nil {
			return sentinel
		}
	}
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return ledgererr.ErrUnavailable
	}
	msg := reply.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	return errors.New(msg)
}
