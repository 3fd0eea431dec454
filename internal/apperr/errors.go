// Package apperr defines the error taxonomy shared by the index, the citation
// pipeline and the query layer.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound reports a key absent from the index or the vault.
	ErrNotFound = errors.New("not found")

	// ErrValidation reports malformed parameters on an operation with side effects.
	ErrValidation = errors.New("validation failed")

	// ErrExternalIO reports a failed or timed-out external text extraction.
	ErrExternalIO = errors.New("external io failure")

	// ErrStore reports an I/O failure of the underlying key-value store.
	ErrStore = errors.New("store failure")
)

// Code classifies err into one of the taxonomy names, or "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrExternalIO):
		return "external_io"
	default:
		return "internal"
	}
}

// HTTPStatus maps err to the status a presentation layer should render.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "ok":
		return http.StatusOK
	case "not_found":
		return http.StatusNotFound
	case "validation":
		return http.StatusBadRequest
	case "external_io":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
