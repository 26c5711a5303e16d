package anchoring

import (
	"errors"
	"net/http"
)

var (
	// ErrAnchoringUnavailable means the backend could not be reached, had no
	// identity to sign with, or did not answer in time.
	ErrAnchoringUnavailable = errors.New("anchoring backend unavailable")
	// ErrSigningRejected means the identity provider declined to authorize
	// the submission.
	ErrSigningRejected = errors.New("signing rejected")
	// ErrInvalidIdentifier means a subject or issuer id is not acceptable
	// to the selected backend.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrReceiptNotFound means no backend knows the receipt id.
	ErrReceiptNotFound = errors.New("receipt not found")
	// ErrRetrievalFailed means a backend answered but its data was malformed.
	ErrRetrievalFailed = errors.New("receipt retrieval failed")
)

// HTTPStatus maps an anchoring error to the status code the API returns.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidIdentifier):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrSigningRejected):
		return http.StatusForbidden
	case errors.Is(err, ErrAnchoringUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrReceiptNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRetrievalFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
