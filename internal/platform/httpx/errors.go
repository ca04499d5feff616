package httpx

import (
	"net/http"

	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// StatusFor maps a classified billing error to an HTTP status.
func StatusFor(err error) int {
	switch shared.KindOf(err) {
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindLocked, shared.KindPaymentsExist, shared.KindInvalidState, shared.KindAlreadyVoid, shared.KindDuplicatePeriod:
		return http.StatusConflict
	case shared.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// RespondError maps domain errors to HTTP responses using RFC7807. Details of
// unclassified errors are not exposed.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	detail := ""
	kind := shared.KindOf(err)
	if status != http.StatusInternalServerError {
		detail = err.Error()
	}
	Problem(w, status, http.StatusText(status), string(kind), detail)
}
